package attention

import (
	"github.com/pdevine/tensor"
)

// Phase says whether a batch contains full prompt sequences or single
// continuation tokens. A batch is never mixed.
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
)

func (p Phase) String() string {
	if p == PhaseDecode {
		return "decode"
	}
	return "prefill"
}

// WriteSlots names the cache destination of each incoming token, one
// (block, offset) pair per row of the new key/value tensors.
type WriteSlots struct {
	BlockIndices []int32
	BlockOffsets []int32
}

// BlockLayout describes where a batch's cached history lives: the flat
// list of active blocks, which batch element owns each of them, and an
// additive bias masking the unfilled tail of each final block.
type BlockLayout struct {
	// BlockList names every block active across the batch, in the order
	// they are gathered.
	BlockList []int32

	// BlockGroups holds the owning batch element of each entry in
	// BlockList.
	BlockGroups []int32

	// BlockBias has shape (len(BlockList), blockSize). Slots holding no
	// token carry a large negative value; filled slots carry zero.
	BlockBias *tensor.Dense
}

// Metadata is the per-call bundle built by the external scheduler. It is
// immutable for the duration of one forward call. Exactly two variants
// exist: decoder self-attention and encoder-decoder cross-attention.
type Metadata interface {
	phase() Phase
}

// SelfMetadata drives decoder self-attention: queries attend to the same
// sequence's keys and values.
type SelfMetadata struct {
	Phase Phase

	// SeqLens is the valid token count per batch element. Used for
	// packed variable-length prefill.
	SeqLens []int32

	// Positions is the absolute position of each input token, consumed
	// by rotary embedding.
	Positions []int32

	// Bias is an optional additive score bias of shape
	// (batch, 1 or heads, seqQ, seqK). Masked positions carry -Inf.
	Bias *tensor.Dense

	Slots  WriteSlots
	Layout BlockLayout
}

// CrossMetadata drives encoder-decoder cross-attention. It carries its
// own block-table namespace; the encoder's keys and values are written
// once during prefill and only read afterwards.
type CrossMetadata struct {
	Phase Phase

	// EncoderSeqLens is the encoder-side valid length per batch element.
	EncoderSeqLens []int32

	Bias *tensor.Dense

	Slots  WriteSlots
	Layout BlockLayout
}

func (m *SelfMetadata) phase() Phase  { return m.Phase }
func (m *CrossMetadata) phase() Phase { return m.Phase }
