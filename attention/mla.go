package attention

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"

	"github.com/jmorganca/pagedattn/kvcache"
	"github.com/jmorganca/pagedattn/ml"
)

// MLAConfig configures the latent attention path, where the cache stores
// one compressed joint vector per token instead of full per-head pairs.
type MLAConfig struct {
	NumHeads int

	// Query/key head dimensions: the content part and the rotary part.
	// Full QK head size is the sum of the two.
	QKNopeHeadDim int
	QKRopeHeadDim int

	// VHeadDim is the value head dimension, typically smaller than the
	// QK head size.
	VHeadDim int

	// KVLoraRank is the dimension of the compressed latent. Cache rows
	// hold KVLoraRank + QKRopeHeadDim values.
	KVLoraRank int

	// Scale applied to raw scores. 0 means 1/sqrt(QKNopeHeadDim+QKRopeHeadDim).
	Scale float32

	Prefill    PrefillStrategy
	CacheDType ml.DType
	RopeBase   float32

	// AbsorbMatrices folds the key up-projection into the query at
	// construction so decode runs entirely in latent space. Off, the
	// up-projection runs per decode step instead. The two are the same
	// computation reassociated, not an approximation.
	AbsorbMatrices bool

	// Not supported together with the latent path; construction fails
	// when any is set.
	AlibiSlopes   []float32
	SlidingWindow int
	BlockSparse   bool
}

// MLA is the latent/compressed-cache attention variant.
type MLA struct {
	cfg   MLAConfig
	inner *Attention

	kvProj *tensor.Dense // (rank, heads*(nope+vDim)) joint up-projection
	wUKT   *tensor.Dense // (heads, nope, rank) transposed key up-projection
	wUV    *tensor.Dense // (heads, rank, vDim) value up-projection
}

// NewMLA builds the latent path around the model's joint KV up-projection
// matrix, shaped (KVLoraRank, NumHeads*(QKNopeHeadDim+VHeadDim)).
func NewMLA(cfg MLAConfig, kvProj *tensor.Dense) (*MLA, error) {
	if cfg.AlibiSlopes != nil || cfg.SlidingWindow != 0 || cfg.BlockSparse {
		return nil, fmt.Errorf("%w: latent attention does not support alibi slopes, "+
			"sliding window, or block-sparse patterns", ErrUnsupportedConfig)
	}

	if cfg.NumHeads <= 0 || cfg.QKNopeHeadDim <= 0 || cfg.QKRopeHeadDim <= 0 ||
		cfg.VHeadDim <= 0 || cfg.KVLoraRank <= 0 {
		return nil, fmt.Errorf("%w: non-positive latent dimension", ErrUnsupportedConfig)
	}

	rank, heads := cfg.KVLoraRank, cfg.NumHeads
	nope, vDim := cfg.QKNopeHeadDim, cfg.VHeadDim

	shape := kvProj.Shape()
	if len(shape) != 2 || shape[0] != rank || shape[1] != heads*(nope+vDim) {
		return nil, fmt.Errorf("%w: kv projection is %v, want (%v, %v)",
			ErrUnsupportedConfig, shape, rank, heads*(nope+vDim))
	}

	qkDim := nope + cfg.QKRopeHeadDim
	if cfg.Scale == 0 {
		cfg.Scale = 1 / math32.Sqrt(float32(qkDim))
	}

	inner, err := New(Config{
		NumHeads: heads,
		HeadSize: qkDim,
		Scale:    cfg.Scale,
		Prefill:  cfg.Prefill,
	})
	if err != nil {
		return nil, err
	}

	m := &MLA{
		cfg:    cfg,
		inner:  inner,
		kvProj: kvProj,
		wUKT:   ml.Zeros(heads, nope, rank),
		wUV:    ml.Zeros(heads, rank, vDim),
	}

	// Slice the joint projection into per-head pieces: columns
	// [h*(nope+vDim), +nope) project latent -> k_nope, the rest
	// latent -> v. wUKT keeps the key piece transposed so absorbed
	// queries multiply straight into latent space.
	pdata := ml.Floats(kvProj)
	ukt, uv := ml.Floats(m.wUKT), ml.Floats(m.wUV)
	width := heads * (nope + vDim)
	for h := 0; h < heads; h++ {
		base := h * (nope + vDim)
		for r := 0; r < rank; r++ {
			for c := 0; c < nope; c++ {
				ukt[(h*nope+c)*rank+r] = pdata[r*width+base+c]
			}
			for c := 0; c < vDim; c++ {
				uv[(h*rank+r)*vDim+c] = pdata[r*width+base+nope+c]
			}
		}
	}

	return m, nil
}

// NewStore allocates a latent cache pool sized for this config.
func (m *MLA) NewStore(numBlocks, blockSize int) *kvcache.Store {
	return kvcache.NewLatentStore(numBlocks, blockSize,
		m.cfg.KVLoraRank+m.cfg.QKRopeHeadDim, m.cfg.CacheDType)
}

// writeLatent concatenates the compressed latent and rotary component per
// token and writes the joint rows through the block store.
func (m *MLA) writeLatent(store *kvcache.Store, latent, kPe *tensor.Dense, slots WriteSlots) error {
	if len(slots.BlockIndices) == 0 {
		return nil
	}

	rows := len(slots.BlockIndices)
	latentRows, err := ml.Reshaped(latent, rows, m.cfg.KVLoraRank)
	if err != nil {
		return err
	}
	ropeRows, err := ml.Reshaped(kPe, rows, m.cfg.QKRopeHeadDim)
	if err != nil {
		return err
	}

	joint, err := ml.ConcatLastDim(latentRows, ropeRows)
	if err != nil {
		return err
	}

	_, err = store.Write(joint, slots.BlockIndices, slots.BlockOffsets)
	return err
}

// Prefill runs full-sequence latent attention.
//
//	query:  (batch, seq, heads, nope+rope), rope tail not yet rotated
//	latent: (batch, seq, rank) compressed kv
//	kPe:    (batch, seq, rope) shared positional key component
//
// Keys and values are reconstructed from the latent by the up-projection;
// the value is zero-padded up to the QK head size so the score and value
// matmuls share trailing dimensions, and the padding is sliced back off
// the output. Returns (batch, seq, heads*vDim).
func (m *MLA) Prefill(query, latent, kPe *tensor.Dense, store *kvcache.Store, meta *SelfMetadata) (*tensor.Dense, error) {
	heads := m.cfg.NumHeads
	nope, rope, vDim := m.cfg.QKNopeHeadDim, m.cfg.QKRopeHeadDim, m.cfg.VHeadDim
	qkDim := nope + rope

	qShape := query.Shape()
	batch, seq := qShape[0], qShape[1]
	tokens := batch * seq

	if err := applyRoPESection(query, meta.Positions, m.cfg.RopeBase, nope, qkDim); err != nil {
		return nil, err
	}
	if err := applyRoPE(kPe, meta.Positions, m.cfg.RopeBase); err != nil {
		return nil, err
	}

	if err := m.writeLatent(store, latent, kPe, meta.Slots); err != nil {
		return nil, err
	}

	// Reconstruct per-head keys and values: kv = latent @ kvProj.
	latentFlat, err := ml.Reshaped(latent, tokens, m.cfg.KVLoraRank)
	if err != nil {
		return nil, err
	}
	kv, err := ml.MatMul(latentFlat, m.kvProj) // (tokens, heads*(nope+vDim))
	if err != nil {
		return nil, err
	}

	key := ml.Zeros(batch, seq, heads, qkDim)
	valuePadded := ml.Zeros(batch, seq, heads, qkDim)

	kvdata, kdata, vdata := ml.Floats(kv), ml.Floats(key), ml.Floats(valuePadded)
	pe := ml.Floats(kPe)
	for t := 0; t < tokens; t++ {
		for h := 0; h < heads; h++ {
			src := kvdata[t*heads*(nope+vDim)+h*(nope+vDim):]
			dst := kdata[(t*heads+h)*qkDim:]
			copy(dst[:nope], src[:nope])
			copy(dst[nope:qkDim], pe[t*rope:(t+1)*rope])
			copy(vdata[(t*heads+h)*qkDim:][:vDim], src[nope:nope+vDim])
		}
	}

	out, err := m.inner.prefill(query, key, valuePadded, meta.Bias, meta.SeqLens, true)
	if err != nil {
		return nil, err
	}

	outHeads, err := ml.Reshaped(out, batch, seq, heads, qkDim)
	if err != nil {
		return nil, err
	}
	trimmed, err := ml.SliceLastDim(outHeads, 0, vDim)
	if err != nil {
		return nil, err
	}

	return ml.Reshaped(trimmed, batch, seq, heads*vDim)
}

// Decode runs one latent continuation step.
//
//	qNope:     (batch, heads, nope) content query
//	qPe:       (batch, heads, rope) rotary query, not yet rotated
//	newLatent: (batch, rank) compressed kv for the new token
//	newKPe:    (batch, rope) positional key for the new token
//
// Returns (batch, 1, heads*vDim).
func (m *MLA) Decode(qNope, qPe, newLatent, newKPe *tensor.Dense, store *kvcache.Store, meta *SelfMetadata) (*tensor.Dense, error) {
	heads := m.cfg.NumHeads
	batch := qNope.Shape()[0]

	if err := applyRoPE(qPe, meta.Positions, m.cfg.RopeBase); err != nil {
		return nil, err
	}
	if err := applyRoPE(newKPe, meta.Positions, m.cfg.RopeBase); err != nil {
		return nil, err
	}

	if err := m.writeLatent(store, newLatent, newKPe, meta.Slots); err != nil {
		return nil, err
	}

	mapping, err := decodeMapping(meta.Layout, batch)
	if err != nil {
		return nil, err
	}

	fetched, err := store.Fetch(meta.Layout.BlockList) // (blocks, 1, blockSize, rank+rope)
	if err != nil {
		return nil, err
	}

	var out *tensor.Dense
	if m.cfg.AbsorbMatrices {
		out, err = m.decodeAbsorbed(qNope, qPe, fetched, mapping, meta.Layout.BlockBias)
	} else {
		out, err = m.decodeUpProject(qNope, qPe, fetched, mapping, meta.Layout.BlockBias)
	}
	if err != nil {
		return nil, err
	}

	return ml.Reshaped(out, batch, 1, heads*m.cfg.VHeadDim)
}

// decodeAbsorbed keeps the whole step in latent space: the query is
// pushed down through the absorbed key projection, attention runs against
// the joint cache rows, and only the final output is projected back up.
func (m *MLA) decodeAbsorbed(qNope, qPe, fetched *tensor.Dense, mapping *BlockMapping, bias *tensor.Dense) (*tensor.Dense, error) {
	qByHead, err := ml.Permute(qNope, 1, 0, 2) // (heads, batch, nope)
	if err != nil {
		return nil, err
	}

	qLatentH, err := ml.BatchedMatMul(qByHead, m.wUKT) // (heads, batch, rank)
	if err != nil {
		return nil, err
	}
	qLatent, err := ml.Permute(qLatentH, 1, 0, 2) // (batch, heads, rank)
	if err != nil {
		return nil, err
	}

	query, err := ml.ConcatLastDim(qLatent, qPe) // (batch, heads, rank+rope)
	if err != nil {
		return nil, err
	}

	attn, err := flatPagedAttention(query, fetched, nil, mapping, bias, m.cfg.Scale, m.cfg.KVLoraRank)
	if err != nil {
		return nil, err
	}

	attnByHead, err := ml.Permute(attn, 1, 0, 2) // (heads, batch, rank)
	if err != nil {
		return nil, err
	}
	outH, err := ml.BatchedMatMul(attnByHead, m.wUV) // (heads, batch, vDim)
	if err != nil {
		return nil, err
	}

	return ml.Permute(outH, 1, 0, 2)
}

// decodeUpProject reconstructs full per-head keys and values from every
// fetched block, then runs the standard block-sparse step in head space.
// More compute per step than the absorbed form, less resident weight
// memory; the results agree within rounding.
func (m *MLA) decodeUpProject(qNope, qPe, fetched *tensor.Dense, mapping *BlockMapping, bias *tensor.Dense) (*tensor.Dense, error) {
	heads, rank := m.cfg.NumHeads, m.cfg.KVLoraRank
	nope, rope, vDim := m.cfg.QKNopeHeadDim, m.cfg.QKRopeHeadDim, m.cfg.VHeadDim
	qkDim := nope + rope

	fShape := fetched.Shape()
	blocks, blockSize := fShape[0], fShape[2]
	rows := blocks * blockSize

	latentRows, err := ml.SliceLastDim(fetched, 0, rank) // (blocks, 1, blockSize, rank)
	if err != nil {
		return nil, err
	}
	ropeRows, err := ml.SliceLastDim(fetched, rank, rank+rope)
	if err != nil {
		return nil, err
	}

	latentFlat, err := ml.Reshaped(latentRows, rows, rank)
	if err != nil {
		return nil, err
	}
	kv, err := ml.MatMul(latentFlat, m.kvProj) // (rows, heads*(nope+vDim))
	if err != nil {
		return nil, err
	}

	key := ml.Zeros(blocks, heads, blockSize, qkDim)
	value := ml.Zeros(blocks, heads, blockSize, vDim)

	kvdata, kdata, vdata := ml.Floats(kv), ml.Floats(key), ml.Floats(value)
	pe := ml.Floats(ropeRows)
	for b := 0; b < blocks; b++ {
		for s := 0; s < blockSize; s++ {
			row := b*blockSize + s
			for h := 0; h < heads; h++ {
				src := kvdata[row*heads*(nope+vDim)+h*(nope+vDim):]
				dst := kdata[((b*heads+h)*blockSize+s)*qkDim:]
				copy(dst[:nope], src[:nope])
				copy(dst[nope:qkDim], pe[row*rope:(row+1)*rope])
				copy(vdata[((b*heads+h)*blockSize+s)*vDim:][:vDim], src[nope:nope+vDim])
			}
		}
	}

	query, err := ml.ConcatLastDim(qNope, qPe) // (batch, heads, qkDim)
	if err != nil {
		return nil, err
	}

	return flatPagedAttention(query, key, value, mapping, bias, m.cfg.Scale, 0)
}
