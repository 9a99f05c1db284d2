// Package attention implements paged attention for autoregressive
// inference: prefill and single-token decode against a block-structured
// key/value cache, with optional grouped-query heads, ALiBi bias, and a
// compressed-latent (MLA) variant.
//
// Tensors cross the package boundary as float32 *tensor.Dense values. One
// forward call is a synchronous pipeline: cache writes complete before any
// read issued by the same call.
package attention

import (
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/pagedattn/kvcache"
	"github.com/jmorganca/pagedattn/ml"
)

// Attention computes scaled dot-product attention against paged caches.
type Attention struct {
	cfg Config
}

func New(cfg Config) (*Attention, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Attention{cfg: cfg}, nil
}

func (a *Attention) Config() Config { return a.cfg }

// Forward runs one attention call.
//
// Prefill shapes: query (batch, seqQ, heads, headSize), key/value
// (batch, seqK, kvHeads, headSize). Decode shapes: query
// (batch, heads, headSize), key/value (batch, kvHeads, headSize) holding
// the single new token per sequence.
//
// New key/value rows are scattered into the caches at meta's write slots
// before any compute; a nil cache downgrades the write to a pass-through
// so profiling calls still produce output. The result always has one row
// of heads*headSize per input token: (batch, seq, heads*headSize).
func (a *Attention) Forward(query, key, value *tensor.Dense, keyCache, valueCache *kvcache.Store, meta Metadata) (*tensor.Dense, error) {
	slog.Debug("attention forward", "phase", meta.phase(), "batch", query.Shape()[0])

	switch m := meta.(type) {
	case *SelfMetadata:
		return a.forwardSelf(query, key, value, keyCache, valueCache, m)
	case *CrossMetadata:
		return a.forwardCross(query, key, value, keyCache, valueCache, m)
	default:
		return nil, fmt.Errorf("%w: unknown metadata type %T", ErrUnsupportedConfig, meta)
	}
}

func (a *Attention) forwardSelf(query, key, value *tensor.Dense, keyCache, valueCache *kvcache.Store, m *SelfMetadata) (*tensor.Dense, error) {
	if err := a.writeKV(key, value, keyCache, valueCache, m.Slots); err != nil {
		return nil, err
	}

	if m.Phase == PhasePrefill {
		return a.prefill(query, key, value, m.Bias, m.SeqLens, true)
	}

	return a.decode(query, keyCache, valueCache, m.Layout)
}

func (a *Attention) forwardCross(query, key, value *tensor.Dense, keyCache, valueCache *kvcache.Store, m *CrossMetadata) (*tensor.Dense, error) {
	if m.Phase == PhasePrefill {
		// The encoder's keys and values are cached once here and only
		// read on subsequent decode steps.
		if err := a.writeKV(key, value, keyCache, valueCache, m.Slots); err != nil {
			return nil, err
		}

		return a.prefill(query, key, value, m.Bias, m.EncoderSeqLens, false)
	}

	return a.decode(query, keyCache, valueCache, m.Layout)
}

// writeKV scatters new key/value rows into their caches. Slots may be
// empty for calls that only read (cross-attention decode).
func (a *Attention) writeKV(key, value *tensor.Dense, keyCache, valueCache *kvcache.Store, slots WriteSlots) error {
	if len(slots.BlockIndices) == 0 || key == nil {
		return nil
	}

	rows := len(slots.BlockIndices)
	keyRows, err := ml.Reshaped(key, rows, ml.Numel(key.Shape())/rows)
	if err != nil {
		return err
	}
	if _, err := keyCache.Write(keyRows, slots.BlockIndices, slots.BlockOffsets); err != nil {
		return err
	}

	valueRows, err := ml.Reshaped(value, rows, ml.Numel(value.Shape())/rows)
	if err != nil {
		return err
	}
	_, err = valueCache.Write(valueRows, slots.BlockIndices, slots.BlockOffsets)
	return err
}

func (a *Attention) decode(query *tensor.Dense, keyCache, valueCache *kvcache.Store, layout BlockLayout) (*tensor.Dense, error) {
	batch := query.Shape()[0]

	mapping, err := decodeMapping(layout, batch)
	if err != nil {
		return nil, err
	}

	keys, err := keyCache.Fetch(layout.BlockList)
	if err != nil {
		return nil, err
	}
	values, err := valueCache.Fetch(layout.BlockList)
	if err != nil {
		return nil, err
	}

	out, err := flatPagedAttention(query, keys, values, mapping, layout.BlockBias, a.cfg.Scale, 0)
	if err != nil {
		return nil, err
	}

	return ml.Reshaped(out, batch, 1, a.cfg.NumHeads*a.cfg.HeadSize)
}
