package attention

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"

	"github.com/jmorganca/pagedattn/ml"
)

var (
	ErrUnsupportedConfig = errors.New("unsupported attention configuration")
	ErrEmptyBlockList    = errors.New("decode requires at least one cached block per sequence")
	ErrDimensionMismatch = errors.New("block mapping does not match block list")
)

// PrefillStrategy selects how full-sequence attention is computed. All
// strategies produce the same result up to floating point rounding.
type PrefillStrategy int

const (
	// PrefillNaive materializes the full score matrix: two matmuls with a
	// softmax in between. Always correct, baseline for the others.
	PrefillNaive PrefillStrategy = iota

	// PrefillFused streams keys through an online softmax and never
	// materializes the score matrix. It cannot apply a custom bias.
	PrefillFused

	// PrefillFlex processes keys in tiles with full bias support.
	PrefillFlex
)

func (s PrefillStrategy) String() string {
	switch s {
	case PrefillNaive:
		return "naive"
	case PrefillFused:
		return "fsdpa"
	case PrefillFlex:
		return "flex"
	default:
		return "unknown"
	}
}

// Config holds the construction-time parameters of an attention layer.
type Config struct {
	NumHeads   int
	NumKVHeads int // 0 means NumHeads
	HeadSize   int

	// Scale is applied to raw scores. 0 means 1/sqrt(HeadSize).
	Scale float32

	Prefill    PrefillStrategy
	CacheDType ml.DType

	// AlibiSlopes enables ALiBi positional bias, one slope per head.
	AlibiSlopes []float32
}

func (c *Config) validate() error {
	if c.NumHeads <= 0 || c.HeadSize <= 0 {
		return fmt.Errorf("%w: heads %v head size %v", ErrUnsupportedConfig, c.NumHeads, c.HeadSize)
	}

	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}

	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%w: %v query heads not divisible by %v kv heads",
			ErrUnsupportedConfig, c.NumHeads, c.NumKVHeads)
	}

	if c.AlibiSlopes != nil {
		if c.Prefill == PrefillFused {
			return fmt.Errorf("%w: fused prefill cannot apply alibi slopes", ErrUnsupportedConfig)
		}
		if len(c.AlibiSlopes) != c.NumHeads {
			return fmt.Errorf("%w: %v alibi slopes for %v heads",
				ErrUnsupportedConfig, len(c.AlibiSlopes), c.NumHeads)
		}
	}

	if c.Scale == 0 {
		c.Scale = 1 / math32.Sqrt(float32(c.HeadSize))
	}

	return nil
}
