package attention

import (
	"math"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/pagedattn/ml"
)

// AlibiSlopes returns the standard ALiBi slope schedule for n heads:
// a geometric sequence starting at 2^(-8/n), extended with interleaved
// values when n is not a power of two.
func AlibiSlopes(n int) []float32 {
	closest := 1 << int(math.Floor(math.Log2(float64(n))))

	slopes := make([]float32, 0, n)
	base := math.Pow(2, -8.0/float64(closest))
	for i := 1; i <= closest; i++ {
		slopes = append(slopes, float32(math.Pow(base, float64(i))))
	}

	if closest < n {
		extraBase := math.Pow(2, -8.0/float64(2*closest))
		for i := 1; len(slopes) < n; i += 2 {
			slopes = append(slopes, float32(math.Pow(extraBase, float64(i))))
		}
	}

	return slopes
}

// AlibiBias builds the additive positional bias for prefill: each head's
// score at (i, j) receives slope * (j - i), measured in absolute token
// positions, which is non-positive for the causally visible region.
func AlibiBias(slopes []float32, seqQ, seqK int) *tensor.Dense {
	heads := len(slopes)
	bias := ml.Zeros(1, heads, seqQ, seqK)
	data := ml.Floats(bias)

	// The query token at row i sits at absolute position i + seqK - seqQ.
	offset := seqK - seqQ
	for h, slope := range slopes {
		for i := 0; i < seqQ; i++ {
			for j := 0; j < seqK; j++ {
				data[(h*seqQ+i)*seqK+j] = slope * float32(j-i-offset)
			}
		}
	}

	return bias
}

// CausalBias builds an explicit causal mask of shape (1, 1, seqQ, seqK)
// with -Inf above the diagonal. The kernels apply causality internally;
// this is for callers composing their own bias.
func CausalBias(seqQ, seqK int) *tensor.Dense {
	bias := ml.Zeros(1, 1, seqQ, seqK)
	data := ml.Floats(bias)

	negInf := float32(math.Inf(-1))
	offset := seqK - seqQ
	for i := 0; i < seqQ; i++ {
		for j := i + offset + 1; j < seqK; j++ {
			data[i*seqK+j] = negInf
		}
	}

	return bias
}
