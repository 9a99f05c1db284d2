package attention

import (
	"fmt"
	"math"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/pagedattn/ml"
)

// prefill computes full-sequence attention with the configured strategy.
//
//	query:      (batch, seqQ, heads, headSize)
//	key, value: (batch, seqK, kvHeads, headSize)
//	bias:       optional (1 or batch, 1 or heads, seqQ, seqK)
//
// The result has shape (batch, seqQ, heads*headSize).
func (a *Attention) prefill(query, key, value, bias *tensor.Dense, validSeqLens []int32, causal bool) (*tensor.Dense, error) {
	if a.cfg.AlibiSlopes != nil {
		qShape, kShape := query.Shape(), key.Shape()
		ab := AlibiBias(a.cfg.AlibiSlopes, qShape[1], kShape[1])
		if bias == nil {
			bias = ab
		} else {
			bias, _ = addBias(bias, ab)
		}
	}

	switch a.cfg.Prefill {
	case PrefillFused:
		if bias != nil {
			return nil, fmt.Errorf("%w: fused prefill cannot apply an attention bias", ErrUnsupportedConfig)
		}
		return a.prefillOnline(query, key, value, nil, validSeqLens, causal)
	case PrefillFlex:
		return a.prefillOnline(query, key, value, bias, validSeqLens, causal)
	default:
		return a.prefillNaive(query, key, value, bias, validSeqLens, causal)
	}
}

// prefillNaive is the reference path: materialize scores, bias, softmax,
// then weight the values.
func (a *Attention) prefillNaive(query, key, value, bias *tensor.Dense, validSeqLens []int32, causal bool) (*tensor.Dense, error) {
	qShape, kShape := query.Shape(), key.Shape()
	batch, seqQ, heads, headSize := qShape[0], qShape[1], qShape[2], qShape[3]
	seqK, kvHeads := kShape[1], kShape[2]
	group := heads / kvHeads

	qh, err := ml.Permute(query, 0, 2, 1, 3) // (batch, heads, seqQ, headSize)
	if err != nil {
		return nil, err
	}

	qdata := ml.Floats(qh)
	for i := range qdata {
		qdata[i] *= a.cfg.Scale
	}

	// Fold the head-group axis into the row axis so grouped queries share
	// their kv head through a single batched matmul.
	qg, err := ml.Reshaped(qh, batch, kvHeads, group*seqQ, headSize)
	if err != nil {
		return nil, err
	}

	kh, err := ml.Permute(key, 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	khT, err := ml.TransposeLast2(kh)
	if err != nil {
		return nil, err
	}

	scores, err := ml.BatchedMatMul(qg, khT) // (batch, kvHeads, group*seqQ, seqK)
	if err != nil {
		return nil, err
	}

	if err := applyScoreBias(ml.Floats(scores), batch, heads, seqQ, seqK, bias, validSeqLens, causal); err != nil {
		return nil, err
	}

	ml.SoftmaxRows(ml.Floats(scores), batch*heads*seqQ, seqK)

	vh, err := ml.Permute(value, 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}

	out, err := ml.BatchedMatMul(scores, vh) // (batch, kvHeads, group*seqQ, headSize)
	if err != nil {
		return nil, err
	}

	outH, err := ml.Reshaped(out, batch, heads, seqQ, headSize)
	if err != nil {
		return nil, err
	}
	outT, err := ml.Permute(outH, 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}

	return ml.Reshaped(outT, batch, seqQ, heads*headSize)
}

// prefillOnline serves both the fused and flex strategies: keys stream
// through an online softmax so the full score matrix never exists. The
// fused flavor passes a nil bias; flex looks the bias up per position.
func (a *Attention) prefillOnline(query, key, value, bias *tensor.Dense, validSeqLens []int32, causal bool) (*tensor.Dense, error) {
	qShape, kShape := query.Shape(), key.Shape()
	batch, seqQ, heads, headSize := qShape[0], qShape[1], qShape[2], qShape[3]
	seqK, kvHeads := kShape[1], kShape[2]
	group := heads / kvHeads

	out := ml.Zeros(batch, seqQ, heads*headSize)

	qdata, kdata, vdata, odata := ml.Floats(query), ml.Floats(key), ml.Floats(value), ml.Floats(out)

	var bdata []float32
	var biasBatch, biasHeads int
	if bias != nil {
		bShape := bias.Shape()
		if bShape[2] != seqQ || bShape[3] != seqK {
			return nil, fmt.Errorf("%w: bias is %v, want (*, *, %v, %v)",
				ErrDimensionMismatch, bShape, seqQ, seqK)
		}
		bdata = ml.Floats(bias)
		biasBatch, biasHeads = bShape[0], bShape[1]
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			g.Go(func() error {
				kvHead := h / group
				acc := make([]float32, headSize)

				for i := 0; i < seqQ; i++ {
					limit := seqK
					if causal {
						limit = min(limit, i+seqK-seqQ+1)
					}
					if validSeqLens != nil {
						limit = min(limit, int(validSeqLens[b]))
					}

					m := float32(math.Inf(-1))
					var sum float32
					clear(acc)

					qrow := qdata[((b*seqQ+i)*heads+h)*headSize:][:headSize]
					for j := 0; j < limit; j++ {
						krow := kdata[((b*seqK+j)*kvHeads+kvHead)*headSize:][:headSize]

						var s float32
						for d := 0; d < headSize; d++ {
							s += qrow[d] * krow[d]
						}
						s *= a.cfg.Scale

						if bdata != nil {
							bb, bh := b%biasBatch, h%biasHeads
							s += bdata[((bb*biasHeads+bh)*seqQ+i)*seqK+j]
						}

						if math.IsInf(float64(s), -1) {
							continue
						}

						newMax := max(m, s)
						rescale := math32.Exp(m - newMax)
						e := math32.Exp(s - newMax)

						vrow := vdata[((b*seqK+j)*kvHeads+kvHead)*headSize:][:headSize]
						for d := 0; d < headSize; d++ {
							acc[d] = rescale*acc[d] + e*vrow[d]
						}
						sum = rescale*sum + e
						m = newMax
					}

					orow := odata[(b*seqQ+i)*heads*headSize+h*headSize:][:headSize]
					if sum > 0 {
						for d := 0; d < headSize; d++ {
							orow[d] = acc[d] / sum
						}
					}
				}

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// applyScoreBias adds the optional bias and applies causal and
// valid-length masking to a materialized (batch, heads, seqQ, seqK)
// score tensor.
func applyScoreBias(data []float32, batch, heads, seqQ, seqK int, bias *tensor.Dense, validSeqLens []int32, causal bool) error {
	negInf := float32(math.Inf(-1))

	var bdata []float32
	var biasBatch, biasHeads int
	if bias != nil {
		bShape := bias.Shape()
		if bShape[2] != seqQ || bShape[3] != seqK {
			return fmt.Errorf("%w: bias is %v, want (*, *, %v, %v)",
				ErrDimensionMismatch, bShape, seqQ, seqK)
		}
		bdata = ml.Floats(bias)
		biasBatch, biasHeads = bShape[0], bShape[1]
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seqQ; i++ {
				row := data[((b*heads+h)*seqQ+i)*seqK:][:seqK]

				if bdata != nil {
					bb, bh := b%biasBatch, h%biasHeads
					brow := bdata[((bb*biasHeads+bh)*seqQ+i)*seqK:][:seqK]
					for j := range row {
						row[j] += brow[j]
					}
				}

				limit := seqK
				if causal {
					limit = min(limit, i+seqK-seqQ+1)
				}
				if validSeqLens != nil {
					limit = min(limit, int(validSeqLens[b]))
				}
				for j := limit; j < seqK; j++ {
					row[j] = negInf
				}
			}
		}
	}

	return nil
}

// addBias sums two broadcast-compatible biases into a full
// (batch, heads, seqQ, seqK) tensor.
func addBias(a, b *tensor.Dense) (*tensor.Dense, error) {
	aShape, bShape := a.Shape(), b.Shape()
	batch := max(aShape[0], bShape[0])
	heads := max(aShape[1], bShape[1])
	seqQ, seqK := aShape[2], aShape[3]

	out := ml.Zeros(batch, heads, seqQ, seqK)
	odata, adata, bdata := ml.Floats(out), ml.Floats(a), ml.Floats(b)

	for bi := 0; bi < batch; bi++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seqQ; i++ {
				for j := 0; j < seqK; j++ {
					av := adata[(((bi%aShape[0])*aShape[1]+h%aShape[1])*seqQ+i)*seqK+j]
					bv := bdata[(((bi%bShape[0])*bShape[1]+h%bShape[1])*seqQ+i)*seqK+j]
					odata[((bi*heads+h)*seqQ+i)*seqK+j] = av + bv
				}
			}
		}
	}

	return out, nil
}
