package attention

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"

	"github.com/jmorganca/pagedattn/ml"
)

// defaultRopeBase is the frequency base used when a config leaves it zero.
const defaultRopeBase = 10000

// applyRoPE rotates every trailing vector of t in place using the NeoX
// pairing (i, i+dim/2). positions holds one absolute position per token;
// when t carries several rows per token (one per head), every row of a
// token rotates by the same angle.
func applyRoPE(t *tensor.Dense, positions []int32, base float32) error {
	dim := t.Shape()[t.Dims()-1]
	return applyRoPESection(t, positions, base, 0, dim)
}

// applyRoPESection rotates only columns [from, to) of the trailing
// dimension, leaving the rest untouched. The latent path uses this to
// rotate the rope component embedded at the tail of each query head.
func applyRoPESection(t *tensor.Dense, positions []int32, base float32, from, to int) error {
	shape := t.Shape()
	dim := shape[len(shape)-1]
	width := to - from
	if from < 0 || to > dim || width <= 0 || width%2 != 0 {
		return fmt.Errorf("%w: rope section [%v:%v) of dimension %v", ErrUnsupportedConfig, from, to, dim)
	}

	if base == 0 {
		base = defaultRopeBase
	}

	half := width / 2
	rows := ml.Numel(shape) / dim
	if len(positions) == 0 || rows%len(positions) != 0 {
		return fmt.Errorf("%w: %v rows for %v positions", ErrDimensionMismatch, rows, len(positions))
	}
	perToken := rows / len(positions)

	data := ml.Floats(t)
	for r := 0; r < rows; r++ {
		pos := float32(positions[r/perToken])
		row := data[r*dim+from : r*dim+to]

		for i := 0; i < half; i++ {
			theta := pos / math32.Pow(base, float32(2*i)/float32(width))
			sin, cos := math32.Sincos(theta)

			a, b := row[i], row[i+half]
			row[i] = a*cos - b*sin
			row[i+half] = a*sin + b*cos
		}
	}

	return nil
}
