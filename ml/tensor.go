// Package ml provides the small tensor substrate used by the attention
// engine: float32 dense tensors plus the handful of batched operations the
// kernels are built from.
package ml

import (
	"fmt"

	"github.com/pdevine/tensor"
)

// Zeros returns a zeroed float32 tensor of the given shape.
func Zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32))
}

// FromFloats wraps data in a tensor of the given shape. The tensor shares
// the backing slice; it does not copy.
func FromFloats(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Floats returns the float32 backing slice of t.
func Floats(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Numel returns the number of elements implied by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Reshaped returns a view of t with a new shape, sharing the backing slice.
func Reshaped(t *tensor.Dense, shape ...int) (*tensor.Dense, error) {
	if Numel(t.Shape()) != Numel(shape) {
		return nil, fmt.Errorf("cannot reshape %v to %v", t.Shape(), shape)
	}
	return FromFloats(Floats(t), shape...), nil
}

// Permute returns a contiguous copy of t with its axes reordered.
func Permute(t *tensor.Dense, axes ...int) (*tensor.Dense, error) {
	if err := t.T(axes...); err != nil {
		return nil, err
	}
	defer t.UT()

	return t.Materialize().(*tensor.Dense), nil
}

// TransposeLast2 returns a contiguous copy of t with its last two axes
// swapped.
func TransposeLast2(t *tensor.Dense) (*tensor.Dense, error) {
	n := t.Dims()
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 dimensions, have %v", n)
	}

	axes := make([]int, n)
	for i := range axes {
		axes[i] = i
	}
	axes[n-2], axes[n-1] = axes[n-1], axes[n-2]

	return Permute(t, axes...)
}

// ConcatLastDim concatenates two tensors along their trailing dimension.
// All leading dimensions must match.
func ConcatLastDim(a, b *tensor.Dense) (*tensor.Dense, error) {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != len(bShape) {
		return nil, fmt.Errorf("cannot concat %v and %v", aShape, bShape)
	}
	for i := 0; i < len(aShape)-1; i++ {
		if aShape[i] != bShape[i] {
			return nil, fmt.Errorf("cannot concat %v and %v", aShape, bShape)
		}
	}

	aw, bw := aShape[len(aShape)-1], bShape[len(bShape)-1]
	outShape := make([]int, len(aShape))
	copy(outShape, aShape)
	outShape[len(outShape)-1] = aw + bw

	out := Zeros(outShape...)
	adata, bdata, odata := Floats(a), Floats(b), Floats(out)
	for i := 0; i < Numel(aShape)/aw; i++ {
		copy(odata[i*(aw+bw):], adata[i*aw:(i+1)*aw])
		copy(odata[i*(aw+bw)+aw:], bdata[i*bw:(i+1)*bw])
	}

	return out, nil
}

// SliceLastDim returns a contiguous copy of t[..., from:to].
func SliceLastDim(t *tensor.Dense, from, to int) (*tensor.Dense, error) {
	shape := t.Shape()
	last := shape[len(shape)-1]
	if from < 0 || to > last || from >= to {
		return nil, fmt.Errorf("slice [%v:%v] out of range for dimension %v", from, to, last)
	}

	width := to - from
	outShape := make([]int, len(shape))
	copy(outShape, shape)
	outShape[len(outShape)-1] = width

	out := Zeros(outShape...)
	src, dst := Floats(t), Floats(out)
	for i := 0; i < Numel(shape)/last; i++ {
		copy(dst[i*width:(i+1)*width], src[i*last+from:i*last+to])
	}

	return out, nil
}
