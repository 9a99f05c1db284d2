package ml

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"
)

func TestPermute(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got, err := Permute(x, 1, 0)
	assert.NilError(t, err)
	assert.DeepEqual(t, Floats(got), []float32{1, 4, 2, 5, 3, 6})
	assert.DeepEqual(t, []int(got.Shape()), []int{3, 2})

	// The input is left untouched.
	assert.DeepEqual(t, []int(x.Shape()), []int{2, 3})
}

func TestTransposeLast2(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)

	got, err := TransposeLast2(x)
	assert.NilError(t, err)
	assert.DeepEqual(t, Floats(got), []float32{1, 3, 2, 4, 5, 7, 6, 8})
}

func TestConcatSliceLastDim(t *testing.T) {
	a := FromFloats([]float32{1, 2, 10, 20}, 2, 2)
	b := FromFloats([]float32{3, 30}, 2, 1)

	cat, err := ConcatLastDim(a, b)
	assert.NilError(t, err)
	assert.DeepEqual(t, Floats(cat), []float32{1, 2, 3, 10, 20, 30})

	back, err := SliceLastDim(cat, 0, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, Floats(back), Floats(a))

	tail, err := SliceLastDim(cat, 2, 3)
	assert.NilError(t, err)
	assert.DeepEqual(t, Floats(tail), Floats(b))

	_, err = ConcatLastDim(a, FromFloats([]float32{1, 2, 3}, 3, 1))
	assert.ErrorContains(t, err, "cannot concat")
}

func TestSoftmaxRows(t *testing.T) {
	negInf := float32(math.Inf(-1))
	data := []float32{
		0, 0, 0, 0,
		1000, 1000, negInf, negInf,
		negInf, negInf, negInf, negInf,
	}

	SoftmaxRows(data, 3, 4)

	assert.DeepEqual(t, data[:4], []float32{0.25, 0.25, 0.25, 0.25})
	assert.DeepEqual(t, data[4:8], []float32{0.5, 0.5, 0, 0})
	// Fully masked rows become zeros, not NaN.
	assert.DeepEqual(t, data[8:], []float32{0, 0, 0, 0})
}
