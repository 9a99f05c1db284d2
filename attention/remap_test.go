package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/pagedattn/ml"
)

func TestBatch2BlockDistributes(t *testing.T) {
	// Batch 0 owns two blocks, batch 1 owns one.
	mapping, err := NewBlockMapping([]int32{0, 0, 1}, 2)
	require.NoError(t, err)

	x := ml.FromFloats([]float32{1, 2, 10, 20}, 2, 2)

	blocks, err := mapping.Batch2Block(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 1, 2, 10, 20}, ml.Floats(blocks))

	// Folding back sums each element's block contributions.
	back, err := mapping.Block2Batch(blocks)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 10, 20}, ml.Floats(back))
}

func TestRemapRoundTripIdentity(t *testing.T) {
	// With one block per batch element the mapping is a permutation, so
	// block2batch(batch2block(x)) recovers x exactly.
	mapping, err := NewBlockMapping([]int32{2, 0, 1}, 3)
	require.NoError(t, err)

	x := ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2)

	blocks, err := mapping.Batch2Block(x)
	require.NoError(t, err)
	back, err := mapping.Block2Batch(blocks)
	require.NoError(t, err)

	assert.Equal(t, ml.Floats(x), ml.Floats(back))
}

func TestBlockMappingValidation(t *testing.T) {
	_, err := NewBlockMapping([]int32{0, 3}, 2)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// A block row with two owners.
	m := ml.FromFloats([]float32{1, 1, 0, 1}, 2, 2)
	_, err = BlockMappingFromMatrix(m)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// A block row with no owner.
	m = ml.FromFloats([]float32{0, 0, 0, 1}, 2, 2)
	_, err = BlockMappingFromMatrix(m)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// Non-binary entries.
	m = ml.FromFloats([]float32{0.5, 0.5, 0, 1}, 2, 2)
	_, err = BlockMappingFromMatrix(m)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// A valid matrix round-trips through validation.
	m = ml.FromFloats([]float32{1, 0, 0, 1, 1, 0}, 3, 2)
	mapping, err := BlockMappingFromMatrix(m)
	require.NoError(t, err)
	assert.Equal(t, 3, mapping.Blocks())
	assert.Equal(t, 2, mapping.Batch())
}
