package attention

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/pagedattn/ml"
)

// BlockMapping is the bridge between the "one row per batch element" view
// and the "flat list of blocks" view. It wraps a {0,1} matrix of shape
// (blocks, batch) with exactly one nonzero per row: a block belongs to
// exactly one batch element. Applying the matrix is an implicit scatter,
// applying its transpose an implicit gather, so both directions are plain
// matrix multiplications.
type BlockMapping struct {
	blocks int
	batch  int

	m  *tensor.Dense // (blocks, batch)
	mt *tensor.Dense // (batch, blocks)
}

// NewBlockMapping builds the one-hot mapping from per-block owners: groups
// holds, for each block, the batch element it belongs to.
func NewBlockMapping(groups []int32, batchSize int) (*BlockMapping, error) {
	m := ml.Zeros(len(groups), batchSize)
	data := ml.Floats(m)
	for i, g := range groups {
		if g < 0 || int(g) >= batchSize {
			return nil, fmt.Errorf("%w: block %v owned by sequence %v of %v",
				ErrDimensionMismatch, i, g, batchSize)
		}
		data[i*batchSize+int(g)] = 1
	}

	return newBlockMapping(m, len(groups), batchSize)
}

// BlockMappingFromMatrix validates and wraps a caller-built mapping
// matrix. Each row must contain exactly one 1 and be 0 elsewhere.
func BlockMappingFromMatrix(m *tensor.Dense) (*BlockMapping, error) {
	shape := m.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: mapping must be 2-D, have %v", ErrDimensionMismatch, shape)
	}

	blocks, batch := shape[0], shape[1]
	data := ml.Floats(m)
	for i := 0; i < blocks; i++ {
		ones := 0
		for j := 0; j < batch; j++ {
			switch data[i*batch+j] {
			case 0:
			case 1:
				ones++
			default:
				return nil, fmt.Errorf("%w: mapping entry (%v,%v) is not 0 or 1",
					ErrDimensionMismatch, i, j)
			}
		}
		if ones != 1 {
			return nil, fmt.Errorf("%w: block row %v has %v owners", ErrDimensionMismatch, i, ones)
		}
	}

	return newBlockMapping(m, blocks, batch)
}

func newBlockMapping(m *tensor.Dense, blocks, batch int) (*BlockMapping, error) {
	mt, err := ml.TransposeLast2(m)
	if err != nil {
		return nil, err
	}

	return &BlockMapping{blocks: blocks, batch: batch, m: m, mt: mt}, nil
}

func (bm *BlockMapping) Blocks() int { return bm.blocks }
func (bm *BlockMapping) Batch() int  { return bm.batch }

// Batch2Block distributes each batch row of x onto every block owned by
// that batch element. x has shape (batch, ...); the result has shape
// (blocks, ...).
func (bm *BlockMapping) Batch2Block(x *tensor.Dense) (*tensor.Dense, error) {
	return bm.apply(bm.m, x, bm.batch, bm.blocks)
}

// Block2Batch folds per-block rows of x back to one row per batch
// element, summing the contributions of each element's blocks. x has
// shape (blocks, ...); the result has shape (batch, ...).
func (bm *BlockMapping) Block2Batch(x *tensor.Dense) (*tensor.Dense, error) {
	return bm.apply(bm.mt, x, bm.blocks, bm.batch)
}

func (bm *BlockMapping) apply(m *tensor.Dense, x *tensor.Dense, rows, outRows int) (*tensor.Dense, error) {
	shape := x.Shape()
	if shape[0] != rows {
		return nil, fmt.Errorf("%w: %v leading rows, mapping expects %v",
			ErrDimensionMismatch, shape[0], rows)
	}

	tail := ml.Numel(shape[1:])
	flat, err := ml.Reshaped(x, rows, tail)
	if err != nil {
		return nil, err
	}

	out, err := ml.MatMul(m, flat)
	if err != nil {
		return nil, err
	}

	outShape := make([]int, len(shape))
	copy(outShape, shape)
	outShape[0] = outRows
	return ml.Reshaped(out, outShape...)
}
