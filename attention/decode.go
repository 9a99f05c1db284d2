package attention

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"

	"github.com/jmorganca/pagedattn/ml"
)

// softmaxEps guards the denominator against degenerate all-masked rows:
// a fully padded block divides by eps instead of zero and contributes a
// near-zero output rather than NaN.
const softmaxEps = 1.0e-12

// flatPagedAttention computes single-token attention against a
// non-contiguous set of cache blocks ("flat" because the whole batch's
// blocks are processed as one flat list).
//
//	query:   (batch, qHeads, qDim), already in head space or latent space
//	key:     (blocks, kvHeads, blockSize, kDim), as returned by Store.Fetch
//	value:   (blocks, kvHeads, blockSize, vDim); nil when latentRank > 0,
//	         in which case values are the first latentRank columns of key
//	bias:    (blocks, blockSize) additive mask for partially filled blocks
//
// The result has shape (batch, qHeads, vDim).
func flatPagedAttention(query, key, value *tensor.Dense, mapping *BlockMapping,
	bias *tensor.Dense, scale float32, latentRank int) (*tensor.Dense, error) {

	qShape, kShape := query.Shape(), key.Shape()
	batch, qHeads, qDim := qShape[0], qShape[1], qShape[2]
	blocks, kvHeads, blockSize, kDim := kShape[0], kShape[1], kShape[2], kShape[3]

	if qDim != kDim {
		return nil, fmt.Errorf("%w: query dim %v key dim %v", ErrDimensionMismatch, qDim, kDim)
	}
	if mapping.Blocks() != blocks || mapping.Batch() != batch {
		return nil, fmt.Errorf("%w: mapping is %vx%v, have %v blocks and batch %v",
			ErrDimensionMismatch, mapping.Blocks(), mapping.Batch(), blocks, batch)
	}

	qPerKV := qHeads / kvHeads

	// Scale once, then replicate each batch row onto its blocks.
	scaled := ml.Zeros(batch, qHeads, qDim)
	sdata, qdata := ml.Floats(scaled), ml.Floats(query)
	for i := range qdata {
		sdata[i] = scale * qdata[i]
	}

	qb, err := mapping.Batch2Block(scaled)
	if err != nil {
		return nil, err
	}
	qb, err = ml.Reshaped(qb, blocks, kvHeads, qPerKV, qDim)
	if err != nil {
		return nil, err
	}

	keyT, err := ml.TransposeLast2(key)
	if err != nil {
		return nil, err
	}

	scores, err := ml.BatchedMatMul(qb, keyT) // (blocks, kvHeads, qPerKV, blockSize)
	if err != nil {
		return nil, err
	}

	if bias != nil {
		if err := addBlockBias(scores, bias, blocks, kvHeads*qPerKV, blockSize); err != nil {
			return nil, err
		}
	}

	if err := blockSoftmax(scores, mapping, blocks, kvHeads*qPerKV, blockSize); err != nil {
		return nil, err
	}

	if latentRank > 0 {
		// The latent cache is joint: values are the compressed prefix of
		// the same rows the keys came from.
		value, err = ml.SliceLastDim(key, 0, latentRank)
		if err != nil {
			return nil, err
		}
	}

	out, err := ml.BatchedMatMul(scores, value) // (blocks, kvHeads, qPerKV, vDim)
	if err != nil {
		return nil, err
	}

	folded, err := mapping.Block2Batch(out)
	if err != nil {
		return nil, err
	}

	vDim := value.Shape()[3]
	return ml.Reshaped(folded, batch, qHeads, vDim)
}

// addBlockBias broadcasts a (blocks, blockSize) bias over every score row
// of its block.
func addBlockBias(scores, bias *tensor.Dense, blocks, rowsPerBlock, blockSize int) error {
	bShape := bias.Shape()
	if bShape[0] != blocks || ml.Numel(bShape[1:]) != blockSize {
		return fmt.Errorf("%w: block bias is %v, want (%v, %v)",
			ErrDimensionMismatch, bShape, blocks, blockSize)
	}

	sdata, bdata := ml.Floats(scores), ml.Floats(bias)
	for b := 0; b < blocks; b++ {
		brow := bdata[b*blockSize : (b+1)*blockSize]
		for r := 0; r < rowsPerBlock; r++ {
			row := sdata[(b*rowsPerBlock+r)*blockSize : (b*rowsPerBlock+r+1)*blockSize]
			for j := range row {
				row[j] += brow[j]
			}
		}
	}

	return nil
}

// blockSoftmax normalizes scores that are sharded across blocks. A single
// global maximum stabilizes the exponent; it is cheap to compute and
// performs reasonably well compared to tracking one maximum per sequence.
// The per-block exponential sums are folded to per-batch totals through
// the mapping and redistributed back out, so each sequence's weights
// divide by the full denominator spanning all of its blocks.
func blockSoftmax(scores *tensor.Dense, mapping *BlockMapping, blocks, rowsPerBlock, blockSize int) error {
	data := ml.Floats(scores)

	globalMax := float32(math.Inf(-1))
	for _, v := range data {
		globalMax = max(globalMax, v)
	}
	if math.IsInf(float64(globalMax), -1) {
		// Everything is masked; exp(-Inf-0) still decays to zero.
		globalMax = 0
	}

	sums := ml.Zeros(blocks, rowsPerBlock)
	sdata := ml.Floats(sums)
	for r := 0; r < blocks*rowsPerBlock; r++ {
		row := data[r*blockSize : (r+1)*blockSize]
		var sum float32
		for j, v := range row {
			e := math32.Exp(v - globalMax)
			row[j] = e
			sum += e
		}
		sdata[r] = sum
	}

	perBatch, err := mapping.Block2Batch(sums)
	if err != nil {
		return err
	}

	denoms, err := mapping.Batch2Block(perBatch)
	if err != nil {
		return err
	}

	ddata := ml.Floats(denoms)
	for r := 0; r < blocks*rowsPerBlock; r++ {
		d := ddata[r] + softmaxEps
		row := data[r*blockSize : (r+1)*blockSize]
		for j := range row {
			row[j] /= d
		}
	}

	return nil
}

// decodeMapping validates a layout and builds its block mapping. Every
// batch element must own at least one block: a decode step with no cached
// tokens cannot attend to anything.
func decodeMapping(layout BlockLayout, batch int) (*BlockMapping, error) {
	if len(layout.BlockList) == 0 {
		return nil, ErrEmptyBlockList
	}
	if len(layout.BlockGroups) != len(layout.BlockList) {
		return nil, fmt.Errorf("%w: %v groups for %v blocks",
			ErrDimensionMismatch, len(layout.BlockGroups), len(layout.BlockList))
	}

	owned := make([]bool, batch)
	for _, g := range layout.BlockGroups {
		if int(g) < batch {
			owned[g] = true
		}
	}
	for seq, ok := range owned {
		if !ok {
			return nil, fmt.Errorf("%w: sequence %v", ErrEmptyBlockList, seq)
		}
	}

	return NewBlockMapping(layout.BlockGroups, batch)
}
