// Package kvcache implements the paged key/value store used by the
// attention engine. Cached tensors live in a fixed pool of equally sized
// blocks; the scheduler that owns block allocation addresses them by
// (block index, offset) for writes and by flat block lists for reads.
//
// The store is not internally synchronized. The caller must guarantee that
// a block being written is not concurrently read by another in-flight
// forward pass.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"

	"github.com/jmorganca/pagedattn/ml"
)

var (
	ErrShapeMismatch   = errors.New("row width does not match cache slot width")
	ErrIndexOutOfRange = errors.New("block reference outside cache pool")
)

// Store is a pool of numBlocks blocks, each holding blockSize token slots
// of kvHeads x headSize values. Storage precision is configurable; reads
// and writes always exchange float32 with the caller.
type Store struct {
	dtype ml.DType

	numBlocks int
	blockSize int
	kvHeads   int
	headSize  int

	f32 []float32
	u16 []uint16
}

// NewStore allocates a key or value pool for standard per-head caching.
func NewStore(numBlocks, blockSize, kvHeads, headSize int, dtype ml.DType) *Store {
	s := &Store{
		dtype:     dtype,
		numBlocks: numBlocks,
		blockSize: blockSize,
		kvHeads:   kvHeads,
		headSize:  headSize,
	}

	n := numBlocks * blockSize * kvHeads * headSize
	switch dtype {
	case ml.DTypeF16, ml.DTypeBF16:
		s.u16 = make([]uint16, n)
	default:
		s.f32 = make([]float32, n)
	}

	return s
}

// NewLatentStore allocates a pool whose slots hold a single joint vector
// (compressed latent plus rope component) instead of per-head pairs.
func NewLatentStore(numBlocks, blockSize, jointDim int, dtype ml.DType) *Store {
	return NewStore(numBlocks, blockSize, 1, jointDim, dtype)
}

func (s *Store) NumBlocks() int { return s.numBlocks }
func (s *Store) BlockSize() int { return s.blockSize }
func (s *Store) KVHeads() int   { return s.kvHeads }
func (s *Store) HeadSize() int  { return s.headSize }
func (s *Store) DType() ml.DType {
	if s == nil {
		return ml.DTypeOther
	}
	return s.dtype
}

// slotWidth is the number of values in one token slot.
func (s *Store) slotWidth() int { return s.kvHeads * s.headSize }

// Write scatters each row of rows into the slot named by the matching
// entry of blockIndices and blockOffsets. rows has one leading row per
// incoming token; trailing dimensions are flattened to the slot width.
//
// Writing to a nil store is a no-op that returns rows unchanged, so
// dry-run/profiling passes can run cache-less.
func (s *Store) Write(rows *tensor.Dense, blockIndices, blockOffsets []int32) (*tensor.Dense, error) {
	if s == nil {
		return rows, nil
	}

	shape := rows.Shape()
	width := ml.Numel(shape[1:])
	if width != s.slotWidth() {
		return nil, fmt.Errorf("%w: have %v, want %v", ErrShapeMismatch, width, s.slotWidth())
	}

	if shape[0] != len(blockIndices) || len(blockIndices) != len(blockOffsets) {
		return nil, fmt.Errorf("%w: %v rows for %v indices and %v offsets",
			ErrShapeMismatch, shape[0], len(blockIndices), len(blockOffsets))
	}

	data := ml.Floats(rows)
	for i := range blockIndices {
		blk, off := int(blockIndices[i]), int(blockOffsets[i])
		if blk < 0 || blk >= s.numBlocks {
			return nil, fmt.Errorf("%w: block %v of %v", ErrIndexOutOfRange, blk, s.numBlocks)
		}
		if off < 0 || off >= s.blockSize {
			return nil, fmt.Errorf("%w: offset %v of %v", ErrIndexOutOfRange, off, s.blockSize)
		}

		s.setSlot(blk*s.blockSize+off, data[i*width:(i+1)*width])
	}

	return rows, nil
}

// Fetch gathers the blocks named in blockList, concatenated in list order
// and transposed so heads become the outer iterated dimension. The result
// has shape (len(blockList), kvHeads, blockSize, headSize).
func (s *Store) Fetch(blockList []int32) (*tensor.Dense, error) {
	out := ml.Zeros(len(blockList), s.kvHeads, s.blockSize, s.headSize)
	odata := ml.Floats(out)

	slot := make([]float32, s.slotWidth())
	for i, blk := range blockList {
		if blk < 0 || int(blk) >= s.numBlocks {
			return nil, fmt.Errorf("%w: block %v of %v", ErrIndexOutOfRange, blk, s.numBlocks)
		}

		for j := 0; j < s.blockSize; j++ {
			s.getSlot(int(blk)*s.blockSize+j, slot)
			for h := 0; h < s.kvHeads; h++ {
				dst := ((i*s.kvHeads+h)*s.blockSize + j) * s.headSize
				copy(odata[dst:dst+s.headSize], slot[h*s.headSize:(h+1)*s.headSize])
			}
		}
	}

	return out, nil
}

func (s *Store) setSlot(slot int, vals []float32) {
	base := slot * s.slotWidth()
	switch s.dtype {
	case ml.DTypeF16:
		for i, v := range vals {
			s.u16[base+i] = float16.Fromfloat32(v).Bits()
		}
	case ml.DTypeBF16:
		for i, v := range vals {
			s.u16[base+i] = uint16(bfloat16.FromFloat32(v))
		}
	default:
		copy(s.f32[base:], vals)
	}
}

func (s *Store) getSlot(slot int, dst []float32) {
	base := slot * s.slotWidth()
	switch s.dtype {
	case ml.DTypeF16:
		for i := range dst {
			dst[i] = float16.Frombits(s.u16[base+i]).Float32()
		}
	case ml.DTypeBF16:
		for i := range dst {
			dst[i] = bfloat16.ToFloat32(bfloat16.BF16(s.u16[base+i]))
		}
	default:
		copy(dst, s.f32[base:base+len(dst)])
	}
}
