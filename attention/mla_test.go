package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/pagedattn/ml"
)

func mlaTestConfig(absorb bool) MLAConfig {
	return MLAConfig{
		NumHeads:       2,
		QKNopeHeadDim:  4,
		QKRopeHeadDim:  4,
		VHeadDim:       4,
		KVLoraRank:     8,
		CacheDType:     ml.DTypeF32,
		AbsorbMatrices: absorb,
	}
}

func cloneTensor(t *tensor.Dense) *tensor.Dense {
	out := ml.Zeros([]int(t.Shape())...)
	copy(ml.Floats(out), ml.Floats(t))
	return out
}

// The absorbed decode runs entirely in latent space and the up-projecting
// decode reconstructs per-head keys and values first. They are the same
// product reassociated, so their outputs must agree.
func TestMLADecodeAbsorbedMatchesUpProject(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	cfg := mlaTestConfig(false)
	kvProj := randTensor(rng, cfg.KVLoraRank, cfg.NumHeads*(cfg.QKNopeHeadDim+cfg.VHeadDim))

	upProject, err := NewMLA(mlaTestConfig(false), kvProj)
	require.NoError(t, err)
	absorbed, err := NewMLA(mlaTestConfig(true), kvProj)
	require.NoError(t, err)

	// Two sequences: seq 0 has 3 cached tokens in block 0, seq 1 has 2 in
	// block 1. The decode step writes one more token each.
	const blockSize = 4
	histLatent := randTensor(rng, 5, cfg.KVLoraRank)
	histKPe := randTensor(rng, 5, cfg.QKRopeHeadDim)
	histPositions := []int32{0, 1, 2, 0, 1}
	histSlots := WriteSlots{
		BlockIndices: []int32{0, 0, 0, 1, 1},
		BlockOffsets: []int32{0, 1, 2, 0, 1},
	}

	qNope := randTensor(rng, 2, cfg.NumHeads, cfg.QKNopeHeadDim)
	qPe := randTensor(rng, 2, cfg.NumHeads, cfg.QKRopeHeadDim)
	newLatent := randTensor(rng, 2, cfg.KVLoraRank)
	newKPe := randTensor(rng, 2, cfg.QKRopeHeadDim)

	bias := ml.Zeros(2, blockSize)
	ml.Floats(bias)[1*blockSize+3] = float32(math.Inf(-1)) // block 1 slot 3 stays empty

	run := func(m *MLA) *tensor.Dense {
		store := m.NewStore(2, blockSize)

		kPe := cloneTensor(histKPe)
		require.NoError(t, applyRoPE(kPe, histPositions, m.cfg.RopeBase))
		require.NoError(t, m.writeLatent(store, cloneTensor(histLatent), kPe, histSlots))

		out, err := m.Decode(cloneTensor(qNope), cloneTensor(qPe), cloneTensor(newLatent), cloneTensor(newKPe), store, &SelfMetadata{
			Phase:     PhaseDecode,
			Positions: []int32{3, 2},
			Slots: WriteSlots{
				BlockIndices: []int32{0, 1},
				BlockOffsets: []int32{3, 2},
			},
			Layout: BlockLayout{
				BlockList:   []int32{0, 1},
				BlockGroups: []int32{0, 1},
				BlockBias:   bias,
			},
		})
		require.NoError(t, err)
		require.Equal(t, []int{2, 1, cfg.NumHeads * cfg.VHeadDim}, []int(out.Shape()))
		return out
	}

	want := run(upProject)
	got := run(absorbed)

	for i := range ml.Floats(want) {
		assert.InDelta(t, ml.Floats(want)[i], ml.Floats(got)[i], 1e-4)
	}
}

// Prefilling n tokens and reading the last row must match prefilling n-1
// tokens and decoding the n-th: both attend to the same history through
// the same cache and rotary angles.
func TestMLAPrefillDecodeConsistent(t *testing.T) {
	for _, absorb := range []bool{false, true} {
		name := "up-project"
		if absorb {
			name = "absorbed"
		}
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(21))
			cfg := mlaTestConfig(absorb)
			kvProj := randTensor(rng, cfg.KVLoraRank, cfg.NumHeads*(cfg.QKNopeHeadDim+cfg.VHeadDim))

			m, err := NewMLA(cfg, kvProj)
			require.NoError(t, err)

			const seq, blockSize = 4, 4
			qkDim := cfg.QKNopeHeadDim + cfg.QKRopeHeadDim

			query := randTensor(rng, 1, seq, cfg.NumHeads, qkDim)
			latent := randTensor(rng, 1, seq, cfg.KVLoraRank)
			kPe := randTensor(rng, 1, seq, cfg.QKRopeHeadDim)

			full := m.NewStore(1, blockSize)
			fullOut, err := m.Prefill(cloneTensor(query), cloneTensor(latent), cloneTensor(kPe), full, &SelfMetadata{
				Phase:     PhasePrefill,
				Positions: []int32{0, 1, 2, 3},
				Slots: WriteSlots{
					BlockIndices: []int32{0, 0, 0, 0},
					BlockOffsets: []int32{0, 1, 2, 3},
				},
			})
			require.NoError(t, err)
			lastRow := ml.Floats(fullOut)[(seq-1)*cfg.NumHeads*cfg.VHeadDim:]

			// Same inputs, split into a 3-token prefill and one decode step.
			part := m.NewStore(1, blockSize)
			headQ := ml.Zeros(1, seq-1, cfg.NumHeads, qkDim)
			copy(ml.Floats(headQ), ml.Floats(query)[:(seq-1)*cfg.NumHeads*qkDim])
			headLatent := ml.Zeros(1, seq-1, cfg.KVLoraRank)
			copy(ml.Floats(headLatent), ml.Floats(latent)[:(seq-1)*cfg.KVLoraRank])
			headKPe := ml.Zeros(1, seq-1, cfg.QKRopeHeadDim)
			copy(ml.Floats(headKPe), ml.Floats(kPe)[:(seq-1)*cfg.QKRopeHeadDim])

			_, err = m.Prefill(headQ, headLatent, headKPe, part, &SelfMetadata{
				Phase:     PhasePrefill,
				Positions: []int32{0, 1, 2},
				Slots: WriteSlots{
					BlockIndices: []int32{0, 0, 0},
					BlockOffsets: []int32{0, 1, 2},
				},
			})
			require.NoError(t, err)

			qLast := ml.Floats(query)[(seq-1)*cfg.NumHeads*qkDim:]
			qNope := ml.Zeros(1, cfg.NumHeads, cfg.QKNopeHeadDim)
			qPe := ml.Zeros(1, cfg.NumHeads, cfg.QKRopeHeadDim)
			for h := 0; h < cfg.NumHeads; h++ {
				copy(ml.Floats(qNope)[h*cfg.QKNopeHeadDim:][:cfg.QKNopeHeadDim], qLast[h*qkDim:])
				copy(ml.Floats(qPe)[h*cfg.QKRopeHeadDim:][:cfg.QKRopeHeadDim], qLast[h*qkDim+cfg.QKNopeHeadDim:])
			}
			newLatent := ml.FromFloats(ml.Floats(latent)[(seq-1)*cfg.KVLoraRank:], 1, cfg.KVLoraRank)
			newKPe := ml.FromFloats(ml.Floats(kPe)[(seq-1)*cfg.QKRopeHeadDim:], 1, cfg.QKRopeHeadDim)

			decodeOut, err := m.Decode(qNope, qPe, cloneTensor(newLatent), cloneTensor(newKPe), part, &SelfMetadata{
				Phase:     PhaseDecode,
				Positions: []int32{3},
				Slots: WriteSlots{
					BlockIndices: []int32{0},
					BlockOffsets: []int32{3},
				},
				Layout: BlockLayout{
					BlockList:   []int32{0},
					BlockGroups: []int32{0},
				},
			})
			require.NoError(t, err)

			for i := range ml.Floats(decodeOut) {
				assert.InDelta(t, lastRow[i], ml.Floats(decodeOut)[i], 1e-4)
			}
		})
	}
}

func TestMLAConstructionRejections(t *testing.T) {
	cfg := mlaTestConfig(false)
	kvProj := ml.Zeros(cfg.KVLoraRank, cfg.NumHeads*(cfg.QKNopeHeadDim+cfg.VHeadDim))

	cases := []struct {
		name   string
		mutate func(*MLAConfig)
	}{
		{"alibi slopes", func(c *MLAConfig) { c.AlibiSlopes = AlibiSlopes(2) }},
		{"sliding window", func(c *MLAConfig) { c.SlidingWindow = 128 }},
		{"block sparse", func(c *MLAConfig) { c.BlockSparse = true }},
		{"zero rank", func(c *MLAConfig) { c.KVLoraRank = 0 }},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			tt.mutate(&c)
			_, err := NewMLA(c, kvProj)
			assert.ErrorIs(t, err, ErrUnsupportedConfig)
		})
	}

	t.Run("kv projection shape", func(t *testing.T) {
		_, err := NewMLA(cfg, ml.Zeros(cfg.KVLoraRank, 3))
		assert.ErrorIs(t, err, ErrUnsupportedConfig)
	})
}
