// pabench runs a synthetic prefill/decode workload against the paged
// attention engine and reports throughput. It stands in for the external
// scheduler: block tables, write slots, and layouts are built here.
package main

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"

	"github.com/jmorganca/pagedattn/attention"
	"github.com/jmorganca/pagedattn/kvcache"
	"github.com/jmorganca/pagedattn/logutil"
	"github.com/jmorganca/pagedattn/ml"
)

type benchOptions struct {
	batch     int
	heads     int
	kvHeads   int
	headSize  int
	blockSize int
	seqBlocks int
	steps     int
	dtype     string
	verbose   bool
}

func main() {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "pabench",
		Short: "Benchmark paged prefill and decode attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))

			return runBench(opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.batch, "batch", 4, "sequences per batch")
	flags.IntVar(&opts.heads, "heads", 8, "query heads")
	flags.IntVar(&opts.kvHeads, "kv-heads", 2, "key/value heads")
	flags.IntVar(&opts.headSize, "head-size", 64, "head dimension")
	flags.IntVar(&opts.blockSize, "block-size", 16, "token slots per cache block")
	flags.IntVar(&opts.seqBlocks, "seq-blocks", 8, "cache blocks per sequence")
	flags.IntVar(&opts.steps, "steps", 64, "decode steps to run")
	flags.StringVar(&opts.dtype, "dtype", "f32", "cache precision: f32, f16, bf16")
	flags.BoolVar(&opts.verbose, "verbose", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cacheDType(name string) (ml.DType, error) {
	switch name {
	case "f32":
		return ml.DTypeF32, nil
	case "f16":
		return ml.DTypeF16, nil
	case "bf16":
		return ml.DTypeBF16, nil
	default:
		return ml.DTypeOther, fmt.Errorf("unknown cache dtype %q", name)
	}
}

func randTensor(rng *rand.Rand, shape ...int) *tensor.Dense {
	t := ml.Zeros(shape...)
	data := ml.Floats(t)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return t
}

func runBench(opts benchOptions) error {
	dtype, err := cacheDType(opts.dtype)
	if err != nil {
		return err
	}

	attn, err := attention.New(attention.Config{
		NumHeads:   opts.heads,
		NumKVHeads: opts.kvHeads,
		HeadSize:   opts.headSize,
		CacheDType: dtype,
	})
	if err != nil {
		return err
	}

	numBlocks := opts.batch * opts.seqBlocks
	keyCache := kvcache.NewStore(numBlocks, opts.blockSize, opts.kvHeads, opts.headSize, dtype)
	valueCache := kvcache.NewStore(numBlocks, opts.blockSize, opts.kvHeads, opts.headSize, dtype)

	rng := rand.New(rand.NewSource(0))

	// Prefill fills every sequence's blocks except the slots the decode
	// loop will append into.
	prefillLen := opts.blockSize*opts.seqBlocks - opts.steps
	if prefillLen <= 0 {
		return fmt.Errorf("seq-blocks too small: %v decode steps need %v slots",
			opts.steps, opts.steps)
	}

	indices := make([]int32, 0, opts.batch*prefillLen)
	offsets := make([]int32, 0, opts.batch*prefillLen)
	positions := make([]int32, 0, opts.batch*prefillLen)
	for seq := 0; seq < opts.batch; seq++ {
		for p := 0; p < prefillLen; p++ {
			indices = append(indices, int32(seq*opts.seqBlocks+p/opts.blockSize))
			offsets = append(offsets, int32(p%opts.blockSize))
			positions = append(positions, int32(p))
		}
	}

	start := time.Now()
	_, err = attn.Forward(
		randTensor(rng, opts.batch, prefillLen, opts.heads, opts.headSize),
		randTensor(rng, opts.batch, prefillLen, opts.kvHeads, opts.headSize),
		randTensor(rng, opts.batch, prefillLen, opts.kvHeads, opts.headSize),
		keyCache, valueCache,
		&attention.SelfMetadata{
			Phase:     attention.PhasePrefill,
			Positions: positions,
			Slots:     attention.WriteSlots{BlockIndices: indices, BlockOffsets: offsets},
		})
	if err != nil {
		return err
	}
	prefillDur := time.Since(start)

	slog.Info("prefill",
		"tokens", opts.batch*prefillLen,
		"duration", prefillDur,
		"tokens_per_s", float64(opts.batch*prefillLen)/prefillDur.Seconds())

	start = time.Now()
	for step := 0; step < opts.steps; step++ {
		pos := prefillLen + step
		layout := decodeLayout(opts, pos+1)

		stepIdx := make([]int32, opts.batch)
		stepOff := make([]int32, opts.batch)
		stepPos := make([]int32, opts.batch)
		for seq := 0; seq < opts.batch; seq++ {
			stepIdx[seq] = int32(seq*opts.seqBlocks + pos/opts.blockSize)
			stepOff[seq] = int32(pos % opts.blockSize)
			stepPos[seq] = int32(pos)
		}

		_, err = attn.Forward(
			randTensor(rng, opts.batch, opts.heads, opts.headSize),
			randTensor(rng, opts.batch, opts.kvHeads, opts.headSize),
			randTensor(rng, opts.batch, opts.kvHeads, opts.headSize),
			keyCache, valueCache,
			&attention.SelfMetadata{
				Phase:     attention.PhaseDecode,
				Positions: stepPos,
				Slots:     attention.WriteSlots{BlockIndices: stepIdx, BlockOffsets: stepOff},
				Layout:    layout,
			})
		if err != nil {
			return err
		}
	}
	decodeDur := time.Since(start)

	slog.Info("decode",
		"steps", opts.steps,
		"duration", decodeDur,
		"tokens_per_s", float64(opts.steps*opts.batch)/decodeDur.Seconds())

	return nil
}

// decodeLayout builds the flat block list for a batch where every
// sequence holds seqLen cached tokens, masking the unfilled tail of each
// final block.
func decodeLayout(opts benchOptions, seqLen int) attention.BlockLayout {
	activeBlocks := (seqLen + opts.blockSize - 1) / opts.blockSize

	var layout attention.BlockLayout
	for seq := 0; seq < opts.batch; seq++ {
		for b := 0; b < activeBlocks; b++ {
			layout.BlockList = append(layout.BlockList, int32(seq*opts.seqBlocks+b))
			layout.BlockGroups = append(layout.BlockGroups, int32(seq))
		}
	}

	bias := ml.Zeros(len(layout.BlockList), opts.blockSize)
	data := ml.Floats(bias)
	negInf := float32(math.Inf(-1))
	for i := range layout.BlockList {
		if b := i % activeBlocks; b == activeBlocks-1 {
			for s := seqLen - b*opts.blockSize; s < opts.blockSize; s++ {
				data[i*opts.blockSize+s] = negInf
			}
		}
	}
	layout.BlockBias = bias

	return layout
}
