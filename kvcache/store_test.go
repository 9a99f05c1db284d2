package kvcache

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/jmorganca/pagedattn/ml"
)

func TestWriteFetchRoundTrip(t *testing.T) {
	// 2 kv heads x 3 head size, 4 slots per block.
	store := NewStore(4, 4, 2, 3, ml.DTypeF32)

	rows := []float32{
		111, 112, 113, 121, 122, 123,
		211, 212, 213, 221, 222, 223,
	}
	_, err := store.Write(ml.FromFloats(rows, 2, 2, 3), []int32{1, 1}, []int32{0, 1})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Fetch([]int32{1})
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(got.Shape(), []int{1, 2, 4, 3}) {
		t.Errorf("fetch shape = %v, want [1 2 4 3]", got.Shape())
	}

	// Heads become the outer dimension: head 0 rows first, then head 1.
	want := []float32{
		111, 112, 113, 211, 212, 213, 0, 0, 0, 0, 0, 0,
		121, 122, 123, 221, 222, 223, 0, 0, 0, 0, 0, 0,
	}
	if !slices.Equal(ml.Floats(got), want) {
		t.Errorf("fetch data = %v, want %v", ml.Floats(got), want)
	}
}

func TestRoundTripBitIdentical(t *testing.T) {
	store := NewStore(2, 2, 1, 4, ml.DTypeF32)

	in := []float32{0.1, -0.2, float32(math.Pi), 1e-20}
	if _, err := store.Write(ml.FromFloats(in, 1, 1, 4), []int32{0}, []int32{0}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Fetch([]int32{0})
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range in {
		if out := ml.Floats(got)[i]; math.Float32bits(out) != math.Float32bits(v) {
			t.Errorf("slot %d = %x, want %x", i, math.Float32bits(out), math.Float32bits(v))
		}
	}
}

func TestNarrowPrecision(t *testing.T) {
	cases := []struct {
		name  string
		dtype ml.DType
		tol   float64
	}{
		{"F16", ml.DTypeF16, 1e-3},
		{"BF16", ml.DTypeBF16, 1e-2},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(1, 1, 1, 4, tt.dtype)

			in := []float32{0.5, -1.25, 0.333, 2.0}
			if _, err := store.Write(ml.FromFloats(in, 1, 4), []int32{0}, []int32{0}); err != nil {
				t.Fatal(err)
			}

			got, err := store.Fetch([]int32{0})
			if err != nil {
				t.Fatal(err)
			}

			for i, v := range in {
				out := ml.Floats(got)[i]
				if diff := math.Abs(float64(out - v)); diff > tt.tol*math.Abs(float64(v)) {
					t.Errorf("slot %d = %v, want %v within %v", i, out, v, tt.tol)
				}
			}
		})
	}
}

func TestWriteNilStoreIsPassThrough(t *testing.T) {
	var store *Store

	in := ml.FromFloats([]float32{1, 2, 3}, 1, 3)
	got, err := store.Write(in, []int32{0}, []int32{0})
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Error("nil store write should return its input unchanged")
	}
}

func TestWriteErrors(t *testing.T) {
	store := NewStore(2, 2, 1, 4, ml.DTypeF32)

	cases := []struct {
		name    string
		rows    []float32
		shape   []int
		indices []int32
		offsets []int32
		want    error
	}{
		{"RowTooWide", make([]float32, 5), []int{1, 5}, []int32{0}, []int32{0}, ErrShapeMismatch},
		{"CountMismatch", make([]float32, 8), []int{2, 4}, []int32{0}, []int32{0}, ErrShapeMismatch},
		{"BlockOutOfRange", make([]float32, 4), []int{1, 4}, []int32{7}, []int32{0}, ErrIndexOutOfRange},
		{"OffsetOutOfRange", make([]float32, 4), []int{1, 4}, []int32{0}, []int32{5}, ErrIndexOutOfRange},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Write(ml.FromFloats(tt.rows, tt.shape...), tt.indices, tt.offsets)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := store.Fetch([]int32{3}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("fetch err = %v, want %v", err, ErrIndexOutOfRange)
	}
}

func TestLatentStore(t *testing.T) {
	store := NewLatentStore(2, 2, 6, ml.DTypeF32)

	if store.KVHeads() != 1 || store.HeadSize() != 6 {
		t.Fatalf("latent store layout = %v heads x %v, want 1 x 6", store.KVHeads(), store.HeadSize())
	}

	in := []float32{1, 2, 3, 4, 5, 6}
	if _, err := store.Write(ml.FromFloats(in, 1, 6), []int32{1}, []int32{1}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Fetch([]int32{1})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.Shape(), []int{1, 1, 2, 6}) {
		t.Errorf("fetch shape = %v, want [1 1 2 6]", got.Shape())
	}
	if !slices.Equal(ml.Floats(got)[6:], in) {
		t.Errorf("slot 1 = %v, want %v", ml.Floats(got)[6:], in)
	}
}
