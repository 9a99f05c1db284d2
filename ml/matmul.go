package ml

import (
	"fmt"
	"runtime"
	"slices"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// MatMul multiplies two 2-D float32 matrices.
func MatMul(a, b *tensor.Dense) (*tensor.Dense, error) {
	out, err := tensor.MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Dense), nil
}

// BatchedMatMul multiplies tensors of shape (..., m, k) and (..., k, n)
// into (..., m, n). The leading dimensions must match exactly and are
// processed in parallel.
func BatchedMatMul(a, b *tensor.Dense) (*tensor.Dense, error) {
	ashape, bshape := a.Shape(), b.Shape()
	if len(ashape) != len(bshape) || len(ashape) < 2 {
		return nil, fmt.Errorf("matmul rank mismatch: %v x %v", ashape, bshape)
	}

	lead := ashape[:len(ashape)-2]
	if !slices.Equal(lead, bshape[:len(bshape)-2]) {
		return nil, fmt.Errorf("matmul batch mismatch: %v x %v", ashape, bshape)
	}

	m, k, n := ashape[len(ashape)-2], ashape[len(ashape)-1], bshape[len(bshape)-1]
	if bshape[len(bshape)-2] != k {
		return nil, fmt.Errorf("matmul inner mismatch: %v x %v", ashape, bshape)
	}

	batch := Numel(lead)
	outShape := append(slices.Clone(lead), m, n)
	out := Zeros(outShape...)

	adata, bdata, odata := Floats(a), Floats(b), Floats(out)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < batch; i++ {
		g.Go(func() error {
			av := FromFloats(adata[i*m*k:(i+1)*m*k], m, k)
			bv := FromFloats(bdata[i*k*n:(i+1)*k*n], k, n)
			cv := FromFloats(odata[i*m*n:(i+1)*m*n], m, n)
			_, err := tensor.MatMul(av, bv, tensor.WithReuse(cv))
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
