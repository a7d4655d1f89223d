package device

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-fastseq/internal/simd"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// CPUBackend implements Backend.
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend runs kernels through gonum's blas32 (netlib sgemm when built with cgo).
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) GetTensor(dims ...int) *tensor.Array {
	size := 1
	for _, d := range dims {
		size *= d
	}

	if v := b.pool.Get(); v != nil {
		buf := v.(*[]float32)
		if cap(*buf) >= size {
			data := (*buf)[:size]
			// Zero-initialize
			for i := range data {
				data[i] = 0
			}
			t, err := tensor.Wrap(data, dims...)
			if err == nil {
				poolHits.Inc()
				return t
			}
		}
		// too small, let the GC have it
	}
	poolMisses.Inc()
	return tensor.New(dims...)
}

func (b *CPUBackend) PutTensor(t *tensor.Array) {
	if t == nil {
		return
	}
	data := t.Data()
	b.pool.Put(&data)
}

func (b *CPUBackend) Linear(x, weight, bias *tensor.Array) (*tensor.Array, error) {
	if weight.Rank() != 2 {
		return nil, &tensor.ShapeError{Op: "linear weight", Expected: []int{-1, -1}, Actual: weight.Shape()}
	}
	if x.Rank() != 2 {
		return nil, &tensor.ShapeError{Op: "linear input", Expected: []int{-1, weight.Dim(1)}, Actual: x.Shape()}
	}
	n, in := x.Dim(0), x.Dim(1)
	out, win := weight.Dim(0), weight.Dim(1)
	if in != win {
		return nil, &tensor.ShapeError{Op: "linear weight", Expected: []int{out, in}, Actual: weight.Shape()}
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != out) {
		return nil, &tensor.ShapeError{Op: "linear bias", Expected: []int{out}, Actual: bias.Shape()}
	}

	result := b.GetTensor(n, out)
	if n == 0 || out == 0 || in == 0 {
		return result, nil
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(n, in, x.Data()),
		general(out, in, weight.Data()),
		0, general(n, out, result.Data()))

	if bias != nil {
		data := result.Data()
		for i := 0; i < n; i++ {
			simd.VecAdd(data[i*out:(i+1)*out], bias.Data())
		}
	}
	return result, nil
}

func (b *CPUBackend) BatchMatMul(a, bt *tensor.Array, transB bool) (*tensor.Array, error) {
	if a.Rank() != 3 || bt.Rank() != 3 {
		return nil, &tensor.ShapeError{Op: "batched matmul operand", Expected: []int{-1, -1, -1}, Actual: bt.Shape()}
	}
	batch, m, k := a.Dim(0), a.Dim(1), a.Dim(2)
	kb, n := bt.Dim(1), bt.Dim(2)
	if transB {
		n, kb = bt.Dim(1), bt.Dim(2)
	}
	if bt.Dim(0) != batch || kb != k {
		want := []int{batch, k, n}
		if transB {
			want = []int{batch, n, k}
		}
		return nil, &tensor.ShapeError{Op: "batched matmul operand", Expected: want, Actual: bt.Shape()}
	}

	result := b.GetTensor(batch, m, n)
	ad, bd, cd := a.Data(), bt.Data(), result.Data()
	parallelFor(batch, func(i int) {
		gemm(m, k, n, transB,
			ad[i*m*k:(i+1)*m*k],
			bd[i*k*n:(i+1)*k*n],
			cd[i*m*n:(i+1)*m*n])
	})
	return result, nil
}

func (b *CPUBackend) BeamMatMul(a, bt *tensor.Array, transB bool) (*tensor.Array, error) {
	if a.Rank() != 5 || bt.Rank() != 5 {
		return nil, &tensor.ShapeError{Op: "beam contraction operand", Expected: []int{-1, 1, -1, -1, -1}, Actual: bt.Shape()}
	}
	groups, beams, heads, t, k := a.Dim(0), a.Dim(1), a.Dim(2), a.Dim(3), a.Dim(4)
	kb, n := bt.Dim(3), bt.Dim(4)
	if transB {
		n, kb = bt.Dim(3), bt.Dim(4)
	}
	if bt.Dim(0) != groups || bt.Dim(1) != 1 || bt.Dim(2) != heads || kb != k {
		want := []int{groups, 1, heads, k, n}
		if transB {
			want = []int{groups, 1, heads, n, k}
		}
		return nil, &tensor.ShapeError{Op: "beam contraction operand", Expected: want, Actual: bt.Shape()}
	}

	result := b.GetTensor(groups, beams, heads, t, n)
	ad, bd, cd := a.Data(), bt.Data(), result.Data()
	aStride, bStride, cStride := t*k, k*n, t*n
	parallelFor(groups*beams*heads, func(i int) {
		g := i / (beams * heads)
		h := i % heads
		// every beam of group g reads the same (g, 0, h) slice
		j := g*heads + h
		gemm(t, k, n, transB,
			ad[i*aStride:(i+1)*aStride],
			bd[j*bStride:(j+1)*bStride],
			cd[i*cStride:(i+1)*cStride])
	})
	return result, nil
}

// gemm computes c = a * b (or a * b^T) for row-major a (m, k).
func gemm(m, k, n int, transB bool, a, b, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := range c {
			c[i] = 0
		}
		return
	}
	tB := blas.NoTrans
	bm := general(k, n, b)
	if transB {
		tB = blas.Trans
		bm = general(n, k, b)
	}
	blas32.Gemm(blas.NoTrans, tB, 1, general(m, k, a), bm, 0, general(m, n, c))
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// parallelFor splits [0, n) into contiguous chunks across numWorkers goroutines.
func parallelFor(n int, fn func(i int)) {
	workers := numWorkers
	if n < workers {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := start + perWorker
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
