package device

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func randArray(r *rand.Rand, dims ...int) *tensor.Array {
	a := tensor.New(dims...)
	for i := range a.Data() {
		a.Data()[i] = r.Float32()*2 - 1
	}
	return a
}

// naiveMatMul multiplies row-major a (m, k) with b (k, n), or b (n, k) when transB.
func naiveMatMul(a, b []float32, m, k, n int, transB bool) []float32 {
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for x := 0; x < k; x++ {
				bv := b[x*n+j]
				if transB {
					bv = b[j*k+x]
				}
				sum += a[i*k+x] * bv
			}
			out[i*n+j] = sum
		}
	}
	return out
}

func TestCPULinear(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	b := NewCPUBackend()

	x := randArray(r, 5, 4)
	w := randArray(r, 3, 4)
	bias := tensor.FromSlice([]float32{0.5, -1, 2}, 3)

	got, err := b.Linear(x, w, bias)
	require.NoError(t, err)
	require.Equal(t, []int{5, 3}, got.Shape())

	want := naiveMatMul(x.Data(), w.Data(), 5, 4, 3, true)
	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, want[i*3+j]+bias.At(j), got.At(i, j), 1e-5)
		}
	}

	_, err = b.Linear(x, randArray(r, 3, 5), nil)
	var se *tensor.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []int{3, 4}, se.Expected)
}

func TestCPUBatchMatMul(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	b := NewCPUBackend()

	q := randArray(r, 6, 2, 4)
	k := randArray(r, 6, 3, 4)

	scores, err := b.BatchMatMul(q, k, true)
	require.NoError(t, err)
	require.Equal(t, []int{6, 2, 3}, scores.Shape())

	for i := 0; i < 6; i++ {
		want := naiveMatMul(q.Data()[i*8:(i+1)*8], k.Data()[i*12:(i+1)*12], 2, 4, 3, true)
		assert.InDeltaSlice(t, want, scores.Data()[i*6:(i+1)*6], 1e-5)
	}

	v := randArray(r, 6, 3, 4)
	ctx, err := b.BatchMatMul(scores, v, false)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 2, 4}, ctx.Shape())

	_, err = b.BatchMatMul(q, randArray(r, 5, 3, 4), true)
	require.Error(t, err)
}

// TestCPUBeamMatMulBroadcast checks the beam contraction against a plain
// batched matmul over an explicitly replicated operand.
func TestCPUBeamMatMulBroadcast(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	b := NewCPUBackend()

	groups, beams, heads, tgt, src, dim := 2, 3, 2, 1, 5, 4
	q := randArray(r, groups, beams, heads, tgt, dim)
	k := randArray(r, groups, 1, heads, src, dim)

	got, err := b.BeamMatMul(q, k, true)
	require.NoError(t, err)
	require.Equal(t, []int{groups, beams, heads, tgt, src}, got.Shape())

	// replicate k across beams: (G, 1, H, S, D) -> (G*M*H, S, D)
	kData := make([]float32, 0, groups*beams*heads*src*dim)
	for g := 0; g < groups; g++ {
		for m := 0; m < beams; m++ {
			start := g * heads * src * dim
			kData = append(kData, k.Data()[start:start+heads*src*dim]...)
		}
	}
	kFull := tensor.FromSlice(kData, groups*beams*heads, src, dim)
	want, err := b.BatchMatMul(q.MustReshape(-1, tgt, dim), kFull, true)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	v := randArray(r, groups, 1, heads, src, dim)
	out, err := b.BeamMatMul(got, v, false)
	require.NoError(t, err)
	assert.Equal(t, []int{groups, beams, heads, tgt, dim}, out.Shape())

	_, err = b.BeamMatMul(q, randArray(r, groups, 2, heads, src, dim), true)
	var se *tensor.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []int{groups, 1, heads, src, dim}, se.Expected)
}

func TestCPUPoolMetrics(t *testing.T) {
	b := NewCPUBackend()

	startMisses := getMetricValue(poolMisses)
	t1 := b.GetTensor(8, 8)
	assert.Equal(t, 1.0, getMetricValue(poolMisses)-startMisses)

	t1.Data()[0] = 42
	b.PutTensor(t1)

	t2 := b.GetTensor(4, 4)
	assert.Equal(t, []int{4, 4}, t2.Shape())
	// pooled buffers come back zeroed
	assert.Equal(t, float32(0), t2.Data()[0])
}
