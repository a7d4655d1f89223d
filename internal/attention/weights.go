package attention

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-fastseq/internal/device"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// Linear is a dense projection stored as (out, in) with an optional bias.
type Linear struct {
	Weight *tensor.Array
	Bias   *tensor.Array
}

// Forward applies the projection to the last axis of a rank-3 input.
func (l *Linear) Forward(b device.Backend, x *tensor.Array) (*tensor.Array, error) {
	if x.Rank() != 3 {
		return nil, &tensor.ShapeError{Op: "projection input", Expected: []int{-1, -1, l.Weight.Dim(1)}, Actual: x.Shape()}
	}
	batch, seq := x.Dim(0), x.Dim(1)
	flat, err := x.Reshape(batch*seq, x.Dim(2))
	if err != nil {
		return nil, err
	}
	out, err := b.Linear(flat, l.Weight, l.Bias)
	if err != nil {
		return nil, err
	}
	return out.Reshape(batch, seq, l.Weight.Dim(0))
}

// Weights are the four projections of an attention layer. The same Weights
// can back both the baseline and the beam-aware implementation.
type Weights struct {
	Q   *Linear
	K   *Linear
	V   *Linear
	Out *Linear
}

// NewWeights creates Xavier-initialized projections seeded from cfg.Seed.
func NewWeights(cfg Config) *Weights {
	r := rand.New(rand.NewSource(cfg.Seed))
	newLinear := func() *Linear {
		l := &Linear{Weight: tensor.New(cfg.EmbedDim, cfg.EmbedDim)}
		xavierInit(r, l.Weight)
		if cfg.Bias {
			l.Bias = tensor.New(cfg.EmbedDim)
			// small non-zero bias so tests exercise the bias path
			for i := range l.Bias.Data() {
				l.Bias.Data()[i] = float32(r.Float64()*0.02 - 0.01)
			}
		}
		return l
	}
	return &Weights{Q: newLinear(), K: newLinear(), V: newLinear(), Out: newLinear()}
}

// xavierInit initializes a matrix with Xavier/Glorot uniform initialization.
func xavierInit(r *rand.Rand, m *tensor.Array) {
	rows, cols := m.Dim(0), m.Dim(1)
	limit := math.Sqrt(6.0 / float64(rows+cols))

	data := m.Data()
	for i := range data {
		data[i] = float32((r.Float64()*2 - 1) * limit)
	}
}
