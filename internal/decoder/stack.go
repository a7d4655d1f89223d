package decoder

import (
	"fmt"

	"github.com/23skdu/longbow-fastseq/internal/attention"
	"github.com/23skdu/longbow-fastseq/internal/device"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// LayerWeights holds the projections of one decoder layer.
type LayerWeights struct {
	Self  *attention.Weights
	Cross *attention.Weights
}

// NewLayerWeights creates seeded weights for every layer of cfg. Passing the
// result to two stacks makes them compute the same function.
func NewLayerWeights(cfg Config) []LayerWeights {
	out := make([]LayerWeights, cfg.NumLayers)
	for i := range out {
		self, cross := cfg.Attention, cfg.Attention
		self.Seed = cfg.Attention.Seed + int64(2*i)
		cross.Seed = cfg.Attention.Seed + int64(2*i+1)
		out[i] = LayerWeights{Self: attention.NewWeights(self), Cross: attention.NewWeights(cross)}
	}
	return out
}

// Block is one decoder layer: causal self-attention followed by
// cross-attention over the encoder output.
type Block struct {
	Self  attention.Layer
	Cross attention.Layer
}

// Stack is a fixed sequence of decoder blocks sharing one variant.
type Stack struct {
	cfg     Config
	variant Variant
	blocks  []Block
}

// NewStack builds cfg.NumLayers blocks with the selected attention
// implementation. A nil weights slice creates seeded weights.
func NewStack(cfg Config, variant Variant, backend device.Backend, weights []LayerWeights) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if weights == nil {
		weights = NewLayerWeights(cfg)
	}
	if len(weights) != cfg.NumLayers {
		return nil, fmt.Errorf("got weights for %d layers, stack has %d", len(weights), cfg.NumLayers)
	}
	if backend == nil {
		backend = device.NewCPUBackend()
	}

	s := &Stack{cfg: cfg, variant: variant, blocks: make([]Block, cfg.NumLayers)}
	for i, lw := range weights {
		self, err := newLayer(variant, cfg.Attention, lw.Self, backend)
		if err != nil {
			return nil, fmt.Errorf("layer %d self-attention: %w", i, err)
		}
		cross, err := newLayer(variant, cfg.Attention, lw.Cross, backend)
		if err != nil {
			return nil, fmt.Errorf("layer %d cross-attention: %w", i, err)
		}
		s.blocks[i] = Block{Self: self, Cross: cross}
	}
	return s, nil
}

func newLayer(v Variant, cfg attention.Config, w *attention.Weights, b device.Backend) (attention.Layer, error) {
	switch v {
	case VariantBeam:
		l, err := attention.NewBeamSearch(cfg, w, b)
		if err != nil {
			return nil, err
		}
		return l, nil
	case VariantMarian:
		l, err := attention.NewMarian(cfg, w, b)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown attention variant %q", v)
	}
}

func (s *Stack) Config() Config { return s.cfg }
func (s *Stack) Variant() Variant { return s.variant }
func (s *Stack) Blocks() []Block { return s.blocks }
func (s *Stack) NumBeams() int { return s.cfg.Attention.NumBeams }

// SetTraining toggles dropout on every layer.
func (s *Stack) SetTraining(training bool) {
	for _, b := range s.blocks {
		b.Self.SetTraining(training)
		b.Cross.SetTraining(training)
	}
}

// ExpandForBeams repeats each row of x numBeams times along the batch axis,
// turning (batch, ...) into (batch*numBeams, ...) with the beams of an input
// adjacent.
func ExpandForBeams(x *tensor.Array, numBeams int) (*tensor.Array, error) {
	return x.RepeatInterleave(numBeams)
}
