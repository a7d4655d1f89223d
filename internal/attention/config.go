package attention

import (
	"fmt"
	"math"
)

// Config holds the construction parameters of a Marian attention layer.
// NumBeams is the only addition over the baseline layer.
type Config struct {
	EmbedDim  int
	NumHeads  int
	Dropout   float64
	IsDecoder bool
	Bias      bool
	NumBeams  int

	// Seed drives weight initialization and dropout.
	Seed int64
}

// DefaultMarianConfig returns the attention shape of Helsinki-NLP opus-mt models.
func DefaultMarianConfig() Config {
	return Config{
		EmbedDim:  512,
		NumHeads:  8,
		Dropout:   0.0,
		IsDecoder: true,
		Bias:      true,
		NumBeams:  1,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.EmbedDim <= 0 || c.NumHeads <= 0 {
		return fmt.Errorf("embed_dim (%d) and num_heads (%d) must be positive", c.EmbedDim, c.NumHeads)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("embed_dim must be divisible by num_heads (got `embed_dim`: %d and `num_heads`: %d)", c.EmbedDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout %v out of range [0, 1)", c.Dropout)
	}
	if c.NumBeams < 1 {
		return fmt.Errorf("num_beams must be at least 1, got %d", c.NumBeams)
	}
	return nil
}

// HeadDim is the per-head channel count.
func (c Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// Scaling is the query scale factor head_dim^-0.5.
func (c Config) Scaling() float32 {
	return float32(1.0 / math.Sqrt(float64(c.HeadDim())))
}
