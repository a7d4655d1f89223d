package decoder

import (
	"fmt"

	"github.com/23skdu/longbow-fastseq/internal/attention"
)

// Variant selects the attention implementation a Stack is built with.
type Variant string

const (
	VariantMarian Variant = "marian"
	VariantBeam   Variant = "beam"
)

// ParseVariant maps a flag value to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantMarian, VariantBeam:
		return v, nil
	default:
		return "", fmt.Errorf("unknown attention variant %q (want %q or %q)", s, VariantMarian, VariantBeam)
	}
}

// Config describes a decoder stack.
type Config struct {
	Attention attention.Config
	NumLayers int
}

// DefaultConfig is the six layer opus-mt decoder.
func DefaultConfig() Config {
	return Config{
		Attention: attention.DefaultMarianConfig(),
		NumLayers: 6,
	}
}

func (c Config) Validate() error {
	if c.NumLayers < 1 {
		return fmt.Errorf("num_layers must be at least 1, got %d", c.NumLayers)
	}
	if !c.Attention.IsDecoder {
		return fmt.Errorf("decoder stack needs decoder attention layers")
	}
	return c.Attention.Validate()
}
