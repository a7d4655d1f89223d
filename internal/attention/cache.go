package attention

import "github.com/23skdu/longbow-fastseq/internal/tensor"

// KVCache is the key/value projection pair carried across decode steps.
//
// Self-attention caches are (batch, heads, seq, head_dim) and grow along seq.
// Beam-aware cross-attention caches are (batch/num_beams, 1, heads, src, head_dim);
// baseline cross-attention caches keep the full batch as (batch, heads, src, head_dim).
type KVCache struct {
	Key   *tensor.Array `cbor:"key"`
	Value *tensor.Array `cbor:"value"`
}

// SeqLen is the cached sequence length (second to last axis).
func (c *KVCache) SeqLen() int {
	if c == nil || c.Key == nil {
		return 0
	}
	return c.Key.Dim(-2)
}

// Batch is the leading dimension of the cached tensors.
func (c *KVCache) Batch() int {
	if c == nil || c.Key == nil {
		return 0
	}
	return c.Key.Dim(0)
}

// Bytes is the float32 footprint of both tensors.
func (c *KVCache) Bytes() int {
	if c == nil {
		return 0
	}
	n := 0
	if c.Key != nil {
		n += c.Key.Numel()
	}
	if c.Value != nil {
		n += c.Value.Numel()
	}
	return n * 4
}
