package attention

import (
	"github.com/23skdu/longbow-fastseq/internal/device"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// MarianAttention is the baseline multi-head attention of the Marian
// translation model. Its cross-attention cache keeps one row per beam.
type MarianAttention struct {
	*core
}

var _ Layer = (*MarianAttention)(nil)

// NewMarian builds the baseline layer. A nil w creates seeded weights and a
// nil backend selects the CPU backend.
func NewMarian(cfg Config, w *Weights, b device.Backend) (*MarianAttention, error) {
	c, err := newCore(cfg, w, b, nil)
	if err != nil {
		return nil, err
	}
	c.cross = fullBatchCross{c: c}
	return &MarianAttention{core: c}, nil
}

type fullBatchCross struct {
	c *core
}

func (fullBatchCross) name() string { return "marian" }

func (fullBatchCross) newCache(key, value *tensor.Array, _ int) (*KVCache, error) {
	return &KVCache{Key: key, Value: value}, nil
}

func (f fullBatchCross) scores(query, key *tensor.Array, bsz int) (*tensor.Array, error) {
	return f.c.selfScores(query, key, bsz)
}

func (f fullBatchCross) context(probs, value *tensor.Array, bsz, _ int) (*tensor.Array, error) {
	v, err := value.Reshape(bsz*f.c.cfg.NumHeads, -1, f.c.cfg.HeadDim())
	if err != nil {
		return nil, err
	}
	return f.c.backend.BatchMatMul(probs, v, false)
}
