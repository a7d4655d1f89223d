package attention

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-fastseq/internal/device"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// BeamSearchAttention is Marian attention optimized for beam search.
//
// Every beam of an input shares the same encoder output, so the
// cross-attention cache keeps only the first beam of each group:
// (batch/num_beams, 1, heads, src, head_dim). Scores and context are
// computed by broadcasting that row across the num_beams queries of the
// group instead of materializing num_beams copies of the cache.
// Self-attention is unchanged from MarianAttention.
type BeamSearchAttention struct {
	*core
}

var _ Layer = (*BeamSearchAttention)(nil)

// NewBeamSearch builds the beam-aware layer. cfg.NumBeams must equal the
// beam count of the decode loop; the batch is num_beams rows per input.
func NewBeamSearch(cfg Config, w *Weights, b device.Backend) (*BeamSearchAttention, error) {
	c, err := newCore(cfg, w, b, nil)
	if err != nil {
		return nil, err
	}
	c.cross = beamCross{c: c}
	return &BeamSearchAttention{core: c}, nil
}

type beamCross struct {
	c *core
}

func (beamCross) name() string { return "beam" }

func (b beamCross) groups(bsz int) (int, error) {
	beams := b.c.cfg.NumBeams
	if bsz%beams != 0 {
		return 0, &tensor.ShapeError{
			Op:       "beam-expanded batch",
			Expected: []int{(bsz/beams + 1) * beams},
			Actual:   []int{bsz},
		}
	}
	return bsz / beams, nil
}

// newCache keeps beam 0 of every group.
func (b beamCross) newCache(key, value *tensor.Array, bsz int) (*KVCache, error) {
	groups, err := b.groups(bsz)
	if err != nil {
		return nil, err
	}
	heads, headDim := b.c.cfg.NumHeads, b.c.cfg.HeadDim()
	collapse := func(x *tensor.Array) (*tensor.Array, error) {
		v, err := x.Reshape(groups, b.c.cfg.NumBeams, heads, -1, headDim)
		if err != nil {
			return nil, err
		}
		return v.Narrow(1, 0, 1)
	}
	k, err := collapse(key)
	if err != nil {
		return nil, err
	}
	v, err := collapse(value)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Ints("cache_shape", k.Shape()).
		Int("num_beams", b.c.cfg.NumBeams).
		Msg("Cross-attention cache collapsed to beam groups")
	return &KVCache{Key: k, Value: v}, nil
}

// scores is einsum("bmhtd,bnhsd->bmhts") flattened to (batch*heads, tgt, src).
func (b beamCross) scores(query, key *tensor.Array, bsz int) (*tensor.Array, error) {
	groups, err := b.groups(bsz)
	if err != nil {
		return nil, err
	}
	cfg := b.c.cfg
	q, err := query.Reshape(groups, cfg.NumBeams, cfg.NumHeads, -1, cfg.HeadDim())
	if err != nil {
		return nil, err
	}
	w, err := b.c.backend.BeamMatMul(q, key, true)
	if err != nil {
		return nil, err
	}
	return w.Reshape(-1, w.Dim(3), w.Dim(4))
}

// context is einsum("bmhts,bnhsd->bmhtd") flattened to (batch*heads, tgt, head_dim).
func (b beamCross) context(probs, value *tensor.Array, bsz, tgtLen int) (*tensor.Array, error) {
	groups, err := b.groups(bsz)
	if err != nil {
		return nil, err
	}
	cfg := b.c.cfg
	p, err := probs.Reshape(groups, cfg.NumBeams, cfg.NumHeads, tgtLen, -1)
	if err != nil {
		return nil, err
	}
	out, err := b.c.backend.BeamMatMul(p, value, false)
	if err != nil {
		return nil, err
	}
	return out.Reshape(-1, tgtLen, cfg.HeadDim())
}
