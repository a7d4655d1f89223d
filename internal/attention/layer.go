package attention

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-fastseq/internal/device"
	"github.com/23skdu/longbow-fastseq/internal/simd"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// Input is one attention call. Only Hidden is required.
type Input struct {
	// Hidden is (batch, tgt, embed).
	Hidden *tensor.Array
	// KeyValue is the encoder output (batch, src, embed); set for cross-attention.
	KeyValue *tensor.Array
	// Past is the cache returned by the previous decode step.
	Past *KVCache
	// Mask is an additive bias of shape (batch, 1, tgt, src).
	Mask *tensor.Array
	// HeadMask gates each head, shape (heads,).
	HeadMask *tensor.Array
	// OutputAttentions requests the normalized attention weights.
	OutputAttentions bool
}

// Output is the result of one attention call.
type Output struct {
	// Hidden has the same shape as Input.Hidden.
	Hidden *tensor.Array
	// Weights is (batch, heads, tgt, src) when requested, nil otherwise.
	Weights *tensor.Array
	// Cache is the updated cache; nil for encoder layers.
	Cache *KVCache
}

// Layer is an attention computation a decode loop can be built over.
type Layer interface {
	Forward(in Input) (*Output, error)
	Config() Config
	// SetTraining toggles dropout.
	SetTraining(training bool)
}

// crossStrategy is the part of cross-attention that differs between the
// baseline and the beam-aware layer.
type crossStrategy interface {
	name() string
	// newCache turns freshly projected (batch, heads, src, head_dim) key and
	// value states into the cache layout used by scores and context.
	newCache(key, value *tensor.Array, bsz int) (*KVCache, error)
	// scores computes (batch*heads, tgt, src) from query (batch, heads, tgt, head_dim).
	scores(query, key *tensor.Array, bsz int) (*tensor.Array, error)
	// context computes (batch*heads, tgt, head_dim) from probs (batch*heads, tgt, src).
	context(probs, value *tensor.Array, bsz, tgtLen int) (*tensor.Array, error)
}

type core struct {
	cfg     Config
	w       *Weights
	backend device.Backend
	cross   crossStrategy

	mu       sync.Mutex
	training bool
	rng      *rand.Rand
}

func newCore(cfg Config, w *Weights, b device.Backend, cross crossStrategy) (*core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil {
		w = NewWeights(cfg)
	}
	if w.Q.Weight.Dim(1) != cfg.EmbedDim || w.Out.Weight.Dim(0) != cfg.EmbedDim {
		return nil, fmt.Errorf("weights are %s, layer expects embed_dim %d", tensor.FormatShape(w.Q.Weight.Shape()), cfg.EmbedDim)
	}
	if b == nil {
		b = device.NewCPUBackend()
	}
	return &core{
		cfg:     cfg,
		w:       w,
		backend: b,
		cross:   cross,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (c *core) Config() Config {
	return c.cfg
}

func (c *core) SetTraining(training bool) {
	c.mu.Lock()
	c.training = training
	c.mu.Unlock()
}

// shape splits (batch, seq, embed) into (batch, heads, seq, head_dim).
func (c *core) shape(x *tensor.Array, bsz int) (*tensor.Array, error) {
	v, err := x.Reshape(bsz, -1, c.cfg.NumHeads, c.cfg.HeadDim())
	if err != nil {
		return nil, err
	}
	return v.Transpose(1, 2)
}

func (c *core) projectHeads(l *Linear, x *tensor.Array, bsz int) (*tensor.Array, error) {
	p, err := l.Forward(c.backend, x)
	if err != nil {
		return nil, err
	}
	return c.shape(p, bsz)
}

func (c *core) observe(path string, start time.Time, out *Output, err error) {
	variant := c.cross.name()
	var se *tensor.ShapeError
	if errors.As(err, &se) {
		shapeErrors.WithLabelValues(variant).Inc()
	}
	if err != nil || out == nil {
		return
	}
	forwardDuration.WithLabelValues(variant, path).Observe(time.Since(start).Seconds())
	if out.Cache != nil {
		cacheBytes.WithLabelValues(variant, path).Observe(float64(out.Cache.Bytes()))
	}
}

// Forward runs one attention call. Input is Batch x Time x Channel.
func (c *core) Forward(in Input) (out *Output, err error) {
	start := time.Now()
	path := "self"
	defer func() { c.observe(path, start, out, err) }()

	if in.Hidden == nil || in.Hidden.Rank() != 3 || in.Hidden.Dim(2) != c.cfg.EmbedDim {
		actual := []int{}
		if in.Hidden != nil {
			actual = in.Hidden.Shape()
		}
		return nil, &tensor.ShapeError{Op: "hidden states", Expected: []int{-1, -1, c.cfg.EmbedDim}, Actual: actual}
	}
	isCross := in.KeyValue != nil
	if !c.cfg.IsDecoder {
		if isCross {
			return nil, ErrCrossAttentionOnEncoder
		}
		// bi-directional encoder self-attention never carries a cache
		if in.Past != nil {
			return nil, ErrEncoderCache
		}
	}
	if in.Past != nil && (in.Past.Key == nil || in.Past.Value == nil) {
		return nil, ErrIncompleteCache
	}

	bsz, tgtLen := in.Hidden.Dim(0), in.Hidden.Dim(1)
	heads, headDim := c.cfg.NumHeads, c.cfg.HeadDim()

	// get query proj
	q, err := c.w.Q.Forward(c.backend, in.Hidden)
	if err != nil {
		return nil, fmt.Errorf("query projection: %w", err)
	}
	simd.VecScale(q.Data(), c.cfg.Scaling())
	query, err := c.shape(q, bsz)
	if err != nil {
		return nil, err
	}

	// get key, value proj
	var cache *KVCache
	switch {
	case isCross && in.Past != nil:
		// reuse k, v, cross_attentions
		path = "cross_cached"
		cache = in.Past
	case isCross:
		path = "cross"
		kv := in.KeyValue
		if kv.Rank() != 3 || kv.Dim(0) != bsz || kv.Dim(2) != c.cfg.EmbedDim {
			return nil, &tensor.ShapeError{Op: "key/value states", Expected: []int{bsz, -1, c.cfg.EmbedDim}, Actual: kv.Shape()}
		}
		key, err := c.projectHeads(c.w.K, kv, bsz)
		if err != nil {
			return nil, fmt.Errorf("key projection: %w", err)
		}
		value, err := c.projectHeads(c.w.V, kv, bsz)
		if err != nil {
			return nil, fmt.Errorf("value projection: %w", err)
		}
		if cache, err = c.cross.newCache(key, value, bsz); err != nil {
			return nil, err
		}
	case in.Past != nil:
		// reuse k, v, self_attention
		path = "self_cached"
		key, err := c.projectHeads(c.w.K, in.Hidden, bsz)
		if err != nil {
			return nil, fmt.Errorf("key projection: %w", err)
		}
		value, err := c.projectHeads(c.w.V, in.Hidden, bsz)
		if err != nil {
			return nil, fmt.Errorf("value projection: %w", err)
		}
		if key, err = tensor.Concat(2, in.Past.Key, key); err != nil {
			return nil, fmt.Errorf("past key: %w", err)
		}
		if value, err = tensor.Concat(2, in.Past.Value, value); err != nil {
			return nil, fmt.Errorf("past value: %w", err)
		}
		cache = &KVCache{Key: key, Value: value}
	default:
		key, err := c.projectHeads(c.w.K, in.Hidden, bsz)
		if err != nil {
			return nil, fmt.Errorf("key projection: %w", err)
		}
		value, err := c.projectHeads(c.w.V, in.Hidden, bsz)
		if err != nil {
			return nil, fmt.Errorf("value projection: %w", err)
		}
		cache = &KVCache{Key: key, Value: value}
	}

	var attn *tensor.Array
	if isCross {
		attn, err = c.cross.scores(query, cache.Key, bsz)
	} else {
		attn, err = c.selfScores(query, cache.Key, bsz)
	}
	if err != nil {
		return nil, err
	}
	srcLen := attn.Dim(-1)
	if !tensor.SameShape(attn.Shape(), []int{bsz * heads, tgtLen, srcLen}) {
		return nil, &tensor.ShapeError{Op: "Attention weights", Expected: []int{bsz * heads, tgtLen, srcLen}, Actual: attn.Shape()}
	}
	defer c.backend.PutTensor(attn)

	if in.Mask != nil {
		if err := addMask(attn, in.Mask, bsz, heads, tgtLen, srcLen); err != nil {
			return nil, err
		}
	}

	data := attn.Data()
	for r := 0; r < bsz*heads*tgtLen; r++ {
		simd.Softmax(data[r*srcLen : (r+1)*srcLen])
	}

	if in.HeadMask != nil {
		if err := applyHeadMask(attn, in.HeadMask, heads, tgtLen, srcLen); err != nil {
			return nil, err
		}
	}

	var weights *tensor.Array
	if in.OutputAttentions {
		weights = attn.Clone().MustReshape(bsz, heads, tgtLen, srcLen)
	}

	c.dropout(attn)

	var ctx *tensor.Array
	if isCross {
		ctx, err = c.cross.context(attn, cache.Value, bsz, tgtLen)
	} else {
		ctx, err = c.backend.BatchMatMul(attn, cache.Value.MustReshape(bsz*heads, -1, headDim), false)
	}
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(ctx.Shape(), []int{bsz * heads, tgtLen, headDim}) {
		return nil, &tensor.ShapeError{Op: "`attn_output`", Expected: []int{bsz * heads, tgtLen, headDim}, Actual: ctx.Shape()}
	}

	merged, err := ctx.MustReshape(bsz, heads, tgtLen, headDim).Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	hidden, err := c.w.Out.Forward(c.backend, merged.MustReshape(bsz, tgtLen, c.cfg.EmbedDim))
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}

	if !c.cfg.IsDecoder {
		cache = nil
	}
	return &Output{Hidden: hidden, Weights: weights, Cache: cache}, nil
}

// selfScores is the plain scaled dot product over (batch*heads, seq, head_dim).
func (c *core) selfScores(query, key *tensor.Array, bsz int) (*tensor.Array, error) {
	heads, headDim := c.cfg.NumHeads, c.cfg.HeadDim()
	q, err := query.Reshape(bsz*heads, -1, headDim)
	if err != nil {
		return nil, err
	}
	k, err := key.Reshape(bsz*heads, -1, headDim)
	if err != nil {
		return nil, err
	}
	return c.backend.BatchMatMul(q, k, true)
}

func (c *core) dropout(probs *tensor.Array) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.training || c.cfg.Dropout == 0 {
		return
	}
	keep := 1 - c.cfg.Dropout
	scale := float32(1 / keep)
	data := probs.Data()
	for i := range data {
		if c.rng.Float64() < keep {
			data[i] *= scale
		} else {
			data[i] = 0
		}
	}
}

// addMask broadcasts a (batch, 1, tgt, src) bias over the heads of attn.
func addMask(attn, mask *tensor.Array, bsz, heads, tgtLen, srcLen int) error {
	want := []int{bsz, 1, tgtLen, srcLen}
	if !tensor.SameShape(mask.Shape(), want) {
		return &tensor.ShapeError{Op: "Attention mask", Expected: want, Actual: mask.Shape()}
	}
	plane := tgtLen * srcLen
	data, bias := attn.Data(), mask.Data()
	for b := 0; b < bsz; b++ {
		for h := 0; h < heads; h++ {
			off := (b*heads + h) * plane
			simd.VecAdd(data[off:off+plane], bias[b*plane:(b+1)*plane])
		}
	}
	return nil
}

// applyHeadMask scales each head's probabilities by its gate value.
func applyHeadMask(attn, headMask *tensor.Array, heads, tgtLen, srcLen int) error {
	if !tensor.SameShape(headMask.Shape(), []int{heads}) {
		return &tensor.ShapeError{Op: "Head mask for a single layer", Expected: []int{heads}, Actual: headMask.Shape()}
	}
	plane := tgtLen * srcLen
	data, gates := attn.Data(), headMask.Data()
	for i := 0; i*plane < len(data); i++ {
		simd.VecScale(data[i*plane:(i+1)*plane], gates[i%heads])
	}
	return nil
}
