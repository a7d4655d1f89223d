package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

func testConfig(beams int) Config {
	return Config{
		EmbedDim:  16,
		NumHeads:  4,
		IsDecoder: true,
		Bias:      true,
		NumBeams:  beams,
		Seed:      7,
	}
}

func randArray(r *rand.Rand, dims ...int) *tensor.Array {
	a := tensor.New(dims...)
	for i := range a.Data() {
		a.Data()[i] = float32(r.NormFloat64())
	}
	return a
}

// beamExpand repeats each of the groups rows beams times along axis 0.
func beamExpand(t *testing.T, x *tensor.Array, beams int) *tensor.Array {
	t.Helper()
	out, err := x.RepeatInterleave(beams)
	require.NoError(t, err)
	return out
}

// simpleAttentionCPU is a reference implementation of cache-less Marian
// self-attention with explicit loops over batch, head and positions.
func simpleAttentionCPU(w *Weights, cfg Config, x *tensor.Array) *tensor.Array {
	bsz, seq, embed := x.Dim(0), x.Dim(1), x.Dim(2)
	heads, headDim := cfg.NumHeads, cfg.HeadDim()

	project := func(l *Linear, in *tensor.Array) *tensor.Array {
		out := tensor.New(bsz, seq, embed)
		for b := 0; b < bsz; b++ {
			for s := 0; s < seq; s++ {
				for o := 0; o < embed; o++ {
					var sum float64
					for i := 0; i < embed; i++ {
						sum += float64(in.At(b, s, i)) * float64(l.Weight.At(o, i))
					}
					if l.Bias != nil {
						sum += float64(l.Bias.At(o))
					}
					out.Set(float32(sum), b, s, o)
				}
			}
		}
		return out
	}

	q, k, v := project(w.Q, x), project(w.K, x), project(w.V, x)
	ctx := tensor.New(bsz, seq, embed)
	scale := 1.0 / math.Sqrt(float64(headDim))
	for b := 0; b < bsz; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seq; i++ {
				scores := make([]float64, seq)
				maxVal := math.Inf(-1)
				for j := 0; j < seq; j++ {
					var dot float64
					for d := 0; d < headDim; d++ {
						dot += float64(q.At(b, i, h*headDim+d)) * scale * float64(k.At(b, j, h*headDim+d))
					}
					scores[j] = dot
					maxVal = math.Max(maxVal, dot)
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxVal)
					sum += scores[j]
				}
				for d := 0; d < headDim; d++ {
					var acc float64
					for j := 0; j < seq; j++ {
						acc += scores[j] / sum * float64(v.At(b, j, h*headDim+d))
					}
					ctx.Set(float32(acc), b, i, h*headDim+d)
				}
			}
		}
	}
	return project(w.Out, ctx)
}

func TestSelfAttentionMatchesReference(t *testing.T) {
	cfg := testConfig(1)
	cfg.IsDecoder = false
	layer, err := NewMarian(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(1))
	x := randArray(r, 2, 5, cfg.EmbedDim)

	out, err := layer.Forward(Input{Hidden: x})
	require.NoError(t, err)
	require.Equal(t, x.Shape(), out.Hidden.Shape())
	assert.Nil(t, out.Cache, "encoder layers do not produce a cache")
	assert.Nil(t, out.Weights)

	want := simpleAttentionCPU(layer.w, cfg, x)
	assert.InDeltaSlice(t, want.Data(), out.Hidden.Data(), 1e-4)
}

func TestSelfAttentionOutputShape(t *testing.T) {
	for _, variant := range []string{"marian", "beam"} {
		t.Run(variant, func(t *testing.T) {
			cfg := testConfig(1)
			var layer Layer
			var err error
			if variant == "beam" {
				layer, err = NewBeamSearch(cfg, nil, nil)
			} else {
				layer, err = NewMarian(cfg, nil, nil)
			}
			require.NoError(t, err)

			r := rand.New(rand.NewSource(2))
			for _, dims := range [][]int{{1, 1, 16}, {3, 4, 16}, {2, 7, 16}} {
				x := randArray(r, dims...)
				out, err := layer.Forward(Input{Hidden: x})
				require.NoError(t, err)
				assert.Equal(t, dims, out.Hidden.Shape())
				require.NotNil(t, out.Cache)
				assert.Equal(t, []int{dims[0], cfg.NumHeads, dims[1], cfg.HeadDim()}, out.Cache.Key.Shape())
			}
		})
	}
}

func TestCrossCacheCollapsedToBeamGroups(t *testing.T) {
	const groups, beams, srcLen = 2, 3, 6
	cfg := testConfig(beams)
	layer, err := NewBeamSearch(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(3))
	enc := beamExpand(t, randArray(r, groups, srcLen, cfg.EmbedDim), beams)
	hidden := randArray(r, groups*beams, 1, cfg.EmbedDim)

	out, err := layer.Forward(Input{Hidden: hidden, KeyValue: enc})
	require.NoError(t, err)
	require.NotNil(t, out.Cache)

	cacheShape := []int{groups, 1, cfg.NumHeads, srcLen, cfg.HeadDim()}
	assert.Equal(t, cacheShape, out.Cache.Key.Shape())
	assert.Equal(t, cacheShape, out.Cache.Value.Shape())
	assert.Equal(t, groups, out.Cache.Batch())
	assert.Equal(t, srcLen, out.Cache.SeqLen())

	// the next step reuses the cache without reprojecting
	next, err := layer.Forward(Input{Hidden: hidden, KeyValue: enc, Past: out.Cache})
	require.NoError(t, err)
	assert.Same(t, out.Cache, next.Cache)
	assert.Equal(t, out.Hidden.Data(), next.Hidden.Data())
}

func TestSelfCacheGrowsByOneStep(t *testing.T) {
	cfg := testConfig(2)
	layer, err := NewBeamSearch(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(4))
	out, err := layer.Forward(Input{Hidden: randArray(r, 4, 3, cfg.EmbedDim)})
	require.NoError(t, err)
	require.Equal(t, 3, out.Cache.SeqLen())

	for step := 1; step <= 3; step++ {
		prev := out.Cache.SeqLen()
		out, err = layer.Forward(Input{Hidden: randArray(r, 4, 1, cfg.EmbedDim), Past: out.Cache})
		require.NoError(t, err)
		assert.Equal(t, prev+1, out.Cache.SeqLen())
		assert.Equal(t, []int{4, cfg.NumHeads, prev + 1, cfg.HeadDim()}, out.Cache.Value.Shape())
	}
}

// TestBeamMatchesBaseline decodes the same beam-expanded input through both
// implementations and expects identical hidden states and weights.
func TestBeamMatchesBaseline(t *testing.T) {
	const groups, beams, srcLen = 2, 4, 5
	cfg := testConfig(beams)
	w := NewWeights(cfg)

	beam, err := NewBeamSearch(cfg, w, nil)
	require.NoError(t, err)
	base, err := NewMarian(cfg, w, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(5))
	enc := beamExpand(t, randArray(r, groups, srcLen, cfg.EmbedDim), beams)
	padding := tensor.New(groups*beams, srcLen)
	for i := range padding.Data() {
		padding.Data()[i] = 1
	}
	// last source token of the second group is padding
	for m := 0; m < beams; m++ {
		padding.Set(0, beams+m, srcLen-1)
	}
	mask, err := ExpandPaddingMask(padding, 1)
	require.NoError(t, err)

	var beamCache, baseCache *KVCache
	for step := 0; step < 3; step++ {
		hidden := randArray(r, groups*beams, 1, cfg.EmbedDim)

		got, err := beam.Forward(Input{Hidden: hidden, KeyValue: enc, Past: beamCache, Mask: mask, OutputAttentions: true})
		require.NoError(t, err)
		want, err := base.Forward(Input{Hidden: hidden, KeyValue: enc, Past: baseCache, Mask: mask, OutputAttentions: true})
		require.NoError(t, err)

		assert.InDeltaSlice(t, want.Hidden.Data(), got.Hidden.Data(), 1e-5)
		assert.InDeltaSlice(t, want.Weights.Data(), got.Weights.Data(), 1e-6)
		assert.Less(t, got.Cache.Bytes(), want.Cache.Bytes())
		assert.Equal(t, want.Cache.Bytes(), got.Cache.Bytes()*beams)

		beamCache, baseCache = got.Cache, want.Cache
	}
}

func TestBiasMaskShapeMismatch(t *testing.T) {
	cfg := testConfig(1)
	layer, err := NewBeamSearch(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(6))
	x := randArray(r, 2, 3, cfg.EmbedDim)

	_, err = layer.Forward(Input{Hidden: x, Mask: tensor.New(2, 1, 3, 4)})
	var se *tensor.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Attention mask", se.Op)
	assert.Equal(t, []int{2, 1, 3, 3}, se.Expected)
	assert.Equal(t, []int{2, 1, 3, 4}, se.Actual)
	assert.Contains(t, err.Error(), "should be of size (2, 1, 3, 3), but is (2, 1, 3, 4)")
}

// TestBeamMatchesBaselineMultiTarget covers a prompt of several target
// positions under a head gate, where scores and context keep a tgt axis.
func TestBeamMatchesBaselineMultiTarget(t *testing.T) {
	const groups, beams, srcLen, tgtLen = 2, 3, 6, 4
	cfg := testConfig(beams)
	w := NewWeights(cfg)

	beam, err := NewBeamSearch(cfg, w, nil)
	require.NoError(t, err)
	base, err := NewMarian(cfg, w, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(11))
	enc := beamExpand(t, randArray(r, groups, srcLen, cfg.EmbedDim), beams)
	padding := tensor.New(groups*beams, srcLen)
	for i := range padding.Data() {
		padding.Data()[i] = 1
	}
	for m := 0; m < beams; m++ {
		padding.Set(0, m, srcLen-1)
		padding.Set(0, m, srcLen-2)
	}
	mask, err := ExpandPaddingMask(padding, tgtLen)
	require.NoError(t, err)
	gate := tensor.FromSlice([]float32{1, 0.25, 0, 0.75}, cfg.NumHeads)
	hidden := randArray(r, groups*beams, tgtLen, cfg.EmbedDim)

	in := Input{Hidden: hidden, KeyValue: enc, Mask: mask, HeadMask: gate, OutputAttentions: true}
	got, err := beam.Forward(in)
	require.NoError(t, err)
	want, err := base.Forward(in)
	require.NoError(t, err)

	require.Equal(t, []int{groups * beams, tgtLen, cfg.EmbedDim}, got.Hidden.Shape())
	require.Equal(t, []int{groups * beams, cfg.NumHeads, tgtLen, srcLen}, got.Weights.Shape())
	assert.InDeltaSlice(t, want.Hidden.Data(), got.Hidden.Data(), 1e-5)
	assert.InDeltaSlice(t, want.Weights.Data(), got.Weights.Data(), 1e-6)

	// gated head is silent, padded source gets no weight
	for b := 0; b < groups*beams; b++ {
		for i := 0; i < tgtLen; i++ {
			for j := 0; j < srcLen; j++ {
				assert.Equal(t, float32(0), got.Weights.At(b, 2, i, j))
			}
		}
	}
	for i := 0; i < tgtLen; i++ {
		assert.Equal(t, float32(0), got.Weights.At(0, 0, i, srcLen-1))
	}
}

func TestIncompleteCache(t *testing.T) {
	cfg := testConfig(2)
	w := NewWeights(cfg)
	beam, err := NewBeamSearch(cfg, w, nil)
	require.NoError(t, err)
	base, err := NewMarian(cfg, w, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(12))
	hidden := randArray(r, 2, 1, cfg.EmbedDim)
	enc := randArray(r, 2, 4, cfg.EmbedDim)
	keyOnly := &KVCache{Key: tensor.New(1, 1, cfg.NumHeads, 4, cfg.HeadDim())}

	for _, layer := range []Layer{beam, base} {
		_, err := layer.Forward(Input{Hidden: hidden, Past: &KVCache{}})
		assert.ErrorIs(t, err, ErrIncompleteCache)

		_, err = layer.Forward(Input{Hidden: hidden, KeyValue: enc, Past: keyOnly})
		assert.ErrorIs(t, err, ErrIncompleteCache)
	}
}

func TestHeadMask(t *testing.T) {
	cfg := testConfig(1)
	layer, err := NewMarian(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(7))
	x := randArray(r, 1, 3, cfg.EmbedDim)

	gate := tensor.FromSlice([]float32{1, 0, 1, 0.5}, cfg.NumHeads)
	out, err := layer.Forward(Input{Hidden: x, HeadMask: gate, OutputAttentions: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		var h0, h1, h3 float32
		for j := 0; j < 3; j++ {
			h0 += out.Weights.At(0, 0, i, j)
			h1 += out.Weights.At(0, 1, i, j)
			h3 += out.Weights.At(0, 3, i, j)
		}
		assert.InDelta(t, 1.0, h0, 1e-5)
		assert.Equal(t, float32(0), h1)
		assert.InDelta(t, 0.5, h3, 1e-5)
	}

	_, err = layer.Forward(Input{Hidden: x, HeadMask: tensor.New(cfg.NumHeads + 1)})
	var se *tensor.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []int{cfg.NumHeads}, se.Expected)
}

func TestAttentionWeightsOnlyWhenRequested(t *testing.T) {
	const groups, beams = 1, 2
	cfg := testConfig(beams)
	layer, err := NewBeamSearch(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(8))
	enc := beamExpand(t, randArray(r, groups, 4, cfg.EmbedDim), beams)
	hidden := randArray(r, groups*beams, 2, cfg.EmbedDim)

	out, err := layer.Forward(Input{Hidden: hidden, KeyValue: enc, OutputAttentions: true})
	require.NoError(t, err)
	require.NotNil(t, out.Weights)
	assert.Equal(t, []int{groups * beams, cfg.NumHeads, 2, 4}, out.Weights.Shape())

	out, err = layer.Forward(Input{Hidden: hidden, KeyValue: enc})
	require.NoError(t, err)
	assert.Nil(t, out.Weights)
}

func TestInferenceIsDeterministic(t *testing.T) {
	cfg := testConfig(2)
	cfg.Dropout = 0.3
	layer, err := NewBeamSearch(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(9))
	enc := beamExpand(t, randArray(r, 2, 5, cfg.EmbedDim), 2)
	hidden := randArray(r, 4, 1, cfg.EmbedDim)
	in := Input{Hidden: hidden, KeyValue: enc}

	first, err := layer.Forward(in)
	require.NoError(t, err)
	second, err := layer.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, first.Hidden.Data(), second.Hidden.Data())

	layer.SetTraining(true)
	dropped, err := layer.Forward(in)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hidden.Data(), dropped.Hidden.Data())

	layer.SetTraining(false)
	third, err := layer.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, first.Hidden.Data(), third.Hidden.Data())
}

func TestContractViolations(t *testing.T) {
	cfg := testConfig(1)
	cfg.IsDecoder = false
	enc, err := NewBeamSearch(cfg, nil, nil)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(10))
	x := randArray(r, 2, 3, cfg.EmbedDim)

	_, err = enc.Forward(Input{Hidden: x, Past: &KVCache{Key: tensor.New(2, 4, 1, 4), Value: tensor.New(2, 4, 1, 4)}})
	assert.ErrorIs(t, err, ErrEncoderCache)

	_, err = enc.Forward(Input{Hidden: x, KeyValue: x})
	assert.ErrorIs(t, err, ErrCrossAttentionOnEncoder)

	dec, err := NewBeamSearch(testConfig(2), nil, nil)
	require.NoError(t, err)

	// three rows cannot be split into groups of two beams
	odd := randArray(r, 3, 1, cfg.EmbedDim)
	_, err = dec.Forward(Input{Hidden: odd, KeyValue: randArray(r, 3, 4, cfg.EmbedDim)})
	var se *tensor.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "beam-expanded batch", se.Op)
	assert.Equal(t, []int{3}, se.Actual)

	_, err = dec.Forward(Input{Hidden: randArray(r, 2, 1, 8)})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "hidden states", se.Op)

	// encoder output for one input cannot serve a batch of two
	_, err = dec.Forward(Input{Hidden: randArray(r, 2, 1, cfg.EmbedDim), KeyValue: randArray(r, 1, 4, cfg.EmbedDim)})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "key/value states", se.Op)
	assert.Equal(t, []int{2, -1, cfg.EmbedDim}, se.Expected)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultMarianConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.HeadDim())
	assert.InDelta(t, 0.125, cfg.Scaling(), 1e-7)

	cfg.NumHeads = 7
	assert.Error(t, cfg.Validate())

	cfg = DefaultMarianConfig()
	cfg.NumBeams = 0
	assert.Error(t, cfg.Validate())

	_, err := NewBeamSearch(cfg, nil, nil)
	assert.Error(t, err)
}

func TestMasks(t *testing.T) {
	causal := CausalMask(1, 3, 2)
	require.Equal(t, []int{1, 1, 3, 5}, causal.Shape())
	for tgt := 0; tgt < 3; tgt++ {
		for src := 0; src < 5; src++ {
			if src <= 2+tgt {
				assert.Equal(t, float32(0), causal.At(0, 0, tgt, src))
			} else {
				assert.Equal(t, maskValue, causal.At(0, 0, tgt, src))
			}
		}
	}

	pad, err := ExpandPaddingMask(tensor.FromSlice([]float32{1, 1, 0}, 1, 3), 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 3}, pad.Shape())
	assert.Equal(t, float32(0), pad.At(0, 0, 1, 1))
	assert.Equal(t, maskValue, pad.At(0, 0, 1, 2))

	_, err = ExpandPaddingMask(tensor.New(3), 1)
	assert.Error(t, err)
}
