// Package bench runs synthetic beam-search decodes through the baseline and
// beam-aware attention stacks and compares latency, cache footprint and
// output drift step by step.
package bench

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-fastseq/internal/decoder"
	"github.com/23skdu/longbow-fastseq/internal/device"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// Options configures one benchmark run.
type Options struct {
	Decoder decoder.Config
	// Groups is the number of inputs before beam expansion.
	Groups int
	SrcLen int
	Steps  int
	// PadLast masks this many trailing source tokens of the last input.
	PadLast int
	Seed    int64
	// Variants run concurrently; the first one is the reference for MaxAbsDiff.
	Variants []decoder.Variant

	// Weights supplies the shared weights; nil builds fresh seeded ones.
	Weights WeightSource

	// Snapshot, when set, receives a CBOR dump of the caches of the last
	// variant after the final step.
	Snapshot     io.Writer
	SnapshotHalf bool
}

// WeightSource hands out decoder weights for a configuration.
type WeightSource interface {
	Weights(cfg decoder.Config) []decoder.LayerWeights
}

// DefaultOptions decodes 16 steps of 4 inputs with 4 beams through the
// default Marian decoder.
func DefaultOptions() Options {
	cfg := decoder.DefaultConfig()
	cfg.Attention.NumBeams = 4
	return Options{
		Decoder:  cfg,
		Groups:   4,
		SrcLen:   32,
		Steps:    16,
		Seed:     42,
		Variants: []decoder.Variant{decoder.VariantMarian, decoder.VariantBeam},
	}
}

func (o Options) Validate() error {
	if o.Groups < 1 || o.SrcLen < 1 || o.Steps < 1 {
		return fmt.Errorf("groups (%d), src_len (%d) and steps (%d) must be positive", o.Groups, o.SrcLen, o.Steps)
	}
	if o.PadLast < 0 || o.PadLast >= o.SrcLen {
		return fmt.Errorf("pad_last %d out of range [0, %d)", o.PadLast, o.SrcLen)
	}
	if len(o.Variants) == 0 {
		return fmt.Errorf("no variants to run")
	}
	return o.Decoder.Validate()
}

// StepStat is the measurement of one decode step of one variant.
type StepStat struct {
	Step       int
	Variant    decoder.Variant
	Duration   time.Duration
	CacheBytes int
	// MaxAbsDiff is the largest difference to the reference variant's output
	// at the same step; zero for the reference itself.
	MaxAbsDiff float32
}

// Result holds every step measurement in variant order.
type Result struct {
	Options Options
	Stats   []StepStat
}

// inputs is the shared synthetic workload of a run.
type inputs struct {
	encoder  *tensor.Array
	mask     *tensor.Array
	hidden   []*tensor.Array
	reorders [][]int
}

func newInputs(o Options) (*inputs, error) {
	r := rand.New(rand.NewSource(o.Seed))
	embed, beams := o.Decoder.Attention.EmbedDim, o.Decoder.Attention.NumBeams
	bsz := o.Groups * beams

	enc, err := decoder.ExpandForBeams(normal(r, o.Groups, o.SrcLen, embed), beams)
	if err != nil {
		return nil, err
	}
	in := &inputs{encoder: enc}

	if o.PadLast > 0 {
		in.mask = tensor.New(bsz, o.SrcLen)
		data := in.mask.Data()
		for i := range data {
			data[i] = 1
		}
		for row := bsz - beams; row < bsz; row++ {
			for s := o.SrcLen - o.PadLast; s < o.SrcLen; s++ {
				in.mask.Set(0, row, s)
			}
		}
	}

	for step := 0; step < o.Steps; step++ {
		in.hidden = append(in.hidden, normal(r, bsz, 1, embed))
		idx := make([]int, bsz)
		for i := range idx {
			// beam search keeps every survivor inside its own group
			idx[i] = (i/beams)*beams + r.Intn(beams)
		}
		in.reorders = append(in.reorders, idx)
	}
	return in, nil
}

func normal(r *rand.Rand, dims ...int) *tensor.Array {
	a := tensor.New(dims...)
	for i := range a.Data() {
		a.Data()[i] = float32(r.NormFloat64())
	}
	return a
}

type trace struct {
	stats   []StepStat
	outputs []*tensor.Array
}

// Run decodes the same workload with every variant concurrently. All
// variants share one set of weights.
func Run(ctx context.Context, o Options) (*Result, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	in, err := newInputs(o)
	if err != nil {
		return nil, err
	}
	var weights []decoder.LayerWeights
	if o.Weights != nil {
		weights = o.Weights.Weights(o.Decoder)
	} else {
		weights = decoder.NewLayerWeights(o.Decoder)
	}

	log.Info().
		Int("layers", o.Decoder.NumLayers).
		Int("embed_dim", o.Decoder.Attention.EmbedDim).
		Int("num_beams", o.Decoder.Attention.NumBeams).
		Int("groups", o.Groups).
		Int("steps", o.Steps).
		Msg("Starting beam decode benchmark")

	traces := make([]trace, len(o.Variants))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range o.Variants {
		last := i == len(o.Variants)-1
		g.Go(func() error {
			t, err := runVariant(ctx, o, v, weights, in, last)
			if err != nil {
				return fmt.Errorf("%s: %w", v, err)
			}
			traces[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Options: o}
	for i := range traces {
		for step, st := range traces[i].stats {
			if i > 0 {
				d, err := tensor.MaxAbsDiff(traces[0].outputs[step], traces[i].outputs[step])
				if err != nil {
					return nil, err
				}
				st.MaxAbsDiff = d
			}
			res.Stats = append(res.Stats, st)
		}
	}
	return res, nil
}

func runVariant(ctx context.Context, o Options, v decoder.Variant, weights []decoder.LayerWeights, in *inputs, snapshot bool) (trace, error) {
	stack, err := decoder.NewStack(o.Decoder, v, device.NewCPUBackend(), weights)
	if err != nil {
		return trace{}, err
	}
	sess, err := decoder.NewSession(stack, in.encoder, in.mask)
	if err != nil {
		return trace{}, err
	}
	defer sess.Close()

	var t trace
	for step := 0; step < o.Steps; step++ {
		start := time.Now()
		out, err := sess.Step(ctx, in.hidden[step])
		if err != nil {
			return trace{}, fmt.Errorf("step %d: %w", step, err)
		}
		elapsed := time.Since(start)
		if err := sess.ReorderCache(in.reorders[step]); err != nil {
			return trace{}, fmt.Errorf("step %d reorder: %w", step, err)
		}
		st := StepStat{Step: step, Variant: v, Duration: elapsed, CacheBytes: sess.CacheBytes()}
		t.stats = append(t.stats, st)
		t.outputs = append(t.outputs, out)

		log.Debug().
			Str("variant", string(v)).
			Int("step", step).
			Dur("elapsed", elapsed).
			Int("cache_bytes", st.CacheBytes).
			Msg("Decode step")
	}

	if snapshot && o.Snapshot != nil {
		if err := sess.Snapshot(o.Snapshot, decoder.SnapshotOptions{Half: o.SnapshotHalf}); err != nil {
			return trace{}, err
		}
	}
	return t, nil
}
