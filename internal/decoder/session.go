package decoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-fastseq/internal/attention"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

var (
	// ErrCrossGroupReorder is returned when a reorder would move a beam's
	// history into another input's beam group. Cross-attention caches are
	// never reordered, so such a move would pair the history with the wrong
	// encoder output.
	ErrCrossGroupReorder = errors.New("decoder: beam index crosses its beam group")

	// ErrSessionClosed is returned by any call on a closed Session.
	ErrSessionClosed = errors.New("decoder: session closed")
)

var tracer = otel.Tracer("fastseq-decoder")

// Session holds the caches of one generation over a Stack. Caches are
// created by the first Step, grown (self) or reused (cross) by every
// following Step and dropped by Close.
type Session struct {
	stack      *Stack
	encoderOut *tensor.Array
	// encoderMask is the (batch, src) keep-mask, nil when nothing is padded.
	encoderMask *tensor.Array

	mu     sync.Mutex
	self   []*attention.KVCache
	cross  []*attention.KVCache
	steps  int
	closed bool
}

// NewSession starts a generation. encoderOut must already be beam expanded
// to (batch*num_beams, src, embed), see ExpandForBeams.
func NewSession(stack *Stack, encoderOut, encoderMask *tensor.Array) (*Session, error) {
	embed := stack.cfg.Attention.EmbedDim
	if encoderOut == nil || encoderOut.Rank() != 3 || encoderOut.Dim(2) != embed {
		var actual []int
		if encoderOut != nil {
			actual = encoderOut.Shape()
		}
		return nil, &tensor.ShapeError{Op: "encoder output", Expected: []int{-1, -1, embed}, Actual: actual}
	}
	bsz, srcLen := encoderOut.Dim(0), encoderOut.Dim(1)
	if beams := stack.NumBeams(); bsz%beams != 0 {
		return nil, fmt.Errorf("encoder batch %d is not a multiple of num_beams %d", bsz, beams)
	}
	if encoderMask != nil && !tensor.SameShape(encoderMask.Shape(), []int{bsz, srcLen}) {
		return nil, &tensor.ShapeError{Op: "encoder attention mask", Expected: []int{bsz, srcLen}, Actual: encoderMask.Shape()}
	}
	n := len(stack.blocks)
	return &Session{
		stack:       stack,
		encoderOut:  encoderOut,
		encoderMask: encoderMask,
		self:        make([]*attention.KVCache, n),
		cross:       make([]*attention.KVCache, n),
	}, nil
}

// Batch is the beam-expanded batch size.
func (s *Session) Batch() int {
	return s.encoderOut.Dim(0)
}

// Steps is the number of completed decode steps.
func (s *Session) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Step runs hidden (batch, tgt, embed) through every block and returns the
// new hidden state of the same shape. Each attention output is added to its
// input.
func (s *Session) Step(ctx context.Context, hidden *tensor.Array) (*tensor.Array, error) {
	ctx, span := tracer.Start(ctx, "decoder.Step")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bsz := s.Batch()
	if hidden == nil || hidden.Rank() != 3 || hidden.Dim(0) != bsz {
		var actual []int
		if hidden != nil {
			actual = hidden.Shape()
		}
		return nil, &tensor.ShapeError{Op: "decoder input", Expected: []int{bsz, -1, s.stack.cfg.Attention.EmbedDim}, Actual: actual}
	}
	tgtLen := hidden.Dim(1)
	pastLen := s.self[0].SeqLen()

	span.SetAttributes(
		attribute.String("variant", string(s.stack.variant)),
		attribute.Int("step", s.steps),
		attribute.Int("batch", bsz),
		attribute.Int("past_len", pastLen),
	)
	start := time.Now()

	var selfMask, crossMask *tensor.Array
	if tgtLen > 1 {
		selfMask = attention.CausalMask(bsz, tgtLen, pastLen)
	}
	if s.encoderMask != nil {
		m, err := attention.ExpandPaddingMask(s.encoderMask, tgtLen)
		if err != nil {
			return nil, err
		}
		crossMask = m
	}

	self := make([]*attention.KVCache, len(s.self))
	cross := make([]*attention.KVCache, len(s.cross))
	h := hidden
	for i, block := range s.stack.blocks {
		out, err := block.Self.Forward(attention.Input{Hidden: h, Past: s.self[i], Mask: selfMask})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "self-attention failed")
			return nil, fmt.Errorf("layer %d self-attention: %w", i, err)
		}
		if h, err = residual(h, out.Hidden); err != nil {
			return nil, err
		}
		self[i] = out.Cache

		out, err = block.Cross.Forward(attention.Input{Hidden: h, KeyValue: s.encoderOut, Past: s.cross[i], Mask: crossMask})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cross-attention failed")
			return nil, fmt.Errorf("layer %d cross-attention: %w", i, err)
		}
		if h, err = residual(h, out.Hidden); err != nil {
			return nil, err
		}
		cross[i] = out.Cache
	}

	// commit only after every layer succeeded
	s.self, s.cross = self, cross
	s.steps++

	size := s.cacheBytes()
	stepDuration.WithLabelValues(string(s.stack.variant)).Observe(time.Since(start).Seconds())
	sessionCacheBytes.WithLabelValues(string(s.stack.variant)).Set(float64(size))
	span.SetAttributes(attribute.Int("cache_bytes", size))
	return h, nil
}

func residual(in, delta *tensor.Array) (*tensor.Array, error) {
	if err := delta.AddInPlace(in); err != nil {
		return nil, fmt.Errorf("residual: %w", err)
	}
	return delta, nil
}

// ReorderCache gathers the self-attention caches along the batch axis so
// row i continues the history of row beamIdx[i]. Cross-attention caches are
// left untouched; every index must stay inside its own beam group.
func (s *Session) ReorderCache(beamIdx []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	bsz, beams := s.Batch(), s.stack.NumBeams()
	if len(beamIdx) != bsz {
		return &tensor.ShapeError{Op: "beam index", Expected: []int{bsz}, Actual: []int{len(beamIdx)}}
	}
	for i, src := range beamIdx {
		if src < 0 || src >= bsz {
			return fmt.Errorf("beam index %d out of range [0, %d)", src, bsz)
		}
		if src/beams != i/beams {
			reorderRejected.WithLabelValues(string(s.stack.variant)).Inc()
			return fmt.Errorf("%w: row %d (group %d) takes row %d (group %d)", ErrCrossGroupReorder, i, i/beams, src, src/beams)
		}
	}

	reordered := make([]*attention.KVCache, len(s.self))
	for i, c := range s.self {
		if c == nil {
			continue
		}
		key, err := c.Key.IndexSelect(beamIdx)
		if err != nil {
			return err
		}
		value, err := c.Value.IndexSelect(beamIdx)
		if err != nil {
			return err
		}
		reordered[i] = &attention.KVCache{Key: key, Value: value}
	}
	s.self = reordered
	return nil
}

// SelfCache returns the self-attention cache of one layer, nil before the
// first step.
func (s *Session) SelfCache(layer int) *attention.KVCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self[layer]
}

// CrossCache returns the cross-attention cache of one layer, nil before the
// first step.
func (s *Session) CrossCache(layer int) *attention.KVCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cross[layer]
}

// CacheBytes is the float32 footprint of every cache the session holds.
func (s *Session) CacheBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheBytes()
}

func (s *Session) cacheBytes() int {
	n := 0
	for i := range s.self {
		n += s.self[i].Bytes() + s.cross[i].Bytes()
	}
	return n
}

// Close drops every cache. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	log.Debug().
		Str("variant", string(s.stack.variant)).
		Int("steps", s.steps).
		Int("cache_bytes", s.cacheBytes()).
		Msg("Closing decode session")
	s.self, s.cross = make([]*attention.KVCache, len(s.self)), make([]*attention.KVCache, len(s.cross))
	s.closed = true
	return nil
}
