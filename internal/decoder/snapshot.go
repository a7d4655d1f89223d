package decoder

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-fastseq/internal/attention"
	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// SnapshotOptions controls how Snapshot encodes cache tensors.
type SnapshotOptions struct {
	// Half stores values as IEEE 754 binary16.
	Half bool
}

// Snapshot is a decoded cache dump.
type Snapshot struct {
	Variant Variant              `cbor:"variant"`
	Steps   int                  `cbor:"steps"`
	Half    bool                 `cbor:"half"`
	Self    []*attention.KVCache `cbor:"self"`
	Cross   []*attention.KVCache `cbor:"cross"`
}

type wireCache struct {
	Key   any `cbor:"key"`
	Value any `cbor:"value"`
}

type wireSnapshot struct {
	Variant Variant      `cbor:"variant"`
	Steps   int          `cbor:"steps"`
	Half    bool         `cbor:"half"`
	Self    []*wireCache `cbor:"self"`
	Cross   []*wireCache `cbor:"cross"`
}

func encodeCache(c *attention.KVCache, half bool) *wireCache {
	if c == nil {
		return nil
	}
	if half {
		return &wireCache{Key: tensor.Half{Array: c.Key}, Value: tensor.Half{Array: c.Value}}
	}
	return &wireCache{Key: c.Key, Value: c.Value}
}

// Snapshot writes every cache of the session to w as one CBOR item.
func (s *Session) Snapshot(w io.Writer, opts SnapshotOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	ws := wireSnapshot{
		Variant: s.stack.variant,
		Steps:   s.steps,
		Half:    opts.Half,
		Self:    make([]*wireCache, len(s.self)),
		Cross:   make([]*wireCache, len(s.cross)),
	}
	for i := range s.self {
		ws.Self[i] = encodeCache(s.self[i], opts.Half)
		ws.Cross[i] = encodeCache(s.cross[i], opts.Half)
	}
	if err := cbor.NewEncoder(w).Encode(ws); err != nil {
		return fmt.Errorf("encode cache snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a dump written by Session.Snapshot. Half-precision
// dumps are widened back to float32.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode cache snapshot: %w", err)
	}
	if len(snap.Self) != len(snap.Cross) {
		return nil, fmt.Errorf("snapshot has %d self and %d cross layers", len(snap.Self), len(snap.Cross))
	}
	return &snap, nil
}
