package attention

import "errors"

var (
	// ErrEncoderCache is returned when an encoder (bi-directional) layer
	// receives a past key/value cache.
	ErrEncoderCache = errors.New("attention: encoder self-attention does not accept a key/value cache")

	// ErrCrossAttentionOnEncoder is returned when key/value states are passed
	// to a layer that was not built as a decoder layer.
	ErrCrossAttentionOnEncoder = errors.New("attention: cross-attention requires a decoder layer")

	// ErrIncompleteCache is returned when a past cache lacks its key or value.
	ErrIncompleteCache = errors.New("attention: past key/value cache is missing key or value")
)
