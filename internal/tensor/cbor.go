package tensor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type wireArray struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data,omitempty"`
	Half  []uint16  `cbor:"f16,omitempty"`
}

// MarshalCBOR encodes the array as {shape, data}.
func (a *Array) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(wireArray{Shape: a.shape, Data: a.data})
}

// UnmarshalCBOR decodes an array written by MarshalCBOR or by Half.
// Half-precision payloads are widened back to float32.
func (a *Array) UnmarshalCBOR(b []byte) error {
	var w wireArray
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	if !validDims(w.Shape) {
		return fmt.Errorf("tensor: negative dimension in decoded shape %s", FormatShape(w.Shape))
	}
	if w.Half != nil {
		h, err := FromHalf(w.Half, w.Shape...)
		if err != nil {
			return err
		}
		*a = *h
		return nil
	}
	if len(w.Data) != numel(w.Shape) {
		return fmt.Errorf("tensor: decoded %d values for shape %s", len(w.Data), FormatShape(w.Shape))
	}
	if w.Data == nil {
		w.Data = []float32{}
	}
	a.shape = w.Shape
	a.data = w.Data
	return nil
}

// Half wraps an array so it encodes to CBOR as binary16 values.
type Half struct {
	*Array
}

// MarshalCBOR encodes the wrapped array as {shape, f16}.
func (h Half) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(wireArray{Shape: h.shape, Half: h.ToHalf()})
}
