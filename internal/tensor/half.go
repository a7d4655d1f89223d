package tensor

import "math"

const (
	maxHalf       = 65504.0
	minNormalHalf = 6.10351562e-5
)

// Float32ToFloat16 converts f to IEEE 754 binary16 bits. Values beyond the
// half range saturate to ±65504 and subnormal results flush to signed zero,
// so finite inputs never become Inf or NaN.
func Float32ToFloat16(f float32) uint16 {
	switch {
	case f != f:
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000

	abs := math.Abs(float64(f))
	if abs > maxHalf {
		return sign | 0x7BFF
	}
	if abs < minNormalHalf {
		return sign
	}

	exp := int(bits>>23&0xFF) - 127 + 15
	if exp <= 0 {
		return sign
	}
	if exp >= 0x1F {
		return sign | 0x7BFF
	}
	return sign | uint16(exp)<<10 | uint16(bits>>13&0x3FF)
}

// Float16ToFloat32 expands binary16 bits. Subnormals decode to zero.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h&0x3FF) << 13

	switch exp {
	case 0:
		return math.Float32frombits(sign)
	case 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | frac)
	}
	return math.Float32frombits(sign | (exp-15+127)<<23 | frac)
}

// ToHalf converts the array data to binary16 bit patterns.
func (a *Array) ToHalf() []uint16 {
	out := make([]uint16, len(a.data))
	for i, v := range a.data {
		out[i] = Float32ToFloat16(v)
	}
	return out
}

// FromHalf builds an array from binary16 bit patterns.
func FromHalf(bits []uint16, dims ...int) (*Array, error) {
	if !validDims(dims) || len(bits) != numel(dims) {
		return nil, &ShapeError{Op: "half-precision data", Expected: dims, Actual: []int{len(bits)}}
	}
	a := New(dims...)
	for i, h := range bits {
		a.data[i] = Float16ToFloat32(h)
	}
	return a, nil
}
