package tensor

import "fmt"

// Array is a dense row-major float32 tensor of any rank.
// Reshape returns views that share data; every other operation copies.
type Array struct {
	shape []int
	data  []float32
}

// New creates a zero-filled array.
func New(dims ...int) *Array {
	for _, d := range dims {
		if d < 0 {
			panic(fmt.Sprintf("tensor.New: negative dimension in %v", dims))
		}
	}
	return &Array{
		shape: append([]int(nil), dims...),
		data:  make([]float32, numel(dims)),
	}
}

// FromSlice copies data into a new array of the given shape.
func FromSlice(data []float32, dims ...int) *Array {
	if len(data) != numel(dims) {
		panic(fmt.Sprintf("tensor.FromSlice: data length %d != shape numel %d", len(data), numel(dims)))
	}
	a := New(dims...)
	copy(a.data, data)
	return a
}

// Wrap builds an array over data without copying.
func Wrap(data []float32, dims ...int) (*Array, error) {
	if !validDims(dims) || len(data) != numel(dims) {
		return nil, &ShapeError{Op: "wrapped data", Expected: dims, Actual: []int{len(data)}}
	}
	return &Array{shape: append([]int(nil), dims...), data: data}, nil
}

// Shape returns a copy of the dimensions.
func (a *Array) Shape() []int {
	return append([]int(nil), a.shape...)
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int {
	return len(a.shape)
}

// Dim returns the size of axis i. Negative i counts from the end.
func (a *Array) Dim(i int) int {
	if i < 0 {
		i += len(a.shape)
	}
	return a.shape[i]
}

// Numel returns the element count.
func (a *Array) Numel() int {
	return len(a.data)
}

// Data returns the backing slice.
func (a *Array) Data() []float32 {
	return a.data
}

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(a.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= a.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, a.shape))
		}
		off = off*a.shape[i] + x
	}
	return off
}

// At returns the element at idx.
func (a *Array) At(idx ...int) float32 {
	return a.data[a.offset(idx)]
}

// Set stores v at idx.
func (a *Array) Set(v float32, idx ...int) {
	a.data[a.offset(idx)] = v
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return FromSlice(a.data, a.shape...)
}

// Reshape returns a view with new dimensions. A single -1 is inferred.
func (a *Array) Reshape(dims ...int) (*Array, error) {
	out, ok := inferShape(len(a.data), dims)
	if !ok {
		return nil, &ShapeError{Op: "reshape target", Expected: dims, Actual: a.Shape()}
	}
	return &Array{shape: out, data: a.data}, nil
}

// MustReshape is Reshape for shapes the caller has already checked.
func (a *Array) MustReshape(dims ...int) *Array {
	r, err := a.Reshape(dims...)
	if err != nil {
		panic(err)
	}
	return r
}

// String prints the shape only; data can be large.
func (a *Array) String() string {
	return fmt.Sprintf("Array%s", FormatShape(a.shape))
}
