package tensor

import (
	"fmt"
	"math"
)

// Permute returns a contiguous copy with axes reordered so that output
// axis i is input axis perm[i].
func (a *Array) Permute(perm ...int) (*Array, error) {
	if len(perm) != len(a.shape) {
		return nil, fmt.Errorf("permute: %d axes for rank %d", len(perm), len(a.shape))
	}
	seen := make([]bool, len(perm))
	outDims := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("permute: invalid permutation %v", perm)
		}
		seen[p] = true
		outDims[i] = a.shape[p]
	}

	inStrides := strides(a.shape)
	srcStride := make([]int, len(perm))
	for i, p := range perm {
		srcStride[i] = inStrides[p]
	}

	out := New(outDims...)
	if len(out.data) == 0 {
		return out, nil
	}
	idx := make([]int, len(outDims))
	src := 0
	last := len(outDims) - 1
	for dst := range out.data {
		out.data[dst] = a.data[src]
		// odometer increment over output indices
		for ax := last; ax >= 0; ax-- {
			idx[ax]++
			src += srcStride[ax]
			if idx[ax] < outDims[ax] {
				break
			}
			src -= srcStride[ax] * idx[ax]
			idx[ax] = 0
		}
	}
	return out, nil
}

// Transpose swaps two axes.
func (a *Array) Transpose(x, y int) (*Array, error) {
	perm := make([]int, len(a.shape))
	for i := range perm {
		perm[i] = i
	}
	if x < 0 {
		x += len(perm)
	}
	if y < 0 {
		y += len(perm)
	}
	if x < 0 || x >= len(perm) || y < 0 || y >= len(perm) {
		return nil, fmt.Errorf("transpose: axes (%d, %d) out of range for rank %d", x, y, len(perm))
	}
	perm[x], perm[y] = perm[y], perm[x]
	return a.Permute(perm...)
}

// Narrow copies the range [start, end) of one axis.
func (a *Array) Narrow(axis, start, end int) (*Array, error) {
	if axis < 0 {
		axis += len(a.shape)
	}
	if axis < 0 || axis >= len(a.shape) || start < 0 || end > a.shape[axis] || start > end {
		return nil, fmt.Errorf("narrow: range [%d, %d) on axis %d invalid for shape %s", start, end, axis, FormatShape(a.shape))
	}
	outer := numel(a.shape[:axis])
	inner := numel(a.shape[axis+1:])
	span := end - start

	dims := a.Shape()
	dims[axis] = span
	out := New(dims...)
	for o := 0; o < outer; o++ {
		src := (o*a.shape[axis] + start) * inner
		copy(out.data[o*span*inner:(o+1)*span*inner], a.data[src:src+span*inner])
	}
	return out, nil
}

// Concat joins a and b along axis. All other axes must agree.
func Concat(axis int, a, b *Array) (*Array, error) {
	if a.Rank() != b.Rank() {
		return nil, &ShapeError{Op: "concatenated tensor", Expected: a.Shape(), Actual: b.Shape()}
	}
	if axis < 0 {
		axis += a.Rank()
	}
	for i := range a.shape {
		if i != axis && a.shape[i] != b.shape[i] {
			want := b.Shape()
			want[i] = a.shape[i]
			return nil, &ShapeError{Op: "concatenated tensor", Expected: want, Actual: b.Shape()}
		}
	}
	outer := numel(a.shape[:axis])
	inner := numel(a.shape[axis+1:])
	ca := a.shape[axis] * inner
	cb := b.shape[axis] * inner

	dims := a.Shape()
	dims[axis] = a.shape[axis] + b.shape[axis]
	out := New(dims...)
	for o := 0; o < outer; o++ {
		dst := out.data[o*(ca+cb):]
		copy(dst[:ca], a.data[o*ca:(o+1)*ca])
		copy(dst[ca:ca+cb], b.data[o*cb:(o+1)*cb])
	}
	return out, nil
}

// IndexSelect gathers rows of axis 0 in the order given by indices.
func (a *Array) IndexSelect(indices []int) (*Array, error) {
	if a.Rank() == 0 {
		return nil, fmt.Errorf("index select on scalar")
	}
	row := numel(a.shape[1:])
	dims := a.Shape()
	dims[0] = len(indices)
	out := New(dims...)
	for i, idx := range indices {
		if idx < 0 || idx >= a.shape[0] {
			return nil, fmt.Errorf("index select: index %d out of range [0, %d)", idx, a.shape[0])
		}
		copy(out.data[i*row:(i+1)*row], a.data[idx*row:(idx+1)*row])
	}
	return out, nil
}

// RepeatInterleave repeats every row of axis 0 n times in place order.
func (a *Array) RepeatInterleave(n int) (*Array, error) {
	if n < 1 {
		return nil, fmt.Errorf("repeat interleave: count %d < 1", n)
	}
	indices := make([]int, 0, a.shape[0]*n)
	for i := 0; i < a.shape[0]; i++ {
		for j := 0; j < n; j++ {
			indices = append(indices, i)
		}
	}
	return a.IndexSelect(indices)
}

// AddInPlace performs a += b for arrays of identical shape.
func (a *Array) AddInPlace(b *Array) error {
	if !SameShape(a.shape, b.shape) {
		return &ShapeError{Op: "addend", Expected: a.Shape(), Actual: b.Shape()}
	}
	for i, v := range b.data {
		a.data[i] += v
	}
	return nil
}

// MaxAbsDiff returns the largest element-wise difference between a and b.
func MaxAbsDiff(a, b *Array) (float32, error) {
	if !SameShape(a.shape, b.shape) {
		return 0, &ShapeError{Op: "compared tensor", Expected: a.Shape(), Actual: b.Shape()}
	}
	var m float64
	for i := range a.data {
		d := math.Abs(float64(a.data[i] - b.data[i]))
		if d > m {
			m = d
		}
	}
	return float32(m), nil
}
