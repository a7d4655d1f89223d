package tensor

import (
	"fmt"
	"strings"
)

// ShapeError reports a tensor whose shape does not match what an operation
// required. Expected and Actual are printed in (a, b, c) form.
type ShapeError struct {
	Op       string
	Expected []int
	Actual   []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s should be of size %s, but is %s", e.Op, FormatShape(e.Expected), FormatShape(e.Actual))
}

// FormatShape renders dims as (a, b, c). A single dim renders as (a,).
func FormatShape(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// SameShape reports whether two dimension lists are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// validDims reports whether every dimension is non-negative.
func validDims(dims []int) bool {
	for _, d := range dims {
		if d < 0 {
			return false
		}
	}
	return true
}

func numel(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// inferShape resolves a single -1 entry against the element count n.
func inferShape(n int, dims []int) ([]int, bool) {
	out := make([]int, len(dims))
	copy(out, dims)
	infer := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, false
			}
			infer = i
		case d < 0:
			return nil, false
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, false
		}
		out[infer] = n / known
	}
	return out, numel(out) == n
}
