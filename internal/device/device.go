package device

import "github.com/23skdu/longbow-fastseq/internal/tensor"

// Backend executes the dense kernels used by attention layers.
// All kernels validate operand shapes and report *tensor.ShapeError.
type Backend interface {
	Name() string

	// Linear computes x * weight^T + bias.
	// x is (N, in), weight is (out, in), bias is (out) or nil. Returns (N, out).
	Linear(x, weight, bias *tensor.Array) (*tensor.Array, error)

	// BatchMatMul multiplies matching slices of two rank-3 tensors.
	// a is (Bt, M, K); b is (Bt, K, N), or (Bt, N, K) when transB. Returns (Bt, M, N).
	BatchMatMul(a, b *tensor.Array, transB bool) (*tensor.Array, error)

	// BeamMatMul contracts a beam-expanded operand with a per-group operand.
	// a is (G, M, H, T, K); b is (G, 1, H, K, N), or (G, 1, H, N, K) when transB.
	// The single b row of group g is shared by all M beams. Returns (G, M, H, T, N).
	BeamMatMul(a, b *tensor.Array, transB bool) (*tensor.Array, error)

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(dims ...int) *tensor.Array

	// PutTensor returns a tensor to the pool. The caller must not keep views of it.
	PutTensor(t *tensor.Array)
}
