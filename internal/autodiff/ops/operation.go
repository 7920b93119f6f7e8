// Package ops defines the differentiable operations recorded on a gradient tape.
//
// Each operation keeps references to its inputs and output from the forward
// pass and turns an output gradient into one gradient per input:
//   - AddOp, SubOp, MulOp, MulScalarOp: element-wise arithmetic
//   - MatMulOp: d(A@B)/dA = grad@B^T, d(A@B)/dB = A^T@grad
//   - Conv2DOp, MaxPool2DOp: convolutional layers
//   - ReLUOp: gradient masked where the input was not positive
//   - ReshapeOp, TransposeOp: shape bookkeeping
//   - CrossEntropyOp: fused log-softmax and negative log-likelihood
package ops

import "github.com/born-ml/mnistrt/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// The returned slice is aligned with Inputs; a nil entry means no gradient.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
