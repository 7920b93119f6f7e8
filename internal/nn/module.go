// Package nn implements the neural network modules used by the digit
// classifier:
//   - Module interface and Parameter
//   - Conv2D, MaxPool2D, Linear
//   - ReLU and Flatten
//   - CrossEntropyLoss and Accuracy
//   - Sequential container
package nn

import (
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Module is the base interface for all neural network components.
//
//	model := nn.NewSequential[Backend](
//	    nn.NewFlatten[Backend](),
//	    nn.NewLinear(784, 128, rng, backend),
//	    nn.NewReLU[Backend](),
//	)
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module, or an
	// empty slice for stateless modules.
	Parameters() []*Parameter[B]
}

// Parameter is a trainable tensor with an optional gradient.
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
	grad   *tensor.Tensor[float32, B]
}

// NewParameter creates a parameter; the gradient is set after a backward pass.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{name: name, tensor: t}
}

// Name returns the parameter name ("weight" or "bias").
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Grad returns the gradient, or nil before the first backward pass.
func (p *Parameter[B]) Grad() *tensor.Tensor[float32, B] {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter[B]) SetGrad(grad *tensor.Tensor[float32, B]) {
	p.grad = grad
}

// ZeroGrad clears the gradient.
func (p *Parameter[B]) ZeroGrad() {
	p.grad = nil
}
