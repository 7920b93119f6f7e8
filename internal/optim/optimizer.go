// Package optim implements the parameter update rules used by the trainer.
package optim

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/nn"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Optimizer updates parameters from a gradient map produced by
// GradientTape.Backward.
type Optimizer interface {
	// Step applies one update. Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears the gradients stored on the parameters.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32
}

// New returns the optimizer registered under name ("sgd" or "adam").
func New[B tensor.Backend](name string, params []*nn.Parameter[B], lr, momentum float32, backend B) (Optimizer, error) {
	switch name {
	case "", "sgd":
		return NewSGD(params, SGDConfig{LR: lr, Momentum: momentum}, backend), nil
	case "adam":
		return NewAdam(params, AdamConfig{LR: lr}, backend), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	grad := grads[param.Tensor().Raw()]
	if grad != nil && !grad.Shape().Equal(param.Tensor().Shape()) {
		panic(fmt.Sprintf("optim: gradient shape %v != parameter shape %v", grad.Shape(), param.Tensor().Shape()))
	}
	return grad
}
