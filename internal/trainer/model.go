package trainer

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/mnistrt/internal/dataset"
	"github.com/born-ml/mnistrt/internal/nn"
	"github.com/born-ml/mnistrt/internal/tensor"
	"github.com/born-ml/mnistrt/internal/weights"
)

// Net is the digit classifier:
//
//	Input: [batch, 1, 28, 28]
//	Conv1: 1 → 20 channels, 5x5 -> [batch, 20, 24, 24]
//	MaxPool: 2x2 -> [batch, 20, 12, 12]
//	Conv2: 20 → 50 channels, 5x5 -> [batch, 50, 8, 8]
//	MaxPool: 2x2 -> [batch, 50, 4, 4]
//	Flatten -> [batch, 800]
//	FC1: 800 → 500
//	ReLU
//	FC2: 500 → 10 (logits)
type Net[B tensor.Backend] struct {
	conv1   *nn.Conv2D[B]
	pool1   *nn.MaxPool2D[B]
	conv2   *nn.Conv2D[B]
	pool2   *nn.MaxPool2D[B]
	flatten *nn.Flatten[B]
	fc1     *nn.Linear[B]
	relu    *nn.ReLU[B]
	fc2     *nn.Linear[B]
}

// NewNet creates a freshly initialized Net.
func NewNet[B tensor.Backend](rng *rand.Rand, backend B) *Net[B] {
	return &Net[B]{
		conv1:   nn.NewConv2D(1, 20, 5, 1, 0, rng, backend),
		pool1:   nn.NewMaxPool2D(2, 2, backend),
		conv2:   nn.NewConv2D(20, 50, 5, 1, 0, rng, backend),
		pool2:   nn.NewMaxPool2D(2, 2, backend),
		flatten: nn.NewFlatten[B](),
		fc1:     nn.NewLinear(50*4*4, 500, rng, backend),
		relu:    nn.NewReLU[B](),
		fc2:     nn.NewLinear(500, dataset.NumClasses, rng, backend),
	}
}

// Forward maps [batch, 1, 28, 28] (or [batch, 784]) images to [batch, 10]
// logits.
func (m *Net[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	switch shape := input.Shape(); len(shape) {
	case 2:
		input = input.Reshape(shape[0], 1, dataset.ImageSize, dataset.ImageSize)
	case 4:
	default:
		panic(fmt.Sprintf("net: expected [batch, 784] or [batch, 1, 28, 28] input, got %v", shape))
	}

	x := m.pool1.Forward(m.conv1.Forward(input))
	x = m.pool2.Forward(m.conv2.Forward(x))
	x = m.flatten.Forward(x)
	x = m.relu.Forward(m.fc1.Forward(x))
	return m.fc2.Forward(x)
}

// Parameters returns all trainable parameters.
func (m *Net[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 8)
	params = append(params, m.conv1.Parameters()...)
	params = append(params, m.conv2.Parameters()...)
	params = append(params, m.fc1.Parameters()...)
	params = append(params, m.fc2.Parameters()...)
	return params
}

// Weights copies the current parameters into a weight set keyed by layer
// name. Later training steps do not affect the returned tensors.
func (m *Net[B]) Weights() weights.Set {
	pair := func(w, b *nn.Parameter[B]) weights.Pair {
		return weights.Pair{
			Kernel: w.Tensor().Raw().DeepCopy(),
			Bias:   b.Tensor().Raw().DeepCopy(),
		}
	}
	return weights.Set{
		"conv1": pair(m.conv1.Weight(), m.conv1.Bias()),
		"conv2": pair(m.conv2.Weight(), m.conv2.Bias()),
		"fc1":   pair(m.fc1.Weight(), m.fc1.Bias()),
		"fc2":   pair(m.fc2.Weight(), m.fc2.Bias()),
	}
}

func (m *Net[B]) String() string {
	return fmt.Sprintf("Net(\n  %s\n  %s\n  %s\n  %s\n  Flatten()\n  %s\n  ReLU()\n  %s\n)",
		m.conv1, m.pool1, m.conv2, m.pool2, m.fc1, m.fc2)
}
