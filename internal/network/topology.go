package network

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/tensor"
	"github.com/born-ml/mnistrt/internal/weights"
)

// Binding names and shapes of the digit classifier.
const (
	InputName  = "data"
	OutputName = "prob"
	OutputSize = 10
)

// InputShape is the shape of the InputName binding.
var InputShape = tensor.Shape{1, 1, 28, 28}

// LayerSpec is one step of an explicit topology.
type LayerSpec struct {
	Kind       LayerKind
	Name       string
	WeightKey  string // weight set key; empty for weightless layers
	Outputs    int
	Kernel     DimsHW
	Stride     DimsHW
	Window     DimsHW
	Activation ActivationType
}

// Topology is the fixed digit classifier graph. It must stay in step with
// trainer.Net.
var Topology = []LayerSpec{
	{Kind: LayerConvolution, Name: "conv1", WeightKey: "conv1", Outputs: 20, Kernel: DimsHW{5, 5}, Stride: DimsHW{1, 1}},
	{Kind: LayerPooling, Name: "pool1", Window: DimsHW{2, 2}, Stride: DimsHW{2, 2}},
	{Kind: LayerConvolution, Name: "conv2", WeightKey: "conv2", Outputs: 50, Kernel: DimsHW{5, 5}, Stride: DimsHW{1, 1}},
	{Kind: LayerPooling, Name: "pool2", Window: DimsHW{2, 2}, Stride: DimsHW{2, 2}},
	{Kind: LayerFullyConnected, Name: "fc1", WeightKey: "fc1", Outputs: 500},
	{Kind: LayerActivation, Name: "relu1", Activation: ActivationReLU},
	{Kind: LayerFullyConnected, Name: "fc2", WeightKey: "fc2", Outputs: OutputSize},
}

// WeightSpecs derives the kernel and bias shape every weighted layer of
// topology expects, given the network input shape.
func WeightSpecs(topology []LayerSpec, input tensor.Shape) ([]weights.Spec, error) {
	var specs []weights.Spec
	shape := input.Clone()
	for _, ls := range topology {
		switch ls.Kind {
		case LayerConvolution:
			if len(shape) != 4 {
				return nil, fmt.Errorf("%w: %s needs a 4D input, got %v", ErrInvalidGraph, ls.Name, shape)
			}
			specs = append(specs, weights.Spec{
				Name:   ls.WeightKey,
				Kernel: tensor.Shape{ls.Outputs, shape[1], ls.Kernel.H, ls.Kernel.W},
				Bias:   tensor.Shape{ls.Outputs},
			})
			h, w, err := window(shape, ls.Kernel, ls.Stride, DimsHW{})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ls.Name, err)
			}
			shape = tensor.Shape{shape[0], ls.Outputs, h, w}
		case LayerPooling:
			if len(shape) != 4 {
				return nil, fmt.Errorf("%w: %s needs a 4D input, got %v", ErrInvalidGraph, ls.Name, shape)
			}
			h, w, err := window(shape, ls.Window, ls.Stride, DimsHW{})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ls.Name, err)
			}
			shape = tensor.Shape{shape[0], shape[1], h, w}
		case LayerFullyConnected:
			specs = append(specs, weights.Spec{
				Name:   ls.WeightKey,
				Kernel: tensor.Shape{ls.Outputs, shape[1:].NumElements()},
				Bias:   tensor.Shape{ls.Outputs},
			})
			shape = tensor.Shape{shape[0], ls.Outputs}
		case LayerActivation:
		default:
			return nil, fmt.Errorf("%w: unknown layer kind %s", ErrInvalidGraph, ls.Kind)
		}
	}
	return specs, nil
}

// Populate builds the digit classifier from ws.
func Populate(ws weights.Set) (*Network, error) {
	return Build(Topology, ws)
}

// Build validates ws against topology and then emits the network in
// topology order: input InputName, output OutputName.
func Build(topology []LayerSpec, ws weights.Set) (*Network, error) {
	specs, err := WeightSpecs(topology, InputShape)
	if err != nil {
		return nil, err
	}
	if err := ws.Validate(specs); err != nil {
		return nil, err
	}

	n := New()
	x, err := n.AddInput(InputName, tensor.Float32, InputShape)
	if err != nil {
		return nil, err
	}

	for _, ls := range topology {
		var l *Layer
		pair := ws[ls.WeightKey]
		switch ls.Kind {
		case LayerConvolution:
			l, err = n.AddConvolution(x, ls.Outputs, ls.Kernel, pair.Kernel, pair.Bias)
			if err == nil {
				l.SetStride(ls.Stride)
			}
		case LayerPooling:
			l, err = n.AddPooling(x, PoolingMax, ls.Window)
			if err == nil {
				l.SetStride(ls.Stride)
			}
		case LayerFullyConnected:
			l, err = n.AddFullyConnected(x, ls.Outputs, pair.Kernel, pair.Bias)
		case LayerActivation:
			l, err = n.AddActivation(x, ls.Activation)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ls.Name, err)
		}
		l.SetName(ls.Name)
		x = l.Output(0)
		x.SetName(ls.Name)
	}

	x.SetName(OutputName)
	if err := n.MarkOutput(x); err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}
