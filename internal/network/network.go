// Package network describes an inference graph layer by layer, in the style
// of the TensorRT network definition API. Shapes are inferred as layers are
// added and re-inferred when a layer's stride or padding changes.
package network

import (
	"errors"
	"fmt"

	"github.com/born-ml/mnistrt/internal/tensor"
	"github.com/born-ml/mnistrt/internal/weights"
)

// Network errors. The weight errors are shared with the weights package so
// that errors.Is works across both.
var (
	ErrMissingWeight = weights.ErrMissingWeight
	ErrShapeMismatch = weights.ErrShapeMismatch
	ErrInvalidGraph  = errors.New("invalid network")
)

// LayerKind identifies the operation a layer performs.
type LayerKind int

// Supported layer kinds.
const (
	LayerConvolution LayerKind = iota
	LayerPooling
	LayerFullyConnected
	LayerActivation
)

func (k LayerKind) String() string {
	switch k {
	case LayerConvolution:
		return "Convolution"
	case LayerPooling:
		return "Pooling"
	case LayerFullyConnected:
		return "FullyConnected"
	case LayerActivation:
		return "Activation"
	default:
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
}

// PoolingType selects the pooling reduction.
type PoolingType int

// PoolingMax is the only pooling reduction.
const PoolingMax PoolingType = iota

func (p PoolingType) String() string {
	if p == PoolingMax {
		return "MAX"
	}
	return fmt.Sprintf("PoolingType(%d)", int(p))
}

// ActivationType selects the activation function.
type ActivationType int

// ActivationReLU is the only activation.
const ActivationReLU ActivationType = iota

func (a ActivationType) String() string {
	if a == ActivationReLU {
		return "RELU"
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}

// DimsHW is a height/width pair.
type DimsHW struct {
	H, W int
}

func (d DimsHW) String() string {
	return fmt.Sprintf("%dx%d", d.H, d.W)
}

// Tensor is a named edge of the graph.
type Tensor struct {
	name     string
	dtype    tensor.DataType
	shape    tensor.Shape
	producer *Layer
	input    bool
	output   bool
}

// Name returns the tensor name.
func (t *Tensor) Name() string { return t.name }

// SetName renames the tensor.
func (t *Tensor) SetName(name string) { t.name = name }

// DType returns the element type.
func (t *Tensor) DType() tensor.DataType { return t.dtype }

// Shape returns a copy of the inferred shape.
func (t *Tensor) Shape() tensor.Shape { return t.shape.Clone() }

// Producer returns the layer that computes t, or nil for network inputs.
func (t *Tensor) Producer() *Layer { return t.producer }

// IsNetworkInput reports whether t was created by AddInput.
func (t *Tensor) IsNetworkInput() bool { return t.input }

// IsNetworkOutput reports whether t was passed to MarkOutput.
func (t *Tensor) IsNetworkOutput() bool { return t.output }

// Layer is one operation of the network.
type Layer struct {
	net  *Network
	kind LayerKind
	name string

	input  *Tensor
	output *Tensor

	outputs    int // output maps (conv) or output features (fc)
	kernel     DimsHW
	window     DimsHW
	stride     DimsHW
	padding    DimsHW
	pooling    PoolingType
	activation ActivationType

	weight *tensor.RawTensor
	bias   *tensor.RawTensor
}

// Kind returns the layer kind.
func (l *Layer) Kind() LayerKind { return l.kind }

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// SetName renames the layer.
func (l *Layer) SetName(name string) { l.name = name }

// Input returns input i. Layers have a single input.
func (l *Layer) Input(i int) *Tensor {
	if i != 0 {
		return nil
	}
	return l.input
}

// Output returns output i. Layers have a single output.
func (l *Layer) Output(i int) *Tensor {
	if i != 0 {
		return nil
	}
	return l.output
}

// SetStride sets the convolution or pooling stride and re-infers shapes.
func (l *Layer) SetStride(stride DimsHW) {
	l.stride = stride
	l.net.reinfer()
}

// SetPadding sets the convolution or pooling zero padding and re-infers
// shapes.
func (l *Layer) SetPadding(padding DimsHW) {
	l.padding = padding
	l.net.reinfer()
}

// Stride returns the stride.
func (l *Layer) Stride() DimsHW { return l.stride }

// Padding returns the padding.
func (l *Layer) Padding() DimsHW { return l.padding }

// KernelSize returns the convolution kernel size.
func (l *Layer) KernelSize() DimsHW { return l.kernel }

// WindowSize returns the pooling window.
func (l *Layer) WindowSize() DimsHW { return l.window }

// NumOutputs returns the output maps of a convolution or the output
// features of a fully-connected layer.
func (l *Layer) NumOutputs() int { return l.outputs }

// PoolingType returns the pooling reduction.
func (l *Layer) PoolingType() PoolingType { return l.pooling }

// ActivationType returns the activation function.
func (l *Layer) ActivationType() ActivationType { return l.activation }

// Weight returns the kernel tensor, nil for weightless layers.
func (l *Layer) Weight() *tensor.RawTensor { return l.weight }

// Bias returns the bias tensor, nil for weightless layers.
func (l *Layer) Bias() *tensor.RawTensor { return l.bias }

// Network is an ordered graph definition.
type Network struct {
	inputs  []*Tensor
	outputs []*Tensor
	layers  []*Layer
	err     error
}

// New returns an empty network.
func New() *Network {
	return &Network{}
}

// Inputs returns the network inputs.
func (n *Network) Inputs() []*Tensor { return n.inputs }

// Outputs returns the tensors marked as outputs.
func (n *Network) Outputs() []*Tensor { return n.outputs }

// Layers returns the layers in insertion order.
func (n *Network) Layers() []*Layer { return n.layers }

// NumLayers returns the number of layers.
func (n *Network) NumLayers() int { return len(n.layers) }

// AddInput declares a network input of the given type and shape.
func (n *Network) AddInput(name string, dtype tensor.DataType, shape tensor.Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: input %q: %w", ErrInvalidGraph, name, err)
	}
	if dtype != tensor.Float32 {
		return nil, fmt.Errorf("%w: input %q: only float32 inputs are supported, got %s", ErrInvalidGraph, name, dtype)
	}
	t := &Tensor{name: name, dtype: dtype, shape: shape.Clone(), input: true}
	n.inputs = append(n.inputs, t)
	return t, nil
}

// AddConvolution adds a 2D convolution with outMaps output channels.
// w is [outMaps, inChannels, kernel.H, kernel.W] and b is [outMaps].
func (n *Network) AddConvolution(in *Tensor, outMaps int, kernel DimsHW, w, b *tensor.RawTensor) (*Layer, error) {
	return n.add(&Layer{
		kind:    LayerConvolution,
		input:   in,
		outputs: outMaps,
		kernel:  kernel,
		stride:  DimsHW{1, 1},
		weight:  w,
		bias:    b,
	})
}

// AddPooling adds a pooling layer. The stride defaults to the window.
func (n *Network) AddPooling(in *Tensor, typ PoolingType, window DimsHW) (*Layer, error) {
	return n.add(&Layer{
		kind:    LayerPooling,
		input:   in,
		pooling: typ,
		window:  window,
		stride:  window,
	})
}

// AddFullyConnected adds a fully-connected layer. A [N, C, H, W] input is
// flattened to [N, C*H*W]. w is [outputs, C*H*W] and b is [outputs].
func (n *Network) AddFullyConnected(in *Tensor, outputs int, w, b *tensor.RawTensor) (*Layer, error) {
	return n.add(&Layer{
		kind:    LayerFullyConnected,
		input:   in,
		outputs: outputs,
		weight:  w,
		bias:    b,
	})
}

// AddActivation adds an element-wise activation.
func (n *Network) AddActivation(in *Tensor, typ ActivationType) (*Layer, error) {
	return n.add(&Layer{
		kind:       LayerActivation,
		input:      in,
		activation: typ,
	})
}

// MarkOutput marks t as a network output.
func (n *Network) MarkOutput(t *Tensor) error {
	if !n.owns(t) {
		return fmt.Errorf("%w: tensor %q does not belong to this network", ErrInvalidGraph, t.Name())
	}
	if t.output {
		return nil
	}
	t.output = true
	n.outputs = append(n.outputs, t)
	return nil
}

// Validate returns the first shape error left behind by SetStride or
// SetPadding, and checks that the network has inputs and outputs.
func (n *Network) Validate() error {
	if n.err != nil {
		return n.err
	}
	if len(n.inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidGraph)
	}
	if len(n.outputs) == 0 {
		return fmt.Errorf("%w: no outputs marked", ErrInvalidGraph)
	}
	return nil
}

func (n *Network) add(l *Layer) (*Layer, error) {
	if l.input == nil || !n.owns(l.input) {
		return nil, fmt.Errorf("%w: %s input does not belong to this network", ErrInvalidGraph, l.kind)
	}
	l.net = n
	l.name = fmt.Sprintf("%s_%d", l.kind, len(n.layers))
	shape, err := l.infer()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	l.output = &Tensor{name: l.name + "_output", dtype: tensor.Float32, shape: shape, producer: l}
	n.layers = append(n.layers, l)
	return l, nil
}

func (n *Network) owns(t *Tensor) bool {
	if t == nil {
		return false
	}
	for _, in := range n.inputs {
		if in == t {
			return true
		}
	}
	for _, l := range n.layers {
		if l.output == t {
			return true
		}
	}
	return false
}

// reinfer recomputes every output shape in insertion order.
func (n *Network) reinfer() {
	n.err = nil
	for _, l := range n.layers {
		shape, err := l.infer()
		if err != nil {
			n.err = fmt.Errorf("%s: %w", l.name, err)
			return
		}
		l.output.shape = shape
	}
}

func (l *Layer) infer() (tensor.Shape, error) {
	in := l.input.shape
	switch l.kind {
	case LayerConvolution:
		if len(in) != 4 {
			return nil, fmt.Errorf("%w: convolution needs [N, C, H, W] input, got %v", ErrShapeMismatch, in)
		}
		if err := checkWeights(l, tensor.Shape{l.outputs, in[1], l.kernel.H, l.kernel.W}); err != nil {
			return nil, err
		}
		h, w, err := window(in, l.kernel, l.stride, l.padding)
		if err != nil {
			return nil, err
		}
		return tensor.Shape{in[0], l.outputs, h, w}, nil

	case LayerPooling:
		if len(in) != 4 {
			return nil, fmt.Errorf("%w: pooling needs [N, C, H, W] input, got %v", ErrShapeMismatch, in)
		}
		if l.pooling != PoolingMax {
			return nil, fmt.Errorf("%w: unsupported pooling %s", ErrInvalidGraph, l.pooling)
		}
		h, w, err := window(in, l.window, l.stride, l.padding)
		if err != nil {
			return nil, err
		}
		return tensor.Shape{in[0], in[1], h, w}, nil

	case LayerFullyConnected:
		if len(in) < 2 {
			return nil, fmt.Errorf("%w: fully-connected needs a batched input, got %v", ErrShapeMismatch, in)
		}
		features := in[1:].NumElements()
		if err := checkWeights(l, tensor.Shape{l.outputs, features}); err != nil {
			return nil, err
		}
		return tensor.Shape{in[0], l.outputs}, nil

	case LayerActivation:
		if l.activation != ActivationReLU {
			return nil, fmt.Errorf("%w: unsupported activation %s", ErrInvalidGraph, l.activation)
		}
		return in.Clone(), nil
	}
	return nil, fmt.Errorf("%w: unknown layer kind %s", ErrInvalidGraph, l.kind)
}

func checkWeights(l *Layer, kernel tensor.Shape) error {
	if l.outputs <= 0 {
		return fmt.Errorf("%w: %s needs a positive output count, got %d", ErrInvalidGraph, l.kind, l.outputs)
	}
	specs := []weights.Spec{{Name: l.name, Kernel: kernel, Bias: tensor.Shape{l.outputs}}}
	return weights.Set{l.name: {Kernel: l.weight, Bias: l.bias}}.Validate(specs)
}

func window(in tensor.Shape, k, stride, pad DimsHW) (h, w int, err error) {
	if k.H <= 0 || k.W <= 0 || stride.H <= 0 || stride.W <= 0 || pad.H < 0 || pad.W < 0 {
		return 0, 0, fmt.Errorf("%w: window %s, stride %s, padding %s", ErrInvalidGraph, k, stride, pad)
	}
	h = (in[2]+2*pad.H-k.H)/stride.H + 1
	w = (in[3]+2*pad.W-k.W)/stride.W + 1
	if in[2]+2*pad.H < k.H || in[3]+2*pad.W < k.W {
		return 0, 0, fmt.Errorf("%w: window %s larger than input %dx%d", ErrShapeMismatch, k, in[2], in[3])
	}
	return h, w, nil
}
