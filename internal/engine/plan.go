package engine

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// PlanVersion is bumped whenever Plan or the step semantics change. Engines
// built with another version are rejected by Runtime.Deserialize.
const PlanVersion = 1

const (
	planTensor = "__plan__"
	modelType  = "mnistrt.engine"
)

// Precision is the storage precision of engine weights. Kernels always
// compute in float32.
type Precision string

// Supported precisions.
const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionBF16 Precision = "bf16"
)

// ParsePrecision parses "fp32", "fp16" or "bf16".
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case PrecisionFP32, PrecisionFP16, PrecisionBF16:
		return p, nil
	}
	return "", fmt.Errorf("unknown precision %q (want fp32, fp16 or bf16)", s)
}

func (p Precision) dtype() tensor.DataType {
	switch p {
	case PrecisionFP16:
		return tensor.Float16
	case PrecisionBF16:
		return tensor.BFloat16
	default:
		return tensor.Float32
	}
}

// DeviceKind selects where the engine executes.
type DeviceKind string

// Supported devices. DeviceAuto resolves at build time.
const (
	DeviceAuto   DeviceKind = "auto"
	DeviceCPU    DeviceKind = "cpu"
	DeviceWebGPU DeviceKind = "webgpu"
)

// ParseDevice parses "auto", "cpu" or "webgpu".
func ParseDevice(s string) (DeviceKind, error) {
	switch d := DeviceKind(s); d {
	case DeviceAuto, DeviceCPU, DeviceWebGPU:
		return d, nil
	}
	return "", fmt.Errorf("unknown device %q (want auto, cpu or webgpu)", s)
}

// Tactic is the kernel implementation chosen for a step.
type Tactic string

// Kernel tactics.
const (
	TacticIm2col Tactic = "im2col"
	TacticDirect Tactic = "direct"
	TacticGemm   Tactic = "gemm"
	TacticNaive  Tactic = "naive"
	TacticWGSL   Tactic = "wgsl"
)

// OpKind is the operation of a step.
type OpKind string

// Step operations.
const (
	OpConv OpKind = "conv"
	OpPool OpKind = "maxpool"
	OpFC   OpKind = "fc"
	OpReLU OpKind = "relu"
)

// Binding is a named engine input or output.
type Binding struct {
	Name    string       `cbor:"name"`
	Shape   tensor.Shape `cbor:"shape"`
	IsInput bool         `cbor:"input"`
}

// Size returns the number of float32 values of the binding.
func (b Binding) Size() int {
	return b.Shape.NumElements()
}

// Step is one lowered kernel invocation. Steps run in order, each reading
// the previous step's output.
type Step struct {
	Name      string       `cbor:"name"`
	Op        OpKind       `cbor:"op"`
	Input     string       `cbor:"input"`
	Output    string       `cbor:"output"`
	InShape   tensor.Shape `cbor:"in_shape"`
	OutShape  tensor.Shape `cbor:"out_shape"`
	Kernel    int          `cbor:"kernel,omitempty"`
	Stride    int          `cbor:"stride,omitempty"`
	Padding   int          `cbor:"padding,omitempty"`
	Weight    string       `cbor:"weight,omitempty"`
	Bias      string       `cbor:"bias,omitempty"`
	FusedReLU bool         `cbor:"fused_relu,omitempty"`
	Tactic    Tactic       `cbor:"tactic"`
}

// Plan is the compiled program stored inside an engine artifact.
type Plan struct {
	Version   int        `cbor:"version"`
	Precision Precision  `cbor:"precision"`
	Device    DeviceKind `cbor:"device"`
	Bindings  []Binding  `cbor:"bindings"`
	Steps     []Step     `cbor:"steps"`
	Workspace int64      `cbor:"workspace"`
}

var planEncMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func (p *Plan) marshal() ([]byte, error) {
	return planEncMode.Marshal(p)
}

func unmarshalPlan(data []byte) (*Plan, error) {
	var p Plan
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) input() Binding {
	for _, b := range p.Bindings {
		if b.IsInput {
			return b
		}
	}
	return Binding{}
}

func (p *Plan) output() Binding {
	for _, b := range p.Bindings {
		if !b.IsInput {
			return b
		}
	}
	return Binding{}
}

// validate checks the structure of a decoded plan against the weights it
// references. weightShapes maps tensor name to its stored shape.
func (p *Plan) validate(weightShapes map[string]tensor.Shape) error {
	if len(p.Bindings) != 2 || !p.Bindings[0].IsInput || p.Bindings[1].IsInput {
		return fmt.Errorf("want one input and one output binding, got %d bindings", len(p.Bindings))
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	in, out := p.input(), p.output()
	shape := in.Shape
	for i := range p.Steps {
		s := &p.Steps[i]
		if !s.InShape.Equal(shape) {
			return fmt.Errorf("step %s: input shape %v, previous output %v", s.Name, s.InShape, shape)
		}
		want, err := stepOutShape(s)
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		if !s.OutShape.Equal(want) {
			return fmt.Errorf("step %s: output shape %v, computed %v", s.Name, s.OutShape, want)
		}
		if err := checkStepWeights(s, weightShapes); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		shape = s.OutShape
	}
	if !shape.Equal(out.Shape) {
		return fmt.Errorf("last step produces %v, output binding %q is %v", shape, out.Name, out.Shape)
	}
	return nil
}

func stepOutShape(s *Step) (tensor.Shape, error) {
	in := s.InShape
	switch s.Op {
	case OpConv, OpPool:
		if len(in) != 4 || s.Kernel <= 0 || s.Stride <= 0 || s.Padding < 0 {
			return nil, fmt.Errorf("bad %s geometry: input %v kernel %d stride %d padding %d", s.Op, in, s.Kernel, s.Stride, s.Padding)
		}
		h := (in[2]+2*s.Padding-s.Kernel)/s.Stride + 1
		w := (in[3]+2*s.Padding-s.Kernel)/s.Stride + 1
		if h <= 0 || w <= 0 {
			return nil, fmt.Errorf("window %d larger than input %v", s.Kernel, in)
		}
		c := in[1]
		if s.Op == OpConv {
			if len(s.OutShape) != 4 {
				return nil, fmt.Errorf("conv output must be 4D, got %v", s.OutShape)
			}
			c = s.OutShape[1]
		}
		return tensor.Shape{in[0], c, h, w}, nil
	case OpFC:
		if len(in) < 2 || len(s.OutShape) != 2 {
			return nil, fmt.Errorf("bad fc shapes %v -> %v", in, s.OutShape)
		}
		return tensor.Shape{in[0], s.OutShape[1]}, nil
	case OpReLU:
		return in.Clone(), nil
	}
	return nil, fmt.Errorf("%w: op %q", ErrUnsupportedLayer, s.Op)
}

// weightShape returns the stored kernel and bias shapes a step needs.
func weightShape(s *Step) (kernel, bias tensor.Shape) {
	switch s.Op {
	case OpConv:
		return tensor.Shape{s.OutShape[1], s.InShape[1], s.Kernel, s.Kernel}, tensor.Shape{s.OutShape[1]}
	case OpFC:
		return tensor.Shape{s.InShape[1:].NumElements(), s.OutShape[1]}, tensor.Shape{s.OutShape[1]}
	}
	return nil, nil
}

func checkStepWeights(s *Step, shapes map[string]tensor.Shape) error {
	kernel, bias := weightShape(s)
	if kernel == nil {
		return nil
	}
	for _, w := range []struct {
		name string
		want tensor.Shape
	}{{s.Weight, kernel}, {s.Bias, bias}} {
		got, ok := shapes[w.name]
		if !ok {
			return fmt.Errorf("missing tensor %q", w.name)
		}
		if !got.Equal(w.want) {
			return fmt.Errorf("tensor %q is %v, want %v", w.name, got, w.want)
		}
	}
	return nil
}
