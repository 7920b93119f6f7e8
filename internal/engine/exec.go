package engine

import (
	"context"
	"fmt"

	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/backend/webgpu"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// ExecutionContext runs inference on an engine. Executions on the same
// engine are serialized.
type ExecutionContext struct {
	engine  *Engine
	backend *cpu.CPUBackend
}

func newExecutionContext(e *Engine) *ExecutionContext {
	return &ExecutionContext{engine: e, backend: cpu.New()}
}

// Engine returns the engine the context runs.
func (ec *ExecutionContext) Engine() *Engine { return ec.engine }

// Execute runs every step of the engine, reading the input binding and
// writing the output binding. It returns once the result is in the output
// buffer.
func (ec *ExecutionContext) Execute(ctx context.Context, bindings []*DeviceBuffer) error {
	e := ec.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := checkBindings(e.plan, bindings); err != nil {
		return err
	}

	var in, out *DeviceBuffer
	for i, b := range e.plan.Bindings {
		if b.IsInput {
			in = bindings[i]
		} else {
			out = bindings[i]
		}
	}

	x := in.data
	for i := range e.plan.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := &e.plan.Steps[i]
		var err error
		if e.gpu != nil {
			x, err = ec.runWebGPU(s, x)
		} else {
			x, err = ec.runCPU(s, x)
		}
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}
	copy(out.data, x)
	return nil
}

func checkBindings(plan *Plan, bindings []*DeviceBuffer) error {
	if len(bindings) != len(plan.Bindings) {
		return fmt.Errorf("%w: got %d buffers, engine has %d bindings", ErrBindings, len(bindings), len(plan.Bindings))
	}
	for i, b := range plan.Bindings {
		buf := bindings[i]
		switch {
		case buf == nil || buf.released:
			return fmt.Errorf("%w: %q has no buffer", ErrBindings, b.Name)
		case buf.Len() != b.Size():
			return fmt.Errorf("%w: %q buffer holds %d values, want %d", ErrBindings, b.Name, buf.Len(), b.Size())
		}
	}
	return nil
}

func (ec *ExecutionContext) runCPU(s *Step, x []float32) ([]float32, error) {
	shape := s.InShape
	if s.Op == OpFC {
		shape = tensor.Shape{shape[0], shape[1:].NumElements()}
	}
	in, err := tensor.FromFloat32(shape, x, tensor.CPU)
	if err != nil {
		return nil, err
	}

	var out *tensor.RawTensor
	switch s.Op {
	case OpConv:
		kernel := ec.engine.weights[s.Weight]
		if s.Tactic == TacticDirect {
			out = ec.backend.Conv2DDirect(in, kernel, s.Stride, s.Padding)
		} else {
			out = ec.backend.Conv2D(in, kernel, s.Stride, s.Padding)
		}
		addBias(out.AsFloat32(), ec.engine.weights[s.Bias].AsFloat32(), s.OutShape[2]*s.OutShape[3])
	case OpPool:
		out = ec.backend.MaxPool2D(in, s.Kernel, s.Stride)
	case OpFC:
		out = ec.backend.MatMul(in, ec.engine.weights[s.Weight])
		addBias(out.AsFloat32(), ec.engine.weights[s.Bias].AsFloat32(), 1)
	case OpReLU:
		out = ec.backend.ReLU(in)
	default:
		return nil, fmt.Errorf("%w: op %q", ErrUnsupportedLayer, s.Op)
	}

	y := out.AsFloat32()
	if s.FusedReLU {
		for i, v := range y {
			if v < 0 {
				y[i] = 0
			}
		}
	}
	return y, nil
}

// addBias adds bias[c] to every run of inner consecutive values of
// channel c, for data laid out as [N, C, inner].
func addBias(data, bias []float32, inner int) {
	c := len(bias)
	for i := range data {
		data[i] += bias[(i/inner)%c]
	}
}

func (ec *ExecutionContext) runWebGPU(s *Step, x []float32) ([]float32, error) {
	gpu := ec.engine.gpu
	in := s.InShape
	switch s.Op {
	case OpConv:
		return gpu.Conv2D(webgpu.ConvParams{
			N: in[0], C: in[1], H: in[2], W: in[3],
			OutC:    s.OutShape[1],
			Kernel:  s.Kernel,
			Stride:  s.Stride,
			Padding: s.Padding,
			ReLU:    s.FusedReLU,
		}, x, ec.engine.weights[s.Weight].AsFloat32(), ec.engine.weights[s.Bias].AsFloat32())
	case OpPool:
		return gpu.MaxPool2D(webgpu.PoolParams{
			N: in[0], C: in[1], H: in[2], W: in[3],
			Kernel: s.Kernel,
			Stride: s.Stride,
		}, x)
	case OpFC:
		return gpu.Linear(webgpu.LinearParams{
			M:    in[0],
			K:    in[1:].NumElements(),
			N:    s.OutShape[1],
			ReLU: s.FusedReLU,
		}, x, ec.engine.weights[s.Weight].AsFloat32(), ec.engine.weights[s.Bias].AsFloat32())
	case OpReLU:
		return gpu.ReLU(x)
	}
	return nil, fmt.Errorf("%w: op %q", ErrUnsupportedLayer, s.Op)
}
