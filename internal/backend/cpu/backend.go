// Package cpu implements the pure Go compute backend.
package cpu

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/parallel"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// CPUBackend implements tensor operations on the CPU.
// Kernels operate on float32 data; Reshape and Transpose accept any dtype.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// New creates a new CPU backend using every available core.
func New() *CPUBackend {
	return NewWithConfig(parallel.DefaultConfig())
}

// NewWithConfig creates a CPU backend with an explicit parallelism setting.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// binary dispatches an element-wise float32 operation.
// When shapes match and a is the sole owner of its buffer, a is updated in place.
func (cpu *CPUBackend) binary(name string, a, b *tensor.RawTensor, op func(x, y float32) float32) *tensor.RawTensor {
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("%s: unsupported dtypes %s and %s", name, a.DType(), b.DType()))
	}

	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	if !needsBroadcast {
		aData, bData := a.AsFloat32(), b.AsFloat32()
		if a.IsUnique() {
			for i := range aData {
				aData[i] = op(aData[i], bData[i])
			}
			return a
		}
		result := cpu.newFloat32(name, outShape)
		out := result.AsFloat32()
		for i := range out {
			out[i] = op(aData[i], bData[i])
		}
		return result
	}

	result := cpu.newFloat32(name, outShape)
	binaryBroadcast(result, a, b, outShape, op)
	return result
}

// MulScalar multiplies every element by a scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	var s float32
	switch v := scalar.(type) {
	case float32:
		s = v
	case float64:
		s = float32(v)
	default:
		panic(fmt.Sprintf("mulscalar: unsupported scalar type %T", scalar))
	}

	result := cpu.newFloat32("mulscalar", x.Shape())
	out, in := result.AsFloat32(), x.AsFloat32()
	for i, v := range in {
		out[i] = v * s
	}
	return result
}

// ReLU applies max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	result := cpu.newFloat32("relu", x.Shape())
	out, in := result.AsFloat32(), x.AsFloat32()
	for i, v := range in {
		if v > 0 {
			out[i] = v
		}
	}
	return result
}

// Reshape returns a copy of the tensor with a different shape.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if err := newShape.Validate(); err != nil {
		panic(fmt.Sprintf("reshape: invalid shape: %v", err))
	}
	if t.NumElements() != newShape.NumElements() {
		panic(fmt.Sprintf("reshape: incompatible shapes: %v -> %v (different number of elements)",
			t.Shape(), newShape))
	}

	result, err := tensor.NewRaw(newShape, t.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	copy(result.Data(), t.Data())
	return result
}

// Transpose permutes the tensor dimensions. With no axes the order is reversed.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: axes length %d != ndim %d", len(axes), ndim))
	}

	seen := make([]bool, ndim)
	newShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		if ax < 0 || ax >= ndim {
			panic(fmt.Sprintf("transpose: invalid axis %d for %dD tensor", ax, ndim))
		}
		if seen[ax] {
			panic(fmt.Sprintf("transpose: duplicate axis %d", ax))
		}
		seen[ax] = true
		newShape[i] = shape[ax]
	}

	result, err := tensor.NewRaw(newShape, t.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("transpose: %v", err))
	}

	elem := t.DType().Size()
	src, dst := t.Data(), result.Data()
	inStrides := t.Strides()
	outStrides := result.Strides()
	for outIdx := 0; outIdx < result.NumElements(); outIdx++ {
		rem, inIdx := outIdx, 0
		for i := 0; i < ndim; i++ {
			coord := rem / outStrides[i]
			rem %= outStrides[i]
			inIdx += coord * inStrides[axes[i]]
		}
		copy(dst[outIdx*elem:(outIdx+1)*elem], src[inIdx*elem:(inIdx+1)*elem])
	}
	return result
}

func (cpu *CPUBackend) newFloat32(op string, shape tensor.Shape) *tensor.RawTensor {
	result, err := tensor.NewRaw(shape, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", op, err))
	}
	return result
}
