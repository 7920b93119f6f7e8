package engine

import (
	"context"
	"fmt"
	"math"
)

// DeviceBuffer is the engine-side storage of one binding.
type DeviceBuffer struct {
	data     []float32
	released bool
}

// NewDeviceBuffer allocates a zeroed buffer of n float32 values.
func NewDeviceBuffer(n int) *DeviceBuffer {
	return &DeviceBuffer{data: make([]float32, n)}
}

// Len returns the number of float32 values the buffer holds.
func (b *DeviceBuffer) Len() int { return len(b.data) }

// CopyFromHost copies src into the buffer. len(src) must equal Len.
func (b *DeviceBuffer) CopyFromHost(src []float32) error {
	if b.released {
		return fmt.Errorf("%w: copy into released buffer", ErrBindings)
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("%w: host slice has %d values, buffer %d", ErrBindings, len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

// CopyToHost copies the buffer into dst. len(dst) must equal Len.
func (b *DeviceBuffer) CopyToHost(dst []float32) error {
	if b.released {
		return fmt.Errorf("%w: copy from released buffer", ErrBindings)
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("%w: host slice has %d values, buffer %d", ErrBindings, len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

// Release frees the buffer.
func (b *DeviceBuffer) Release() {
	b.data = nil
	b.released = true
}

// HostDeviceMem pairs a host slice with the device buffer of one binding.
type HostDeviceMem struct {
	Name   string
	Host   []float32
	Device *DeviceBuffer
}

// Release frees the device side.
func (m *HostDeviceMem) Release() {
	m.Device.Release()
}

// AllocateBuffers allocates host and device memory for every binding of e.
// bindings is indexed like the engine bindings and is what Execute takes.
func AllocateBuffers(e *Engine) (inputs, outputs []*HostDeviceMem, bindings []*DeviceBuffer, err error) {
	if e.isClosed() {
		return nil, nil, nil, ErrClosed
	}
	bindings = make([]*DeviceBuffer, e.NumBindings())
	for i := range bindings {
		b, err := e.Binding(i)
		if err != nil {
			return nil, nil, nil, err
		}
		mem := &HostDeviceMem{
			Name:   b.Name,
			Host:   make([]float32, b.Size()),
			Device: NewDeviceBuffer(b.Size()),
		}
		bindings[i] = mem.Device
		if b.IsInput {
			inputs = append(inputs, mem)
		} else {
			outputs = append(outputs, mem)
		}
	}
	return inputs, outputs, bindings, nil
}

// DoInference copies every input to its device buffer, executes, and copies
// the outputs back. It returns the output host slices.
func DoInference(ctx context.Context, ec *ExecutionContext, bindings []*DeviceBuffer, inputs, outputs []*HostDeviceMem) ([][]float32, error) {
	for _, in := range inputs {
		if err := in.Device.CopyFromHost(in.Host); err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
	}
	if err := ec.Execute(ctx, bindings); err != nil {
		return nil, fmt.Errorf("failed to execute: %w", err)
	}
	results := make([][]float32, len(outputs))
	for i, out := range outputs {
		if err := out.Device.CopyToHost(out.Host); err != nil {
			return nil, fmt.Errorf("output %q: %w", out.Name, err)
		}
		results[i] = out.Host
	}
	return results, nil
}

// Argmax returns the index of the largest value, the first on ties, or -1
// for an empty slice. A NaN compares greater than everything, so the first
// NaN wins.
func Argmax(values []float32) int {
	best := -1
	for i, v := range values {
		if math.IsNaN(float64(v)) {
			return i
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}
