//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
)

// Device is an opened WebGPU adapter with cached pipelines.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string

	mu        sync.Mutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
}

// Open requests a high-performance adapter and its device.
func Open() (dev *Device, err error) {
	// wgpu panics when the native library cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("%w: native library not available: %v", ErrUnavailable, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	info := adapter.GetInfo()

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: failed to request device: %w", ErrUnavailable, err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: failed to get queue", ErrUnavailable)
	}

	return &Device{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		name:      fmt.Sprintf("%s (%s)", info.Device, info.Vendor),
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}, nil
}

// Available reports whether an adapter can be requested.
func Available() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the adapter description.
func (d *Device) Name() string {
	return d.name
}

// Release frees pipelines, shaders and the device.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.pipelines {
		p.Release()
	}
	for _, s := range d.shaders {
		s.Release()
	}
	d.pipelines, d.shaders = nil, nil
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

// Conv2D runs a direct convolution with bias and optional fused ReLU.
func (d *Device) Conv2D(p ConvParams, input, kernel, bias []float32) ([]float32, error) {
	if err := p.validate(input, kernel, bias); err != nil {
		return nil, err
	}
	outH, outW := p.OutH(), p.OutW()
	params := u32s(p.N, p.C, p.H, p.W, p.OutC, p.Kernel, p.Stride, p.Padding, outH, outW, flag(p.ReLU))
	groups := [3]uint32{ceilDiv(outW, 8), ceilDiv(outH, 8), uint32(p.N * p.OutC)} //nolint:gosec // G115: positive
	return d.dispatch("conv2d", conv2dShader, params, groups, p.N*p.OutC*outH*outW, input, kernel, bias)
}

// MaxPool2D runs max pooling.
func (d *Device) MaxPool2D(p PoolParams, input []float32) ([]float32, error) {
	if err := p.validate(input); err != nil {
		return nil, err
	}
	outH, outW := p.OutH(), p.OutW()
	params := u32s(p.N, p.C, p.H, p.W, p.Kernel, p.Stride, outH, outW)
	groups := [3]uint32{ceilDiv(outW, 8), ceilDiv(outH, 8), uint32(p.N * p.C)} //nolint:gosec // G115: positive
	return d.dispatch("maxpool2d", maxPool2dShader, params, groups, p.N*p.C*outH*outW, input)
}

// Linear runs input @ weight + bias with optional fused ReLU. weight is
// [K, N].
func (d *Device) Linear(p LinearParams, input, weight, bias []float32) ([]float32, error) {
	if err := p.validate(input, weight, bias); err != nil {
		return nil, err
	}
	params := u32s(p.M, p.K, p.N, flag(p.ReLU))
	groups := [3]uint32{ceilDiv(p.N, 16), ceilDiv(p.M, 16), 1}
	return d.dispatch("linear", linearShader, params, groups, p.M*p.N, input, weight, bias)
}

// ReLU applies max(0, x).
func (d *Device) ReLU(input []float32) ([]float32, error) {
	params := u32s(len(input))
	groups := [3]uint32{ceilDiv(len(input), workgroupSize), 1, 1}
	return d.dispatch("relu", reluShader, params, groups, len(input), input)
}

// dispatch uploads inputs to bindings 0..len(inputs)-1, binds the output
// after them and the params uniform last, runs one compute pass and reads
// the output back. It blocks until the GPU finished.
func (d *Device) dispatch(name, code string, params []byte, groups [3]uint32, outLen int, inputs ...[]float32) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil, fmt.Errorf("webgpu: %s: device released", name)
	}

	pipeline := d.pipeline(name, code)
	entries := make([]wgpu.BindGroupEntry, 0, len(inputs)+2)
	for i, in := range inputs {
		buf := d.createBuffer(f32Bytes(in), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
		defer buf.Release()
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), buf, 0, uint64(len(in)*4))) //nolint:gosec // G115: small
	}

	outSize := uint64(outLen * 4) //nolint:gosec // G115: positive
	out := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  outSize,
	})
	defer out.Release()
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(inputs)), out, 0, outSize)) //nolint:gosec // G115: small

	uniform := d.createUniformBuffer(params)
	defer uniform.Release()
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(inputs)+1), uniform, 0, uint64(len(params)))) //nolint:gosec // G115: small

	bindGroup := d.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
	d.queue.Submit(encoder.Finish(nil))

	raw, err := d.readBuffer(out, outSize)
	if err != nil {
		return nil, fmt.Errorf("webgpu: %s: %w", name, err)
	}
	result := make([]float32, outLen)
	copy(result, unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), outLen)) //nolint:gosec // reinterpret LE bytes
	return result, nil
}

// pipeline returns the cached pipeline for name, compiling it on first use.
// Callers hold d.mu.
func (d *Device) pipeline(name, code string) *wgpu.ComputePipeline {
	if p, ok := d.pipelines[name]; ok {
		return p
	}
	shader, ok := d.shaders[name]
	if !ok {
		shader = d.device.CreateShaderModuleWGSL(code)
		d.shaders[name] = shader
	}
	p := d.device.CreateComputePipelineSimple(nil, shader, "main")
	d.pipelines[name] = p
	return p
}

func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	//nolint:gosec // mapped range is size bytes long
	copy(unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size), data)
	buffer.Unmap()
	return buffer
}

// createUniformBuffer pads data to the 16-byte uniform alignment.
func (d *Device) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := (uint64(len(data)) + 15) &^ 15
	padded := make([]byte, size)
	copy(padded, data)
	return d.createBuffer(padded, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
}

// readBuffer copies src into a mappable staging buffer and reads it back.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}
	result := make([]byte, size)
	//nolint:gosec // mapped range is size bytes long
	copy(result, unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size))
	staging.Unmap()
	return result, nil
}

func f32Bytes(data []float32) []byte {
	if len(data) == 0 {
		return nil
	}
	//nolint:gosec // reinterpret float32 slice as bytes
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}

func u32s(values ...int) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v)) //nolint:gosec // G115: shape values are small
	}
	return buf
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ceilDiv(n, d int) uint32 {
	return uint32((n + d - 1) / d) //nolint:gosec // G115: positive
}
