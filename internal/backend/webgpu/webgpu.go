// Package webgpu runs the engine's inference kernels as WGSL compute shaders
// through go-webgpu. Only windows builds link the native wgpu library; on
// every other platform Open and Available report ErrUnavailable.
package webgpu

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when no WebGPU adapter can be opened.
var ErrUnavailable = errors.New("webgpu: no adapter available")

// workgroupSize is the number of threads per 1D workgroup.
const workgroupSize = 256

// ConvParams describes a batched 2D convolution with square kernel.
type ConvParams struct {
	N, C, H, W int
	OutC       int
	Kernel     int
	Stride     int
	Padding    int
	ReLU       bool
}

// OutH returns the output height.
func (p ConvParams) OutH() int { return (p.H+2*p.Padding-p.Kernel)/p.Stride + 1 }

// OutW returns the output width.
func (p ConvParams) OutW() int { return (p.W+2*p.Padding-p.Kernel)/p.Stride + 1 }

func (p ConvParams) validate(input, kernel, bias []float32) error {
	if p.Kernel <= 0 || p.Stride <= 0 || p.Padding < 0 || p.OutH() <= 0 || p.OutW() <= 0 {
		return fmt.Errorf("webgpu: conv2d: invalid geometry %+v", p)
	}
	if len(input) != p.N*p.C*p.H*p.W {
		return fmt.Errorf("webgpu: conv2d: input has %d values, want %d", len(input), p.N*p.C*p.H*p.W)
	}
	if len(kernel) != p.OutC*p.C*p.Kernel*p.Kernel {
		return fmt.Errorf("webgpu: conv2d: kernel has %d values, want %d", len(kernel), p.OutC*p.C*p.Kernel*p.Kernel)
	}
	if len(bias) != p.OutC {
		return fmt.Errorf("webgpu: conv2d: bias has %d values, want %d", len(bias), p.OutC)
	}
	return nil
}

// PoolParams describes a 2D max pooling with square window.
type PoolParams struct {
	N, C, H, W int
	Kernel     int
	Stride     int
}

// OutH returns the output height.
func (p PoolParams) OutH() int { return (p.H-p.Kernel)/p.Stride + 1 }

// OutW returns the output width.
func (p PoolParams) OutW() int { return (p.W-p.Kernel)/p.Stride + 1 }

func (p PoolParams) validate(input []float32) error {
	if p.Kernel <= 0 || p.Stride <= 0 || p.OutH() <= 0 || p.OutW() <= 0 {
		return fmt.Errorf("webgpu: maxpool2d: invalid geometry %+v", p)
	}
	if len(input) != p.N*p.C*p.H*p.W {
		return fmt.Errorf("webgpu: maxpool2d: input has %d values, want %d", len(input), p.N*p.C*p.H*p.W)
	}
	return nil
}

// LinearParams describes out[M, N] = in[M, K] @ w[K, N] + bias[N].
type LinearParams struct {
	M, K, N int
	ReLU    bool
}

func (p LinearParams) validate(input, weight, bias []float32) error {
	switch {
	case len(input) != p.M*p.K:
		return fmt.Errorf("webgpu: linear: input has %d values, want %d", len(input), p.M*p.K)
	case len(weight) != p.K*p.N:
		return fmt.Errorf("webgpu: linear: weight has %d values, want %d", len(weight), p.K*p.N)
	case len(bias) != p.N:
		return fmt.Errorf("webgpu: linear: bias has %d values, want %d", len(bias), p.N)
	}
	return nil
}
