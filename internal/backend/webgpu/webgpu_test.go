package webgpu_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/backend/webgpu"
)

func TestParams_OutputGeometry(t *testing.T) {
	conv := webgpu.ConvParams{N: 1, C: 1, H: 28, W: 28, OutC: 20, Kernel: 5, Stride: 1}
	assert.Equal(t, 24, conv.OutH())
	assert.Equal(t, 24, conv.OutW())

	conv.Padding, conv.Stride = 2, 2
	assert.Equal(t, 14, conv.OutH())

	pool := webgpu.PoolParams{N: 1, C: 20, H: 24, W: 24, Kernel: 2, Stride: 2}
	assert.Equal(t, 12, pool.OutH())
	assert.Equal(t, 12, pool.OutW())
}

func TestOpen(t *testing.T) {
	dev, err := webgpu.Open()
	if runtime.GOOS != "windows" {
		assert.ErrorIs(t, err, webgpu.ErrUnavailable)
		assert.False(t, webgpu.Available())
		return
	}
	if err != nil {
		t.Skipf("no WebGPU adapter: %v", err)
	}
	defer dev.Release()

	out, err := dev.Linear(webgpu.LinearParams{M: 1, K: 2, N: 2, ReLU: true},
		[]float32{1, 2}, []float32{1, -1, 1, -1}, []float32{0.5, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{3.5, 0}, out, 1e-6)

	_, err = dev.Linear(webgpu.LinearParams{M: 1, K: 3, N: 2}, []float32{1, 2}, nil, nil)
	assert.Error(t, err)
}
