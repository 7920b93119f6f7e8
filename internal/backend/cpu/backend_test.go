package cpu

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/parallel"
	"github.com/born-ml/mnistrt/internal/tensor"
)

func raw(t *testing.T, shape tensor.Shape, data ...float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat32(shape, data, tensor.CPU)
	require.NoError(t, err)
	return r
}

func randomRaw(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return raw(t, shape, data...)
}

func TestAdd_Broadcast(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	b := raw(t, tensor.Shape{1, 3}, 10, 20, 30)

	out := backend.Add(a, b)

	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, out.AsFloat32())
}

func TestAdd_InplaceOnlyWhenUnique(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{3}, 1, 2, 3)
	b := raw(t, tensor.Shape{3}, 1, 1, 1)

	release := a.ForceNonUnique()
	out := backend.Add(a, b)
	release()
	assert.NotSame(t, a, out)
	assert.Equal(t, []float32{1, 2, 3}, a.AsFloat32())

	out = backend.Add(a, b)
	assert.Same(t, a, out)
	assert.Equal(t, []float32{2, 3, 4}, a.AsFloat32())
}

func TestSubMulScalarReLU(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{4}, -2, -1, 1, 2)
	b := raw(t, tensor.Shape{4}, 1, 1, 1, 1)

	release := a.ForceNonUnique()
	defer release()

	assert.Equal(t, []float32{-3, -2, 0, 1}, backend.Sub(a, b).AsFloat32())
	assert.Equal(t, []float32{-2, -1, 1, 2}, backend.Mul(a, b).AsFloat32())
	assert.Equal(t, []float32{-1, -0.5, 0.5, 1}, backend.MulScalar(a, float32(0.5)).AsFloat32())
	assert.Equal(t, []float32{0, 0, 1, 2}, backend.ReLU(a).AsFloat32())
}

func TestMatMul(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	b := raw(t, tensor.Shape{3, 2}, 7, 8, 9, 10, 11, 12)

	out := backend.MatMul(a, b)

	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, out.AsFloat32())
}

func TestMatMul_ShapeMismatchPanics(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{2, 3}, make([]float32, 6)...)
	assert.PanicsWithValue(t, "matmul: shape mismatch [2,3] @ [2,3]", func() {
		backend.MatMul(a, a)
	})
}

func TestTranspose(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	out := backend.Transpose(a)

	assert.Equal(t, tensor.Shape{3, 2}, out.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.AsFloat32())
}

func TestTranspose_Uint8(t *testing.T) {
	backend := New()
	a, err := tensor.NewRaw(tensor.Shape{2, 2}, tensor.Uint8, tensor.CPU)
	require.NoError(t, err)
	copy(a.AsUint8(), []uint8{1, 2, 3, 4})

	assert.Equal(t, []uint8{1, 3, 2, 4}, backend.Transpose(a, 1, 0).AsUint8())
}

func TestReshape(t *testing.T) {
	backend := New()
	a := raw(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	out := backend.Reshape(a, tensor.Shape{3, 2})
	assert.Equal(t, tensor.Shape{3, 2}, out.Shape())
	assert.Equal(t, a.AsFloat32(), out.AsFloat32())

	assert.Panics(t, func() { backend.Reshape(a, tensor.Shape{4, 2}) })
}

func TestConv2D_KnownValues(t *testing.T) {
	backend := New()
	// 1x1x3x3 input, 1x1x2x2 kernel of ones: each output is a 2x2 window sum.
	input := raw(t, tensor.Shape{1, 1, 3, 3}, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	kernel := raw(t, tensor.Shape{1, 1, 2, 2}, 1, 1, 1, 1)

	out := backend.Conv2D(input, kernel, 1, 0)

	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{12, 16, 24, 28}, out.AsFloat32())
}

func TestConv2D_DirectMatchesIm2col(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		name            string
		input, kernel   tensor.Shape
		stride, padding int
	}{
		{"mnist conv1", tensor.Shape{2, 1, 28, 28}, tensor.Shape{20, 1, 5, 5}, 1, 0},
		{"mnist conv2", tensor.Shape{2, 20, 12, 12}, tensor.Shape{50, 20, 5, 5}, 1, 0},
		{"padded strided", tensor.Shape{1, 3, 7, 7}, tensor.Shape{4, 3, 3, 3}, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := randomRaw(t, rng, tt.input)
			kernel := randomRaw(t, rng, tt.kernel)

			for _, backend := range []*CPUBackend{New(), NewWithConfig(parallel.Sequential())} {
				a := backend.Conv2D(input, kernel, tt.stride, tt.padding)
				b := backend.Conv2DDirect(input, kernel, tt.stride, tt.padding)
				require.Equal(t, a.Shape(), b.Shape())
				assert.InDeltaSlice(t, a.AsFloat32(), b.AsFloat32(), 1e-3)
			}
		})
	}
}

func TestMaxPool2D(t *testing.T) {
	backend := New()
	input := raw(t, tensor.Shape{1, 1, 4, 4},
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16)

	out, indices := backend.MaxPool2DWithIndices(input, 2, 2)

	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{6, 8, 14, 16}, out.AsFloat32())
	assert.Equal(t, []int{5, 7, 13, 15}, indices)
	assert.Equal(t, out.AsFloat32(), backend.MaxPool2D(input, 2, 2).AsFloat32())
}

func TestMaxPool2DBackward(t *testing.T) {
	backend := New()
	input := raw(t, tensor.Shape{1, 1, 2, 2}, 1, 2, 3, 4)
	grad := raw(t, tensor.Shape{1, 1, 1, 1}, 5)

	_, indices := backend.MaxPool2DWithIndices(input, 2, 2)
	out := backend.MaxPool2DBackward(input, grad, indices, 2, 2)

	assert.Equal(t, []float32{0, 0, 0, 5}, out.AsFloat32())
}

// convLoss is sum(conv(x, k) * w), whose gradients are the backward kernels applied to w.
func convLoss(backend *CPUBackend, x, k, w *tensor.RawTensor) float64 {
	out := backend.Conv2D(x, k, 1, 1).AsFloat32()
	var sum float64
	for i, v := range out {
		sum += float64(v * w.AsFloat32()[i])
	}
	return sum
}

func TestConv2DBackward_FiniteDifferences(t *testing.T) {
	backend := NewWithConfig(parallel.Sequential())
	rng := rand.New(rand.NewSource(7))
	x := randomRaw(t, rng, tensor.Shape{2, 2, 5, 5})
	k := randomRaw(t, rng, tensor.Shape{3, 2, 3, 3})
	w := randomRaw(t, rng, tensor.Shape{2, 3, 5, 5})

	gx := backend.Conv2DInputBackward(x, k, w, 1, 1).AsFloat32()
	gk := backend.Conv2DKernelBackward(x, k, w, 1, 1).AsFloat32()

	const eps = 1e-2
	check := func(param *tensor.RawTensor, analytic []float32, idx int) {
		data := param.AsFloat32()
		orig := data[idx]
		data[idx] = orig + eps
		plus := convLoss(backend, x, k, w)
		data[idx] = orig - eps
		minus := convLoss(backend, x, k, w)
		data[idx] = orig
		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(analytic[idx]), 5e-2, "index %d", idx)
	}

	for _, idx := range []int{0, 7, 24, 31, 49} {
		check(x, gx, idx)
	}
	for _, idx := range []int{0, 5, 17, 40, 53} {
		check(k, gk, idx)
	}
}
