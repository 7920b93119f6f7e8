package ops_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/autodiff/ops"
	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/tensor"
)

func raw(t *testing.T, shape tensor.Shape, data []float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat32(shape, data, tensor.CPU)
	require.NoError(t, err)
	return r
}

func targets(t *testing.T, labels ...int32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape{len(labels)}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsInt32(), labels)
	return r
}

func TestAddOp_ReducesBroadcastBias(t *testing.T) {
	backend := cpu.New()
	x := raw(t, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	bias := raw(t, tensor.Shape{1, 3}, []float32{0, 0, 0})
	out := backend.Add(x, bias)

	grad := raw(t, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	grads := ops.NewAddOp(x, bias, out).Backward(grad, backend)

	require.Len(t, grads, 2)
	assert.Equal(t, tensor.Shape{2, 3}, grads[0].Shape())
	assert.Equal(t, tensor.Shape{1, 3}, grads[1].Shape())
	assert.Equal(t, []float32{5, 7, 9}, grads[1].AsFloat32())
}

func TestAddOp_ReducesLeadingDimensions(t *testing.T) {
	backend := cpu.New()
	x := raw(t, tensor.Shape{2, 2}, []float32{0, 0, 0, 0})
	bias := raw(t, tensor.Shape{2}, []float32{0, 0})
	out := backend.Add(x, bias)

	grad := raw(t, tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	grads := ops.NewAddOp(x, bias, out).Backward(grad, backend)

	assert.Equal(t, tensor.Shape{2}, grads[1].Shape())
	assert.Equal(t, []float32{4, 6}, grads[1].AsFloat32())
}

func TestSubAndMulOps(t *testing.T) {
	backend := cpu.New()
	a := raw(t, tensor.Shape{2}, []float32{2, 3})
	b := raw(t, tensor.Shape{2}, []float32{5, 7})
	grad := raw(t, tensor.Shape{2}, []float32{1, 1})

	sub := ops.NewSubOp(a, b, nil).Backward(grad, backend)
	assert.Equal(t, []float32{1, 1}, sub[0].AsFloat32())
	assert.Equal(t, []float32{-1, -1}, sub[1].AsFloat32())

	mul := ops.NewMulOp(a, b, nil).Backward(grad, backend)
	assert.Equal(t, []float32{5, 7}, mul[0].AsFloat32())
	assert.Equal(t, []float32{2, 3}, mul[1].AsFloat32())
	assert.Equal(t, []float32{1, 1}, grad.AsFloat32(), "upstream gradient must not be modified")

	scaled := ops.NewMulScalarOp(a, float32(0.5), nil).Backward(grad, backend)
	assert.Equal(t, []float32{0.5, 0.5}, scaled[0].AsFloat32())
}

func TestMatMulOp_Backward(t *testing.T) {
	backend := cpu.New()
	a := raw(t, tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	b := raw(t, tensor.Shape{2, 2}, []float32{5, 6, 7, 8})
	grad := raw(t, tensor.Shape{2, 2}, []float32{1, 1, 1, 1})

	grads := ops.NewMatMulOp(a, b, backend.MatMul(a, b)).Backward(grad, backend)

	// grad @ B^T
	assert.Equal(t, []float32{11, 15, 11, 15}, grads[0].AsFloat32())
	// A^T @ grad
	assert.Equal(t, []float32{4, 4, 6, 6}, grads[1].AsFloat32())
}

func TestReLUOp_MasksGradient(t *testing.T) {
	backend := cpu.New()
	x := raw(t, tensor.Shape{4}, []float32{-1, 0, 2, 3})
	grad := raw(t, tensor.Shape{4}, []float32{10, 10, 10, 10})

	grads := ops.NewReLUOp(x, backend.ReLU(x)).Backward(grad, backend)
	assert.Equal(t, []float32{0, 0, 10, 10}, grads[0].AsFloat32())
}

func TestReshapeAndTransposeOps(t *testing.T) {
	backend := cpu.New()
	x := raw(t, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	flat := backend.Reshape(x, tensor.Shape{6})
	g := ops.NewReshapeOp(x, flat).Backward(raw(t, tensor.Shape{6}, []float32{1, 2, 3, 4, 5, 6}), backend)
	assert.Equal(t, tensor.Shape{2, 3}, g[0].Shape())

	xt := backend.Transpose(x)
	gt := raw(t, tensor.Shape{3, 2}, []float32{1, 4, 2, 5, 3, 6})
	g = ops.NewTransposeOp(x, xt, nil).Backward(gt, backend)
	assert.Equal(t, tensor.Shape{2, 3}, g[0].Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, g[0].AsFloat32())
}

func TestMaxPool2DOp_RecomputesIndices(t *testing.T) {
	backend := cpu.New()
	x := raw(t, tensor.Shape{1, 1, 2, 2}, []float32{1, 4, 3, 2})
	out := backend.MaxPool2D(x, 2, 2)

	grads := ops.NewMaxPool2DOp(x, out, nil, 2, 2).Backward(raw(t, tensor.Shape{1, 1, 1, 1}, []float32{7}), backend)
	assert.Equal(t, []float32{0, 7, 0, 0}, grads[0].AsFloat32())
}

func TestCrossEntropy_ForwardMatchesLogSoftmax(t *testing.T) {
	logits := raw(t, tensor.Shape{2, 3}, []float32{1, 2, 3, 0, 0, 0})
	loss := ops.CrossEntropyForward(logits, targets(t, 2, 0), tensor.CPU)

	lse := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	want := ((lse - 3) + math.Log(3)) / 2
	assert.InDelta(t, want, float64(loss.AsFloat32()[0]), 1e-5)
}

func TestCrossEntropy_GradientRowsSumToZero(t *testing.T) {
	logits := raw(t, tensor.Shape{2, 3}, []float32{1, 2, 3, -1, 0, 4})
	tg := targets(t, 0, 2)
	loss := ops.CrossEntropyForward(logits, tg, tensor.CPU)

	grads := ops.NewCrossEntropyOp(logits, tg, loss).Backward(raw(t, tensor.Shape{1}, []float32{1}), cpu.New())
	g := grads[0].AsFloat32()
	for b := 0; b < 2; b++ {
		var sum float32
		for _, v := range g[b*3 : (b+1)*3] {
			sum += v
		}
		assert.InDelta(t, 0, sum, 1e-6)
	}
	assert.Less(t, g[0], float32(0), "target logit gradient is negative")
}

func TestCrossEntropy_NumericalGradient(t *testing.T) {
	data := []float32{0.3, -1.2, 2.0, 0.5, 0.1, -0.4}
	tg := targets(t, 1, 0)
	lossAt := func(d []float32) float64 {
		return float64(ops.CrossEntropyForward(raw(t, tensor.Shape{2, 3}, d), tg, tensor.CPU).AsFloat32()[0])
	}

	logits := raw(t, tensor.Shape{2, 3}, append([]float32(nil), data...))
	loss := ops.CrossEntropyForward(logits, tg, tensor.CPU)
	g := ops.NewCrossEntropyOp(logits, tg, loss).Backward(raw(t, tensor.Shape{1}, []float32{1}), cpu.New())[0].AsFloat32()

	const eps = 1e-3
	for i := range data {
		plus := append([]float32(nil), data...)
		minus := append([]float32(nil), data...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (lossAt(plus) - lossAt(minus)) / (2 * eps)
		assert.InDelta(t, numeric, float64(g[i]), 1e-3, "element %d", i)
	}
}

func TestCrossEntropy_PanicsOnBadTarget(t *testing.T) {
	logits := raw(t, tensor.Shape{1, 3}, []float32{1, 2, 3})
	assert.PanicsWithValue(t, "cross_entropy: target 3 out of range [0, 3)", func() {
		ops.CrossEntropyForward(logits, targets(t, 3), tensor.CPU)
	})
}
