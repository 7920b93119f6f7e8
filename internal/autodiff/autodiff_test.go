package autodiff_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/autodiff"
	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/tensor"
)

type Backend = autodiff.AutodiffBackend[*cpu.CPUBackend]

func fromSlice(t *testing.T, b *Backend, shape tensor.Shape, data []float32) *tensor.Tensor[float32, *Backend] {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func TestAutodiffBackend_Metadata(t *testing.T) {
	backend := autodiff.New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", backend.Name())
	assert.Equal(t, tensor.CPU, backend.Device())
	assert.NotNil(t, backend.Inner())
}

func TestTape_RecordingAndClear(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	assert.False(t, tape.IsRecording())

	a := fromSlice(t, backend, tensor.Shape{2}, []float32{1, 2})
	b := fromSlice(t, backend, tensor.Shape{2}, []float32{3, 4})

	a.Add(b)
	assert.Equal(t, 0, tape.NumOps(), "nothing is recorded before StartRecording")

	tape.StartRecording()
	a.Add(b)
	a.Mul(b)
	assert.Equal(t, 2, tape.NumOps())

	tape.Clear()
	assert.Equal(t, 0, tape.NumOps())
	assert.True(t, tape.IsRecording(), "Clear keeps the recording state")
}

func TestAutodiffBackend_OperandsAreNotModifiedInPlace(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	a := fromSlice(t, backend, tensor.Shape{2}, []float32{1, 2})
	b := fromSlice(t, backend, tensor.Shape{2}, []float32{3, 4})
	c := a.Add(b)

	assert.Equal(t, []float32{1, 2}, a.Data())
	assert.Equal(t, []float32{4, 6}, c.Data())
}

func TestNoGrad_RestoresRecordingState(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	tape.StartRecording()

	a := fromSlice(t, backend, tensor.Shape{1}, []float32{2})
	backend.NoGrad(func() {
		assert.False(t, tape.IsRecording())
		a.Mul(a)
	})
	assert.True(t, tape.IsRecording())
	assert.Equal(t, 0, tape.NumOps())
}

func TestBackward_ChainRule(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	// y = (x + 2) * x, dy/dx = 2x + 2
	x := fromSlice(t, backend, tensor.Shape{1}, []float32{3})
	two := fromSlice(t, backend, tensor.Shape{1}, []float32{2})
	y := x.Add(two).Mul(x)

	grads := autodiff.Backward(y, backend)
	require.Contains(t, grads, x.Raw())
	assert.InDelta(t, 8.0, grads[x.Raw()].AsFloat32()[0], 1e-6)
}

func TestBackward_GradientAccumulationDoesNotAlias(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	// y = x + x + x, every use of x receives the same upstream gradient.
	x := fromSlice(t, backend, tensor.Shape{2}, []float32{1, 1})
	s := x.Add(x)
	y := s.Add(x)

	grads := autodiff.Backward(y, backend)
	assert.Equal(t, []float32{3, 3}, grads[x.Raw()].AsFloat32())
	assert.Equal(t, []float32{1, 1}, grads[s.Raw()].AsFloat32())
}

func TestBackward_PanicsWithoutRecording(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := fromSlice(t, backend, tensor.Shape{1}, []float32{1})
	assert.Panics(t, func() { autodiff.Backward(x, backend) })
}

func TestBackward_LinearLayer(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	// y = x @ W^T + b, summed by the ones seed.
	x := fromSlice(t, backend, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	w := fromSlice(t, backend, tensor.Shape{2, 3}, []float32{1, 0, 0, 0, 1, 0})
	b := fromSlice(t, backend, tensor.Shape{1, 2}, []float32{0.5, -0.5})
	y := x.MatMul(w.T()).Add(b)

	grads := autodiff.Backward(y, backend)

	// dL/dW[o,i] = sum_b x[b,i]
	assert.Equal(t, []float32{5, 7, 9, 5, 7, 9}, grads[w.Raw()].AsFloat32())
	// dL/db = batch size
	assert.Equal(t, []float32{2, 2}, grads[b.Raw()].AsFloat32())
	assert.Equal(t, tensor.Shape{1, 2}, grads[b.Raw()].Shape())
}

func TestBackward_CrossEntropyThroughConvNet(t *testing.T) {
	backend := autodiff.New(cpu.New())
	rng := rand.New(rand.NewSource(1))

	x := tensor.Randn[*Backend](tensor.Shape{2, 1, 6, 6}, rng, backend)
	k := tensor.Randn[*Backend](tensor.Shape{2, 1, 3, 3}, rng, backend)
	w := tensor.Randn[*Backend](tensor.Shape{3, 8}, rng, backend)
	labels, err := tensor.NewRaw(tensor.Shape{2}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(labels.AsInt32(), []int32{0, 2})

	loss := func() float64 {
		h := backend.Conv2D(x.Raw(), k.Raw(), 1, 0)
		h = backend.MaxPool2D(h, 2, 2)
		h = backend.ReLU(h)
		h = backend.Reshape(h, tensor.Shape{2, 8})
		logits := backend.MatMul(h, backend.Transpose(w.Raw()))
		return float64(backend.CrossEntropy(logits, labels).AsFloat32()[0])
	}

	backend.Tape().StartRecording()
	loss()
	seed, err := tensor.FromFloat32(tensor.Shape{1}, []float32{1}, tensor.CPU)
	require.NoError(t, err)
	grads := backend.Tape().Backward(seed, backend)
	backend.Tape().StopRecording()
	backend.Tape().Clear()

	kGrad := grads[k.Raw()]
	require.NotNil(t, kGrad)
	require.Equal(t, k.Shape(), kGrad.Shape())

	const eps = 1e-2
	kData := k.Raw().AsFloat32()
	for i := range kData {
		orig := kData[i]
		kData[i] = orig + eps
		plus := loss()
		kData[i] = orig - eps
		minus := loss()
		kData[i] = orig

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(kGrad.AsFloat32()[i]), 2e-2, "kernel element %d", i)
	}
}
