package network_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/network"
	"github.com/born-ml/mnistrt/internal/tensor"
	"github.com/born-ml/mnistrt/internal/weights"
)

func randRaw(t *testing.T, rng *rand.Rand, shape ...int) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(tensor.Shape(shape), tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	for i := range raw.AsFloat32() {
		raw.AsFloat32()[i] = float32(rng.NormFloat64() * 0.1)
	}
	return raw
}

func mnistWeights(t *testing.T) weights.Set {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	return weights.Set{
		"conv1": {Kernel: randRaw(t, rng, 20, 1, 5, 5), Bias: randRaw(t, rng, 20)},
		"conv2": {Kernel: randRaw(t, rng, 50, 20, 5, 5), Bias: randRaw(t, rng, 50)},
		"fc1":   {Kernel: randRaw(t, rng, 500, 800), Bias: randRaw(t, rng, 500)},
		"fc2":   {Kernel: randRaw(t, rng, 10, 500), Bias: randRaw(t, rng, 10)},
	}
}

func TestWeightSpecs_MNIST(t *testing.T) {
	specs, err := network.WeightSpecs(network.Topology, network.InputShape)
	require.NoError(t, err)
	assert.Equal(t, []weights.Spec{
		{Name: "conv1", Kernel: tensor.Shape{20, 1, 5, 5}, Bias: tensor.Shape{20}},
		{Name: "conv2", Kernel: tensor.Shape{50, 20, 5, 5}, Bias: tensor.Shape{50}},
		{Name: "fc1", Kernel: tensor.Shape{500, 800}, Bias: tensor.Shape{500}},
		{Name: "fc2", Kernel: tensor.Shape{10, 500}, Bias: tensor.Shape{10}},
	}, specs)
}

func TestPopulate_EmitsTopologyInOrder(t *testing.T) {
	n, err := network.Populate(mnistWeights(t))
	require.NoError(t, err)

	require.Len(t, n.Inputs(), 1)
	assert.Equal(t, "data", n.Inputs()[0].Name())
	assert.Equal(t, tensor.Shape{1, 1, 28, 28}, n.Inputs()[0].Shape())

	require.Len(t, n.Outputs(), 1)
	out := n.Outputs()[0]
	assert.Equal(t, "prob", out.Name())
	assert.Equal(t, tensor.Shape{1, 10}, out.Shape())
	assert.True(t, out.IsNetworkOutput())

	want := []struct {
		name  string
		kind  network.LayerKind
		shape tensor.Shape
	}{
		{"conv1", network.LayerConvolution, tensor.Shape{1, 20, 24, 24}},
		{"pool1", network.LayerPooling, tensor.Shape{1, 20, 12, 12}},
		{"conv2", network.LayerConvolution, tensor.Shape{1, 50, 8, 8}},
		{"pool2", network.LayerPooling, tensor.Shape{1, 50, 4, 4}},
		{"fc1", network.LayerFullyConnected, tensor.Shape{1, 500}},
		{"relu1", network.LayerActivation, tensor.Shape{1, 500}},
		{"fc2", network.LayerFullyConnected, tensor.Shape{1, 10}},
	}
	require.Equal(t, len(want), n.NumLayers())
	for i, l := range n.Layers() {
		assert.Equal(t, want[i].name, l.Name())
		assert.Equal(t, want[i].kind, l.Kind())
		assert.Equal(t, want[i].shape, l.Output(0).Shape(), l.Name())
	}
	assert.Equal(t, network.DimsHW{H: 2, W: 2}, n.Layers()[1].Stride())
	assert.Nil(t, n.Layers()[0].Output(1))

	assert.Equal(t, 20, n.Layers()[0].NumOutputs())
	assert.Equal(t, 500, n.Layers()[4].NumOutputs())
	assert.True(t, n.Inputs()[0].IsNetworkInput())
	assert.False(t, out.IsNetworkInput())
	assert.Nil(t, n.Inputs()[0].Producer())
	assert.Same(t, n.Layers()[6], out.Producer())
	assert.Same(t, n.Layers()[0], n.Layers()[1].Input(0).Producer())
}

func TestPopulate_RejectsBadWeights(t *testing.T) {
	missing := mnistWeights(t)
	delete(missing, "conv2")
	_, err := network.Populate(missing)
	assert.ErrorIs(t, err, network.ErrMissingWeight)

	rng := rand.New(rand.NewSource(2))
	transposed := mnistWeights(t)
	transposed["fc1"] = weights.Pair{Kernel: randRaw(t, rng, 800, 500), Bias: randRaw(t, rng, 500)}
	_, err = network.Populate(transposed)
	assert.ErrorIs(t, err, network.ErrShapeMismatch)
}

func TestSetStride_ReinfersDownstreamShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := network.New()
	x, err := n.AddInput("data", tensor.Float32, tensor.Shape{1, 1, 8, 8})
	require.NoError(t, err)

	conv, err := n.AddConvolution(x, 2, network.DimsHW{H: 3, W: 3}, randRaw(t, rng, 2, 1, 3, 3), randRaw(t, rng, 2))
	require.NoError(t, err)
	fc, err := n.AddFullyConnected(conv.Output(0), 4, randRaw(t, rng, 4, 72), randRaw(t, rng, 4))
	require.NoError(t, err)
	require.NoError(t, n.MarkOutput(fc.Output(0)))
	require.NoError(t, n.Validate())
	assert.Equal(t, tensor.Shape{1, 2, 6, 6}, conv.Output(0).Shape())

	// Stride 2 shrinks the conv output to 3x3, so the fc kernel no longer fits.
	conv.SetStride(network.DimsHW{H: 2, W: 2})
	assert.Equal(t, tensor.Shape{1, 2, 3, 3}, conv.Output(0).Shape())
	assert.ErrorIs(t, n.Validate(), network.ErrShapeMismatch)

	conv.SetStride(network.DimsHW{H: 1, W: 1})
	assert.NoError(t, n.Validate())

	conv.SetPadding(network.DimsHW{H: 1, W: 1})
	assert.Equal(t, tensor.Shape{1, 2, 8, 8}, conv.Output(0).Shape())
	assert.ErrorIs(t, n.Validate(), network.ErrShapeMismatch)
}

func TestAdd_Errors(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n := network.New()

	_, err := n.AddInput("bad", tensor.Float32, tensor.Shape{1, 0})
	assert.ErrorIs(t, err, network.ErrInvalidGraph)
	_, err = n.AddInput("ints", tensor.Int32, tensor.Shape{1})
	assert.ErrorIs(t, err, network.ErrInvalidGraph)

	x, err := n.AddInput("data", tensor.Float32, tensor.Shape{1, 3, 4, 4})
	require.NoError(t, err)

	_, err = n.AddConvolution(x, 2, network.DimsHW{H: 3, W: 3}, randRaw(t, rng, 2, 1, 3, 3), randRaw(t, rng, 2))
	assert.ErrorIs(t, err, network.ErrShapeMismatch, "kernel has 1 input channel, input has 3")

	_, err = n.AddConvolution(x, 2, network.DimsHW{H: 3, W: 3}, randRaw(t, rng, 2, 3, 3, 3), nil)
	assert.ErrorIs(t, err, network.ErrMissingWeight)

	_, err = n.AddPooling(x, network.PoolingMax, network.DimsHW{H: 5, W: 5})
	assert.ErrorIs(t, err, network.ErrShapeMismatch)

	other := network.New()
	foreign, err := other.AddInput("x", tensor.Float32, tensor.Shape{1, 1})
	require.NoError(t, err)
	_, err = n.AddActivation(foreign, network.ActivationReLU)
	assert.ErrorIs(t, err, network.ErrInvalidGraph)
	assert.ErrorIs(t, n.MarkOutput(foreign), network.ErrInvalidGraph)

	assert.ErrorIs(t, n.Validate(), network.ErrInvalidGraph, "no outputs marked")
	assert.Zero(t, n.NumLayers())
}
