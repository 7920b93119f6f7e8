package tensor_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/tensor"
)

func TestDataType(t *testing.T) {
	tests := []struct {
		dtype tensor.DataType
		size  int
		name  string
	}{
		{tensor.Float32, 4, "float32"},
		{tensor.Float64, 8, "float64"},
		{tensor.Int32, 4, "int32"},
		{tensor.Int64, 8, "int64"},
		{tensor.Uint8, 1, "uint8"},
		{tensor.Bool, 1, "bool"},
		{tensor.Float16, 2, "float16"},
		{tensor.BFloat16, 2, "bfloat16"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.size, tt.dtype.Size(), tt.name)
		assert.Equal(t, tt.name, tt.dtype.String())
		parsed, ok := tensor.ParseDataType(tt.name)
		require.True(t, ok, tt.name)
		assert.Equal(t, tt.dtype, parsed)
	}

	_, ok := tensor.ParseDataType("complex64")
	assert.False(t, ok)
}

func TestShape(t *testing.T) {
	s := tensor.Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	assert.Equal(t, 1, tensor.Shape{}.NumElements())
	assert.Equal(t, []int{12, 4, 1}, s.ComputeStrides())
	assert.True(t, s.Equal(tensor.Shape{2, 3, 4}))
	assert.False(t, s.Equal(tensor.Shape{2, 12}))
	assert.Equal(t, tensor.Shape{2, 12}, s.Flatten2D())

	c := s.Clone()
	c[0] = 9
	assert.Equal(t, 2, s[0])

	assert.NoError(t, s.Validate())
	assert.Error(t, tensor.Shape{2, 0}.Validate())
	assert.Error(t, tensor.Shape{-1}.Validate())
}

func TestBroadcastShapes(t *testing.T) {
	out, broadcast, err := tensor.BroadcastShapes(tensor.Shape{3, 1}, tensor.Shape{1, 5})
	require.NoError(t, err)
	assert.True(t, broadcast)
	assert.Equal(t, tensor.Shape{3, 5}, out)

	_, _, err = tensor.BroadcastShapes(tensor.Shape{3}, tensor.Shape{4})
	assert.Error(t, err)
}

func TestRawTensor(t *testing.T) {
	raw, err := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, 2, 3, 4}, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, 16, raw.ByteSize())
	assert.Equal(t, tensor.Float32, raw.DType())

	shared := raw.Clone()
	assert.False(t, raw.IsUnique())
	shared.Release()
	assert.True(t, raw.IsUnique())

	deep := raw.DeepCopy()
	deep.AsFloat32()[0] = 100
	assert.Equal(t, float32(1), raw.AsFloat32()[0])

	_, err = tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2}, tensor.CPU)
	assert.Error(t, err)
	_, err = tensor.NewRaw(tensor.Shape{0}, tensor.Float32, tensor.CPU)
	assert.Error(t, err)

	half, err := tensor.NewRaw(tensor.Shape{3}, tensor.Float16, tensor.CPU)
	require.NoError(t, err)
	assert.Len(t, half.AsUint16(), 3)
	assert.Panics(t, func() { raw.AsUint16() })
}

func TestTensorOps(t *testing.T) {
	backend := cpu.New()
	a, err := tensor.FromSlice([]float32{1, -2, 3, -4, 5, -6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 0, 3, 0, 5, 0}, a.ReLU().Data())
	assert.Equal(t, []float32{2, -4, 6, -8, 10, -12}, a.MulScalar(2).Data())
	assert.Equal(t, tensor.Shape{3, 2}, a.T().Shape())
	assert.Equal(t, float32(-4), a.T().At(0, 1))
	assert.Equal(t, tensor.Shape{6}, a.Reshape(6).Shape())

	ones := tensor.Ones[float32](tensor.Shape{3, 1}, backend)
	assert.Equal(t, []float32{2, -5}, a.MatMul(ones).Data(), "row sums")

	shape := tensor.Shape{2, 3}
	got := tensor.Full[float32](shape, 1, backend).
		Add(tensor.Full[float32](shape, 3, backend)).
		Sub(tensor.Ones[float32](shape, backend)).
		Mul(tensor.Full[float32](shape, 2, backend))
	assert.Equal(t, []float32{6, 6, 6, 6, 6, 6}, got.Data())

	row, err := tensor.FromSlice([]float32{10, 20, 30}, tensor.Shape{1, 3}, backend)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 18, 33, 6, 25, 24}, a.Add(row).Data(), "row broadcast")

	a.Set(7, 1, 2)
	assert.Equal(t, float32(7), a.At(1, 2))
	assert.Panics(t, func() { a.At(2, 0) })
	assert.Panics(t, func() { tensor.Zeros[float32](tensor.Shape{3}, backend).T() })
}

func TestCloneAndDetach(t *testing.T) {
	backend := cpu.New()
	x := tensor.Ones[float32](tensor.Shape{4}, backend)
	d := x.Detach()
	d.Data()[0] = 5
	assert.Equal(t, float32(1), x.At(0))
	assert.Contains(t, x.String(), "float32")
}

func TestRandomCreationIsReproducible(t *testing.T) {
	backend := cpu.New()
	a := tensor.Randn(tensor.Shape{5, 5}, rand.New(rand.NewSource(3)), backend)
	b := tensor.Randn(tensor.Shape{5, 5}, rand.New(rand.NewSource(3)), backend)
	assert.Equal(t, a.Data(), b.Data())

	u := tensor.Uniform(tensor.Shape{100}, -1, 1, rand.New(rand.NewSource(4)), backend)
	for _, v := range u.Data() {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.Less(t, v, float32(1))
	}
}
