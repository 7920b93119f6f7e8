package optim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/nn"
	"github.com/born-ml/mnistrt/internal/optim"
	"github.com/born-ml/mnistrt/internal/tensor"
)

func param(t *testing.T, backend *cpu.CPUBackend, data ...float32) *nn.Parameter[*cpu.CPUBackend] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape{len(data)}, backend)
	require.NoError(t, err)
	return nn.NewParameter("weight", x)
}

func grads(t *testing.T, p *nn.Parameter[*cpu.CPUBackend], data ...float32) map[*tensor.RawTensor]*tensor.RawTensor {
	t.Helper()
	g, err := tensor.FromFloat32(tensor.Shape{len(data)}, data, tensor.CPU)
	require.NoError(t, err)
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): g}
}

func TestSGD_PlainStep(t *testing.T) {
	backend := cpu.New()
	p := param(t, backend, 1, 2)
	opt := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{p}, optim.SGDConfig{LR: 0.5}, backend)

	opt.Step(grads(t, p, 2, -2))
	assert.Equal(t, []float32{0, 3}, p.Tensor().Data())
	require.NotNil(t, p.Grad())

	opt.ZeroGrad()
	assert.Nil(t, p.Grad())
}

func TestSGD_MomentumAccumulatesVelocity(t *testing.T) {
	backend := cpu.New()
	p := param(t, backend, 0)
	opt := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.9}, backend)

	opt.Step(grads(t, p, 1)) // v = 1, p = -0.1
	opt.Step(grads(t, p, 1)) // v = 1.9, p = -0.29
	assert.InDelta(t, -0.29, p.Tensor().Data()[0], 1e-6)
}

func TestSGD_SkipsParametersWithoutGradient(t *testing.T) {
	backend := cpu.New()
	p := param(t, backend, 5)
	opt := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{p}, optim.SGDConfig{}, backend)

	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{})
	assert.Equal(t, []float32{5}, p.Tensor().Data())
	assert.InDelta(t, 0.01, opt.GetLR(), 1e-9)
}

func TestSGD_SetLR(t *testing.T) {
	backend := cpu.New()
	p := param(t, backend, 1)
	opt := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{p}, optim.SGDConfig{LR: 0.1}, backend)

	opt.SetLR(0.5)
	assert.InDelta(t, 0.5, opt.GetLR(), 1e-9)
	opt.Step(grads(t, p, 2))
	assert.InDelta(t, 0, p.Tensor().Data()[0], 1e-6)
}

func TestAdam_FirstStepMovesByLearningRate(t *testing.T) {
	backend := cpu.New()
	p := param(t, backend, 1, 1)
	opt := optim.NewAdam([]*nn.Parameter[*cpu.CPUBackend]{p}, optim.AdamConfig{LR: 0.01}, backend)

	opt.Step(grads(t, p, 3, -0.5))
	assert.InDelta(t, 0.99, p.Tensor().Data()[0], 1e-5)
	assert.InDelta(t, 1.01, p.Tensor().Data()[1], 1e-5)
	assert.Equal(t, 1, opt.GetTimestep())
}

func TestNew_SelectsOptimizer(t *testing.T) {
	backend := cpu.New()
	p := []*nn.Parameter[*cpu.CPUBackend]{param(t, backend, 0)}

	sgd, err := optim.New("sgd", p, 0.01, 0.9, backend)
	require.NoError(t, err)
	assert.IsType(t, &optim.SGD[*cpu.CPUBackend]{}, sgd)

	adam, err := optim.New("adam", p, 0.001, 0, backend)
	require.NoError(t, err)
	assert.IsType(t, &optim.Adam[*cpu.CPUBackend]{}, adam)

	_, err = optim.New("rmsprop", p, 0.01, 0, backend)
	assert.Error(t, err)
}

func TestStep_PanicsOnShapeMismatch(t *testing.T) {
	backend := cpu.New()
	p := param(t, backend, 1, 2)
	opt := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{p}, optim.SGDConfig{}, backend)
	assert.Panics(t, func() { opt.Step(grads(t, p, 1, 2, 3)) })
}
