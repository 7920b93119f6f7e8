package engine

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"

	"github.com/born-ml/mnistrt/internal/backend/webgpu"
	"github.com/born-ml/mnistrt/internal/serialization"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Runtime deserializes engine artifacts.
type Runtime struct {
	logger *slog.Logger
}

// NewRuntime returns a runtime. A nil logger uses slog.Default().
func NewRuntime(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{logger: logger}
}

// Deserialize reconstructs an engine from the bytes produced by
// Builder.BuildSerializedNetwork. Damaged artifacts fail with
// ErrCorruptEngine; artifacts built for another engine version, CPU
// architecture or an absent device fail with ErrIncompatibleEngine.
func (r *Runtime) Deserialize(data []byte) (*Engine, error) {
	c, err := serialization.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEngine, err)
	}
	if c.ModelType != modelType {
		return nil, fmt.Errorf("%w: model type %q, want %q", ErrIncompatibleEngine, c.ModelType, modelType)
	}
	if v := c.Metadata[MetaVersion]; v != strconv.Itoa(PlanVersion) {
		return nil, fmt.Errorf("%w: engine version %q, runtime supports %d", ErrIncompatibleEngine, v, PlanVersion)
	}
	if arch := c.Metadata[MetaArch]; arch != runtime.GOARCH {
		return nil, fmt.Errorf("%w: built for %s, running on %s", ErrIncompatibleEngine, arch, runtime.GOARCH)
	}

	plan, err := readPlan(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEngine, err)
	}
	weights, err := readWeights(c, plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEngine, err)
	}

	e := &Engine{
		plan:      plan,
		weights:   weights,
		raw:       append([]byte(nil), data...),
		id:        c.Metadata[MetaID],
		metadata:  c.Metadata,
		createdAt: c.CreatedAt,
		logger:    r.logger,
	}
	if plan.Device == DeviceWebGPU {
		gpu, err := webgpu.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIncompatibleEngine, err)
		}
		e.gpu = gpu
	}

	r.logger.Debug("engine deserialized",
		"id", e.id,
		"precision", plan.Precision,
		"device", plan.Device,
		"steps", len(plan.Steps))
	return e, nil
}

func readPlan(c *serialization.Container) (*Plan, error) {
	t, err := c.Tensor(planTensor)
	if err != nil {
		return nil, err
	}
	if t.DType() != tensor.Uint8 {
		return nil, fmt.Errorf("plan tensor has dtype %s", t.DType())
	}
	plan, err := unmarshalPlan(t.AsUint8())
	if err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if plan.Version != PlanVersion {
		return nil, fmt.Errorf("plan version %d, want %d", plan.Version, PlanVersion)
	}
	if _, err := ParsePrecision(string(plan.Precision)); err != nil {
		return nil, err
	}
	if plan.Device != DeviceCPU && plan.Device != DeviceWebGPU {
		return nil, fmt.Errorf("plan device %q", plan.Device)
	}
	for _, s := range plan.Steps {
		if !tacticSupported(plan.Device, &s) {
			return nil, fmt.Errorf("step %s: tactic %q cannot run %s on %s", s.Name, s.Tactic, s.Op, plan.Device)
		}
	}
	return plan, nil
}

// readWeights widens every stored weight to float32 and checks the plan
// against them.
func readWeights(c *serialization.Container, plan *Plan) (map[string]*tensor.RawTensor, error) {
	want := plan.Precision.dtype()
	shapes := make(map[string]tensor.Shape)
	weights := make(map[string]*tensor.RawTensor)
	for _, name := range c.Names() {
		if name == planTensor {
			continue
		}
		t, _ := c.Tensor(name)
		if t.DType() != want {
			return nil, fmt.Errorf("tensor %q is %s, engine precision is %s", name, t.DType(), plan.Precision)
		}
		wide, err := decodeWeights(t)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		shapes[name] = t.Shape()
		weights[name] = wide
	}
	if err := plan.validate(shapes); err != nil {
		return nil, err
	}
	return weights, nil
}

func tacticSupported(device DeviceKind, s *Step) bool {
	if device == DeviceWebGPU {
		return s.Tactic == TacticWGSL
	}
	switch s.Op {
	case OpConv:
		return s.Tactic == TacticIm2col || s.Tactic == TacticDirect
	case OpFC:
		return s.Tactic == TacticGemm
	case OpPool, OpReLU:
		return s.Tactic == TacticNaive
	}
	return false
}
