package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/backend/webgpu"
	"github.com/born-ml/mnistrt/internal/network"
	"github.com/born-ml/mnistrt/internal/serialization"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Metadata keys written into every engine artifact.
const (
	MetaVersion   = "engine.version"
	MetaID        = "engine.id"
	MetaPrecision = "engine.precision"
	MetaDevice    = "engine.device"
	MetaArch      = "engine.arch"
	MetaCPU       = "engine.cpu"
	MetaWorkspace = "engine.workspace"
)

// GiB returns n gibibytes in bytes.
func GiB(n int64) int64 {
	return n << 30
}

// BuilderConfig controls engine compilation.
type BuilderConfig struct {
	// MaxWorkspaceSize bounds the scratch memory the engine may use at
	// execution time. Zero or negative means unbounded.
	MaxWorkspaceSize int64

	Precision Precision
	Device    DeviceKind

	// Autotune times every convolution tactic instead of using the
	// heuristic. TimingIterations runs are taken per tactic.
	Autotune         bool
	TimingIterations int
}

// Builder compiles network definitions into engines.
type Builder struct {
	logger  *slog.Logger
	backend *cpu.CPUBackend
	now     func() time.Time
}

// NewBuilder returns a builder. A nil logger uses slog.Default().
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		logger:  logger,
		backend: cpu.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateBuilderConfig returns the default configuration: 1 GiB workspace,
// fp32 weights, automatic device, heuristic tactics.
func (b *Builder) CreateBuilderConfig() *BuilderConfig {
	return &BuilderConfig{
		MaxWorkspaceSize: GiB(1),
		Precision:        PrecisionFP32,
		Device:           DeviceAuto,
		TimingIterations: 3,
	}
}

// BuildSerializedNetwork compiles net and returns the engine artifact bytes.
func (b *Builder) BuildSerializedNetwork(ctx context.Context, net *network.Network, cfg *BuilderConfig) ([]byte, error) {
	if cfg == nil {
		cfg = b.CreateBuilderConfig()
	}
	if _, err := ParsePrecision(string(cfg.Precision)); err != nil {
		return nil, err
	}
	if _, err := ParseDevice(string(cfg.Device)); err != nil {
		return nil, err
	}

	start := time.Now()
	plan, prepared, err := b.compile(ctx, net, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	c := serialization.NewContainer(modelType)
	c.CreatedAt = b.now()
	encoded, err := plan.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	planRaw, err := tensor.NewRaw(tensor.Shape{len(encoded)}, tensor.Uint8, tensor.CPU)
	if err != nil {
		return nil, err
	}
	copy(planRaw.AsUint8(), encoded)
	if err := c.Add(planTensor, planRaw); err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(prepared) {
		if err := c.Add(name, prepared[name]); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	c.Metadata[MetaVersion] = strconv.Itoa(PlanVersion)
	c.Metadata[MetaID] = id
	c.Metadata[MetaPrecision] = string(plan.Precision)
	c.Metadata[MetaDevice] = string(plan.Device)
	c.Metadata[MetaArch] = runtime.GOARCH
	c.Metadata[MetaCPU] = cpuBrand()
	c.Metadata[MetaWorkspace] = strconv.FormatInt(plan.Workspace, 10)

	data, err := serialization.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize engine: %w", err)
	}
	b.logger.Info("engine built",
		"id", id,
		"steps", len(plan.Steps),
		"precision", plan.Precision,
		"device", plan.Device,
		"workspace", plan.Workspace,
		"bytes", len(data),
		"elapsed", time.Since(start))
	return data, nil
}

// BuildEngine compiles net and deserializes the result in one go.
func (b *Builder) BuildEngine(ctx context.Context, net *network.Network, cfg *BuilderConfig) (*Engine, error) {
	data, err := b.BuildSerializedNetwork(ctx, net, cfg)
	if err != nil {
		return nil, err
	}
	return NewRuntime(b.logger).Deserialize(data)
}

// compile runs the build passes and returns the plan together with the
// prepared weight tensors keyed by their container names.
func (b *Builder) compile(ctx context.Context, net *network.Network, cfg *BuilderConfig) (*Plan, map[string]*tensor.RawTensor, error) {
	if err := checkNetwork(net); err != nil {
		return nil, nil, err
	}

	steps, raw := lower(net)
	steps = fuse(steps)
	b.logger.Debug("lowered network", "layers", net.NumLayers(), "steps", len(steps))

	ws := workspace(steps)
	if cfg.MaxWorkspaceSize > 0 && ws > cfg.MaxWorkspaceSize {
		return nil, nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrWorkspaceExceeded, ws, cfg.MaxWorkspaceSize)
	}

	device, err := selectDevice(cfg.Device)
	if err != nil {
		return nil, nil, err
	}
	if err := b.selectTactics(ctx, steps, raw, device, cfg); err != nil {
		return nil, nil, err
	}

	prepared, err := b.prepareWeights(steps, raw, cfg.Precision)
	if err != nil {
		return nil, nil, err
	}

	in, out := net.Inputs()[0], net.Outputs()[0]
	plan := &Plan{
		Version:   PlanVersion,
		Precision: cfg.Precision,
		Device:    device,
		Bindings: []Binding{
			{Name: in.Name(), Shape: in.Shape(), IsInput: true},
			{Name: out.Name(), Shape: out.Shape()},
		},
		Steps:     steps,
		Workspace: ws,
	}
	return plan, prepared, nil
}

// checkNetwork accepts a single-input single-output chain of supported
// layers with square geometry.
func checkNetwork(net *network.Network) error {
	if net == nil {
		return fmt.Errorf("%w: nil network", network.ErrInvalidGraph)
	}
	if err := net.Validate(); err != nil {
		return err
	}
	if len(net.Inputs()) != 1 || len(net.Outputs()) != 1 {
		return fmt.Errorf("%w: need exactly one input and one output, got %d and %d",
			ErrUnsupportedLayer, len(net.Inputs()), len(net.Outputs()))
	}
	if net.NumLayers() == 0 {
		return fmt.Errorf("%w: no layers", network.ErrInvalidGraph)
	}

	prev := net.Inputs()[0]
	names := make(map[string]bool, net.NumLayers())
	for _, l := range net.Layers() {
		if names[l.Name()] {
			return fmt.Errorf("%w: duplicate layer name %q", network.ErrInvalidGraph, l.Name())
		}
		names[l.Name()] = true
		if l.Input(0) != prev {
			return fmt.Errorf("%w: %s does not consume %q; only sequential graphs are supported",
				ErrUnsupportedLayer, l.Name(), prev.Name())
		}
		switch l.Kind() {
		case network.LayerConvolution:
			k, s, p := l.KernelSize(), l.Stride(), l.Padding()
			if k.H != k.W || s.H != s.W || p.H != p.W {
				return fmt.Errorf("%w: %s: kernel %s stride %s padding %s must be square", ErrUnsupportedLayer, l.Name(), k, s, p)
			}
		case network.LayerPooling:
			w, s, p := l.WindowSize(), l.Stride(), l.Padding()
			if l.PoolingType() != network.PoolingMax {
				return fmt.Errorf("%w: %s: %s pooling", ErrUnsupportedLayer, l.Name(), l.PoolingType())
			}
			if w.H != w.W || s.H != s.W || p != (network.DimsHW{}) {
				return fmt.Errorf("%w: %s: window %s stride %s padding %s", ErrUnsupportedLayer, l.Name(), w, s, p)
			}
		case network.LayerFullyConnected:
		case network.LayerActivation:
			if l.ActivationType() != network.ActivationReLU {
				return fmt.Errorf("%w: %s: %s activation", ErrUnsupportedLayer, l.Name(), l.ActivationType())
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedLayer, l.Kind())
		}
		prev = l.Output(0)
	}
	if prev != net.Outputs()[0] {
		return fmt.Errorf("%w: output %q is not produced by the last layer", ErrUnsupportedLayer, net.Outputs()[0].Name())
	}
	return nil
}

// lower turns every layer into one step. raw maps weight names to the
// float32 tensors held by the network.
func lower(net *network.Network) ([]Step, map[string]*tensor.RawTensor) {
	steps := make([]Step, 0, net.NumLayers())
	raw := make(map[string]*tensor.RawTensor)
	for _, l := range net.Layers() {
		s := Step{
			Name:     l.Name(),
			Input:    l.Input(0).Name(),
			Output:   l.Output(0).Name(),
			InShape:  l.Input(0).Shape(),
			OutShape: l.Output(0).Shape(),
		}
		switch l.Kind() {
		case network.LayerConvolution:
			s.Op = OpConv
			s.Kernel, s.Stride, s.Padding = l.KernelSize().H, l.Stride().H, l.Padding().H
		case network.LayerPooling:
			s.Op = OpPool
			s.Kernel, s.Stride = l.WindowSize().H, l.Stride().H
		case network.LayerFullyConnected:
			s.Op = OpFC
		case network.LayerActivation:
			s.Op = OpReLU
		}
		if s.Op == OpConv || s.Op == OpFC {
			s.Weight, s.Bias = s.Name+".weight", s.Name+".bias"
			raw[s.Weight], raw[s.Bias] = l.Weight(), l.Bias()
		}
		steps = append(steps, s)
	}
	return steps, raw
}

// fuse folds a ReLU into the conv or fc step that feeds it.
func fuse(steps []Step) []Step {
	out := steps[:0:0]
	for _, s := range steps {
		if s.Op == OpReLU && len(out) > 0 {
			last := &out[len(out)-1]
			if (last.Op == OpFC || last.Op == OpConv) && !last.FusedReLU {
				last.FusedReLU = true
				last.Output = s.Output
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// workspace estimates the execution scratch memory: the largest im2col
// buffer plus the two largest activations, which are live at once.
func workspace(steps []Step) int64 {
	var col, first, second int64
	track := func(shape tensor.Shape) {
		n := int64(shape.NumElements()) * 4
		switch {
		case n > first:
			first, second = n, first
		case n > second:
			second = n
		}
	}
	// Each activation is counted once: the network input, then every
	// step's output.
	if len(steps) > 0 {
		track(steps[0].InShape)
	}
	for _, s := range steps {
		if s.Op == OpConv {
			in, out := s.InShape, s.OutShape
			col = max(col, cpu.Im2colBytes(in[0], in[1], s.Kernel, s.Kernel, out[2], out[3]))
		}
		track(s.OutShape)
	}
	return col + first + second
}

func selectDevice(kind DeviceKind) (DeviceKind, error) {
	switch kind {
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceWebGPU:
		if !webgpu.Available() {
			return "", fmt.Errorf("device webgpu requested: %w", webgpu.ErrUnavailable)
		}
		return DeviceWebGPU, nil
	}
	if webgpu.Available() {
		return DeviceWebGPU, nil
	}
	return DeviceCPU, nil
}

// prepareWeights transposes fc kernels to [in, out] and stores every weight
// in precision p.
func (b *Builder) prepareWeights(steps []Step, raw map[string]*tensor.RawTensor, p Precision) (map[string]*tensor.RawTensor, error) {
	prepared := make(map[string]*tensor.RawTensor, len(raw))
	for i := range steps {
		s := &steps[i]
		if s.Weight == "" {
			continue
		}
		kernel, bias := raw[s.Weight], raw[s.Bias]
		if kernel == nil || bias == nil {
			return nil, fmt.Errorf("%w: %s", network.ErrMissingWeight, s.Name)
		}
		if s.Op == OpFC {
			kernel = b.backend.Transpose(kernel, 1, 0)
		}
		wantKernel, wantBias := weightShape(s)
		if !kernel.Shape().Equal(wantKernel) || !bias.Shape().Equal(wantBias) {
			return nil, fmt.Errorf("%w: %s: kernel %v bias %v, want %v %v",
				network.ErrShapeMismatch, s.Name, kernel.Shape(), bias.Shape(), wantKernel, wantBias)
		}
		for name, t := range map[string]*tensor.RawTensor{s.Weight: kernel, s.Bias: bias} {
			enc, err := encodeWeights(t, p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			prepared[name] = enc
		}
	}
	return prepared, nil
}

func sortedKeys(m map[string]*tensor.RawTensor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
