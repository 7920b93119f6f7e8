package engine

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/born-ml/mnistrt/internal/backend/webgpu"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Engine is a deserialized, ready to run inference engine.
type Engine struct {
	plan      *Plan
	weights   map[string]*tensor.RawTensor
	raw       []byte
	id        string
	metadata  map[string]string
	createdAt time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	gpu    *webgpu.Device
	closed bool
}

// NumBindings returns the number of input and output bindings.
func (e *Engine) NumBindings() int {
	return len(e.plan.Bindings)
}

// Binding returns binding i.
func (e *Engine) Binding(i int) (Binding, error) {
	if i < 0 || i >= len(e.plan.Bindings) {
		return Binding{}, fmt.Errorf("%w: index %d out of range [0, %d)", ErrBindings, i, len(e.plan.Bindings))
	}
	b := e.plan.Bindings[i]
	b.Shape = b.Shape.Clone()
	return b, nil
}

// BindingIndex returns the index of the binding called name, or -1.
func (e *Engine) BindingIndex(name string) int {
	for i, b := range e.plan.Bindings {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// ID returns the identifier assigned when the engine was built.
func (e *Engine) ID() string { return e.id }

// Precision returns the weight storage precision.
func (e *Engine) Precision() Precision { return e.plan.Precision }

// Device returns the device the engine executes on.
func (e *Engine) Device() DeviceKind { return e.plan.Device }

// Workspace returns the scratch memory estimate in bytes.
func (e *Engine) Workspace() int64 { return e.plan.Workspace }

// CreatedAt returns the build time.
func (e *Engine) CreatedAt() time.Time { return e.createdAt }

// Metadata returns a copy of the artifact metadata.
func (e *Engine) Metadata() map[string]string { return maps.Clone(e.metadata) }

// Serialize returns the artifact the engine was loaded from. Deserializing
// it again yields an identical engine.
func (e *Engine) Serialize() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return append([]byte(nil), e.raw...), nil
}

// Summary returns one row per binding and per step:
// kind, name, operation, shape, tactic.
func (e *Engine) Summary() [][]string {
	rows := make([][]string, 0, len(e.plan.Bindings)+len(e.plan.Steps))
	for _, b := range e.plan.Bindings {
		kind := "output"
		if b.IsInput {
			kind = "input"
		}
		rows = append(rows, []string{kind, b.Name, "float32", fmt.Sprint(b.Shape), ""})
	}
	for _, s := range e.plan.Steps {
		op := string(s.Op)
		if s.FusedReLU {
			op += "+relu"
		}
		rows = append(rows, []string{"step", s.Name, op, fmt.Sprint(s.OutShape), string(s.Tactic)})
	}
	return rows
}

// WriteSummary renders the engine header and Summary as a table.
func (e *Engine) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "engine %s  precision %s  device %s  workspace %d bytes\n",
		e.id, e.plan.Precision, e.plan.Device, e.plan.Workspace)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KIND", "NAME", "OP", "SHAPE", "TACTIC"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.AppendBulk(e.Summary())
	table.Render()
}

// CreateExecutionContext returns a context for running inference.
func (e *Engine) CreateExecutionContext() (*ExecutionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return newExecutionContext(e), nil
}

// Close releases the device and weights held by the engine. It waits for a
// running Execute and is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.gpu != nil {
		e.gpu.Release()
		e.gpu = nil
	}
	for _, w := range e.weights {
		w.Release()
	}
	e.logger.Debug("engine closed", "id", e.id, "workspace", e.plan.Workspace)
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
