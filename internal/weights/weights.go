// Package weights holds the trained kernel/bias tensors handed from the
// trainer to the network builder.
package weights

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/born-ml/mnistrt/internal/serialization"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Weight set errors.
var (
	ErrMissingWeight    = errors.New("missing weight")
	ErrShapeMismatch    = errors.New("weight shape mismatch")
	ErrUnexpectedWeight = errors.New("unexpected weight")
)

// Pair is the kernel and bias of one layer.
type Pair struct {
	Kernel *tensor.RawTensor
	Bias   *tensor.RawTensor
}

// Set maps a layer name ("conv1", "fc2", ...) to its weights.
type Set map[string]Pair

// Spec is the expected kernel and bias shape of one layer.
type Spec struct {
	Name   string
	Kernel tensor.Shape
	Bias   tensor.Shape
}

// Validate checks that s holds exactly the layers in specs, with float32
// tensors of the expected shapes.
func (s Set) Validate(specs []Spec) error {
	want := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		want[spec.Name] = struct{}{}
		pair, ok := s[spec.Name]
		if !ok {
			return fmt.Errorf("%w: layer %q", ErrMissingWeight, spec.Name)
		}
		if err := check(spec.Name+".weight", pair.Kernel, spec.Kernel); err != nil {
			return err
		}
		if err := check(spec.Name+".bias", pair.Bias, spec.Bias); err != nil {
			return err
		}
	}
	for _, name := range s.Names() {
		if _, ok := want[name]; !ok {
			return fmt.Errorf("%w: layer %q", ErrUnexpectedWeight, name)
		}
	}
	return nil
}

func check(name string, t *tensor.RawTensor, shape tensor.Shape) error {
	if t == nil {
		return fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	if t.DType() != tensor.Float32 {
		return fmt.Errorf("%w: %s has dtype %s, want float32", ErrShapeMismatch, name, t.DType())
	}
	if !t.Shape().Equal(shape) {
		return fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, name, t.Shape(), shape)
	}
	return nil
}

// Names returns the layer names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumParams returns the total number of scalars in the set.
func (s Set) NumParams() int {
	n := 0
	for _, pair := range s {
		if pair.Kernel != nil {
			n += pair.Kernel.NumElements()
		}
		if pair.Bias != nil {
			n += pair.Bias.NumElements()
		}
	}
	return n
}

// StateDict flattens s into PyTorch style names: conv1.weight, conv1.bias.
func (s Set) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, 2*len(s))
	for name, pair := range s {
		if pair.Kernel != nil {
			sd[name+".weight"] = pair.Kernel
		}
		if pair.Bias != nil {
			sd[name+".bias"] = pair.Bias
		}
	}
	return sd
}

// FromStateDict is the inverse of StateDict.
func FromStateDict(sd map[string]*tensor.RawTensor) (Set, error) {
	s := make(Set)
	for key, t := range sd {
		layer, kind, ok := strings.Cut(key, ".")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not <layer>.weight or <layer>.bias", ErrUnexpectedWeight, key)
		}
		pair := s[layer]
		switch kind {
		case "weight":
			pair.Kernel = t
		case "bias":
			pair.Bias = t
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedWeight, key)
		}
		s[layer] = pair
	}
	return s, nil
}

// Save exports s as a SafeTensors file.
func (s Set) Save(path string, metadata map[string]string) error {
	if err := serialization.SaveSafeTensors(path, s.StateDict(), metadata); err != nil {
		return fmt.Errorf("failed to save weights: %w", err)
	}
	return nil
}

// Load reads a SafeTensors file written by Save.
func Load(path string) (Set, error) {
	//nolint:gosec // G304: input path is user supplied
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sd, _, err := serialization.ReadSafeTensors(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return FromStateDict(sd)
}
