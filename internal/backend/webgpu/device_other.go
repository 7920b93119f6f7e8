//go:build !windows

package webgpu

// Device is unavailable on this platform.
type Device struct{}

// Open always fails with ErrUnavailable.
func Open() (*Device, error) {
	return nil, ErrUnavailable
}

// Available reports false.
func Available() bool {
	return false
}

// Name returns an empty string.
func (d *Device) Name() string { return "" }

// Release is a no-op.
func (d *Device) Release() {}

// Conv2D fails with ErrUnavailable.
func (d *Device) Conv2D(ConvParams, []float32, []float32, []float32) ([]float32, error) {
	return nil, ErrUnavailable
}

// MaxPool2D fails with ErrUnavailable.
func (d *Device) MaxPool2D(PoolParams, []float32) ([]float32, error) {
	return nil, ErrUnavailable
}

// Linear fails with ErrUnavailable.
func (d *Device) Linear(LinearParams, []float32, []float32, []float32) ([]float32, error) {
	return nil, ErrUnavailable
}

// ReLU fails with ErrUnavailable.
func (d *Device) ReLU([]float32) ([]float32, error) {
	return nil, ErrUnavailable
}
