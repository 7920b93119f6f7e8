package ops

import "github.com/born-ml/mnistrt/internal/tensor"

// Conv2DOp records a 2D convolution for autodiff.
//
// Forward:
//
//	output[n,co,h,w] = sum(input[n,ci,h*s+kh-p,w*s+kw-p] * kernel[co,ci,kh,kw])
//
// Backward delegates to the backend's transposed convolution kernels:
//   - input gradient: full convolution of grad with the flipped kernel
//   - kernel gradient: correlation of the input with grad
type Conv2DOp struct {
	input   *tensor.RawTensor
	kernel  *tensor.RawTensor
	output  *tensor.RawTensor
	stride  int
	padding int
}

// NewConv2DOp creates a new Conv2DOp.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{
		input:   input,
		kernel:  kernel,
		output:  output,
		stride:  stride,
		padding: padding,
	}
}

// Inputs returns [input, kernel].
func (op *Conv2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the feature map.
func (op *Conv2DOp) Output() *tensor.RawTensor { return op.output }

// Backward computes the input and kernel gradients.
func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad := backend.Conv2DInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding)
	kernelGrad := backend.Conv2DKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding)
	return []*tensor.RawTensor{inputGrad, kernelGrad}
}

// MaxPool2DOp records a max pooling operation. Only the window maximum
// receives gradient; maxIndices holds its flat input position for every
// output element.
type MaxPool2DOp struct {
	input      *tensor.RawTensor
	output     *tensor.RawTensor
	maxIndices []int
	kernelSize int
	stride     int
}

// NewMaxPool2DOp creates a new MaxPool2DOp from indices captured during the
// forward pass. When maxIndices is nil they are recomputed from the input.
func NewMaxPool2DOp(input, output *tensor.RawTensor, maxIndices []int, kernelSize, stride int) *MaxPool2DOp {
	if maxIndices == nil {
		maxIndices = computeMaxIndices(input, output, kernelSize, stride)
	}
	return &MaxPool2DOp{
		input:      input,
		output:     output,
		maxIndices: maxIndices,
		kernelSize: kernelSize,
		stride:     stride,
	}
}

// Inputs returns [input].
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the pooled map.
func (op *MaxPool2DOp) Output() *tensor.RawTensor { return op.output }

// Backward routes each output gradient to its argmax position.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad := backend.MaxPool2DBackward(op.input, outputGrad, op.maxIndices, op.kernelSize, op.stride)
	return []*tensor.RawTensor{inputGrad}
}

func computeMaxIndices(input, output *tensor.RawTensor, kernelSize, stride int) []int {
	in, out := input.Shape(), output.Shape()
	n, c, h, w := in[0], in[1], in[2], in[3]
	hOut, wOut := out[2], out[3]
	data := input.AsFloat32()

	indices := make([]int, 0, n*c*hOut*wOut)
	for plane := 0; plane < n*c; plane++ {
		base := plane * h * w
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				best := base + oh*stride*w + ow*stride
				for kh := 0; kh < kernelSize; kh++ {
					for kw := 0; kw < kernelSize; kw++ {
						idx := base + (oh*stride+kh)*w + ow*stride + kw
						if data[idx] > data[best] {
							best = idx
						}
					}
				}
				indices = append(indices, best)
			}
		}
	}
	return indices
}
