package cpu

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/parallel"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// MaxPool2D performs 2D max pooling.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where:
//
//	out_height = (height - kernelSize) / stride + 1
//	out_width = (width - kernelSize) / stride + 1
//
// Example (2x2 pool, stride=2):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	output, _ := cpu.maxPool2D(input, kernelSize, stride, false)
	return output
}

// MaxPool2DWithIndices also returns, for every output element, the flat input
// index of the winning element. The autodiff op feeds these to MaxPool2DBackward.
func (cpu *CPUBackend) MaxPool2DWithIndices(input *tensor.RawTensor, kernelSize, stride int) (*tensor.RawTensor, []int) {
	return cpu.maxPool2D(input, kernelSize, stride, true)
}

func (cpu *CPUBackend) maxPool2D(input *tensor.RawTensor, kernelSize, stride int, withIndices bool) (*tensor.RawTensor, []int) {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("maxpool2d: unsupported dtype %v", input.DType()))
	}
	if kernelSize <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid stride %d", stride))
	}

	N, C, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	if kernelSize > H || kernelSize > W {
		panic(fmt.Sprintf("maxpool2d: kernel size %d too large for input %dx%d", kernelSize, H, W))
	}
	HOut := (H-kernelSize)/stride + 1
	WOut := (W-kernelSize)/stride + 1

	output := cpu.newFloat32("maxpool2d", tensor.Shape{N, C, HOut, WOut})
	var indices []int
	if withIndices {
		indices = make([]int, N*C*HOut*WOut)
	}

	in, out := input.AsFloat32(), output.AsFloat32()
	parallel.ForBatch(N, C, cpu.par, func(n, c int) {
		planeOffset := (n*C + c) * H * W
		plane := in[planeOffset : planeOffset+H*W]
		outOffset := (n*C + c) * HOut * WOut

		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				best := oh*stride*W + ow*stride
				for kh := 0; kh < kernelSize; kh++ {
					row := (oh*stride + kh) * W
					for kw := 0; kw < kernelSize; kw++ {
						if idx := row + ow*stride + kw; plane[idx] > plane[best] {
							best = idx
						}
					}
				}
				o := outOffset + oh*WOut + ow
				out[o] = plane[best]
				if indices != nil {
					indices[o] = planeOffset + best
				}
			}
		}
	})

	return output, indices
}
