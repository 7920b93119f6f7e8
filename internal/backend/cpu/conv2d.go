package cpu

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/parallel"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// convGeometry holds the dimensions shared by the forward and backward kernels.
type convGeometry struct {
	N, CIn, H, W    int
	COut, KH, KW    int
	HOut, WOut      int
	stride, padding int
}

func newConvGeometry(op string, input, kernel *tensor.RawTensor, stride, padding int) convGeometry {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", op, len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", op, len(kernelShape)))
	}
	if input.DType() != tensor.Float32 || kernel.DType() != tensor.Float32 {
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, input.DType()))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d or padding %d", op, stride, padding))
	}
	if inputShape[1] != kernelShape[1] {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, inputShape[1], kernelShape[1]))
	}

	g := convGeometry{
		N: inputShape[0], CIn: inputShape[1], H: inputShape[2], W: inputShape[3],
		COut: kernelShape[0], KH: kernelShape[2], KW: kernelShape[3],
		stride: stride, padding: padding,
	}
	g.HOut = (g.H+2*padding-g.KH)/stride + 1
	g.WOut = (g.W+2*padding-g.KW)/stride + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", op, g.HOut, g.WOut))
	}
	return g
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm: Im2col
//  1. Transform input patches into rows of a column buffer
//  2. Dot every kernel row with every patch row
//  3. Scatter the products into NCHW order
//
// Reference: "High Performance Convolutional Neural Networks for Document Processing"
// (Chellapilla et al., 2006).
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("conv2d", input, kernel, stride, padding)
	output := cpu.newFloat32("conv2d", tensor.Shape{g.N, g.COut, g.HOut, g.WOut})

	colWidth := g.CIn * g.KH * g.KW
	colBuf := make([]float32, g.N*g.HOut*g.WOut*colWidth)
	im2colFloat32(colBuf, input.AsFloat32(), g, cpu.par)
	conv2dGemmFloat32(output.AsFloat32(), colBuf, kernel.AsFloat32(), g, cpu.par)
	return output
}

// Conv2DDirect computes the same result as Conv2D without the column buffer.
// It trades arithmetic locality for zero scratch memory.
func (cpu *CPUBackend) Conv2DDirect(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("conv2d", input, kernel, stride, padding)
	output := cpu.newFloat32("conv2d", tensor.Shape{g.N, g.COut, g.HOut, g.WOut})

	in, k, out := input.AsFloat32(), kernel.AsFloat32(), output.AsFloat32()
	parallel.ForBatch(g.N, g.COut, cpu.par, func(n, co int) {
		plane := out[(n*g.COut+co)*g.HOut*g.WOut : (n*g.COut+co+1)*g.HOut*g.WOut]
		for ci := 0; ci < g.CIn; ci++ {
			src := in[(n*g.CIn+ci)*g.H*g.W : (n*g.CIn+ci+1)*g.H*g.W]
			kern := k[(co*g.CIn+ci)*g.KH*g.KW : (co*g.CIn+ci+1)*g.KH*g.KW]
			for oh := 0; oh < g.HOut; oh++ {
				for ow := 0; ow < g.WOut; ow++ {
					var sum float32
					for kh := 0; kh < g.KH; kh++ {
						h := oh*g.stride - g.padding + kh
						if h < 0 || h >= g.H {
							continue
						}
						for kw := 0; kw < g.KW; kw++ {
							w := ow*g.stride - g.padding + kw
							if w < 0 || w >= g.W {
								continue
							}
							sum += src[h*g.W+w] * kern[kh*g.KW+kw]
						}
					}
					plane[oh*g.WOut+ow] += sum
				}
			}
		}
	})
	return output
}

// Im2colBytes returns the scratch size Conv2D needs for the given shapes.
func Im2colBytes(n, cIn, kh, kw, hOut, wOut int) int64 {
	return int64(n) * int64(hOut) * int64(wOut) * int64(cIn*kh*kw) * 4
}

// im2colFloat32 transforms [N, C, H, W] into colBuf [N * H_out * W_out, C * K_h * K_w].
// Each row holds the zero-padded patch of one output position.
func im2colFloat32(colBuf, inputData []float32, g convGeometry, cfg parallel.Config) {
	colWidth := g.CIn * g.KH * g.KW
	rows := g.N * g.HOut * g.WOut

	parallel.ForRange(rows, cfg, func(start, end int) {
		for row := start; row < end; row++ {
			n := row / (g.HOut * g.WOut)
			pos := row % (g.HOut * g.WOut)
			hStart := (pos/g.WOut)*g.stride - g.padding
			wStart := (pos%g.WOut)*g.stride - g.padding

			buf := colBuf[row*colWidth : (row+1)*colWidth]
			idx := 0
			for c := 0; c < g.CIn; c++ {
				plane := inputData[(n*g.CIn+c)*g.H*g.W : (n*g.CIn+c+1)*g.H*g.W]
				for kh := 0; kh < g.KH; kh++ {
					h := hStart + kh
					for kw := 0; kw < g.KW; kw++ {
						w := wStart + kw
						if h >= 0 && h < g.H && w >= 0 && w < g.W {
							buf[idx] = plane[h*g.W+w]
						} else {
							buf[idx] = 0
						}
						idx++
					}
				}
			}
		}
	})
}

// conv2dGemmFloat32 computes output[n, c, p] = dot(kernel[c], colBuf[n*HW + p]).
func conv2dGemmFloat32(outputData, colBuf, kernelData []float32, g convGeometry, cfg parallel.Config) {
	colWidth := g.CIn * g.KH * g.KW
	hw := g.HOut * g.WOut
	rows := g.N * hw

	parallel.ForRange(rows, cfg, func(start, end int) {
		for row := start; row < end; row++ {
			n, p := row/hw, row%hw
			patch := colBuf[row*colWidth : (row+1)*colWidth]
			for c := 0; c < g.COut; c++ {
				kRow := kernelData[c*colWidth : (c+1)*colWidth]
				var sum float32
				for i, kv := range kRow {
					sum += kv * patch[i]
				}
				outputData[(n*g.COut+c)*hw+p] = sum
			}
		}
	})
}
