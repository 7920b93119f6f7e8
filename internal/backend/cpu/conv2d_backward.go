package cpu

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/parallel"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// Conv2DInputBackward computes the gradient w.r.t. the input (transposed convolution).
//
// For each input position (n, c_in, h, w) it sums
// grad[n, c_out, h_out, w_out] * kernel[c_out, c_in, kh, kw]
// over every output position that read it.
//
// Reference: "A guide to convolution arithmetic for deep learning" (Dumoulin & Visin, 2016).
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("Conv2DInputBackward", input, kernel, stride, padding)
	checkConvGrad("Conv2DInputBackward", grad, g)

	inputGrad := cpu.newFloat32("Conv2DInputBackward", input.Shape())
	gi, gr, k := inputGrad.AsFloat32(), grad.AsFloat32(), kernel.AsFloat32()

	// Batches write disjoint planes of inputGrad.
	parallel.For(g.N, cpu.par, func(n int) {
		giBatch := gi[n*g.CIn*g.H*g.W : (n+1)*g.CIn*g.H*g.W]
		grBatch := gr[n*g.COut*g.HOut*g.WOut : (n+1)*g.COut*g.HOut*g.WOut]

		for co := 0; co < g.COut; co++ {
			grPlane := grBatch[co*g.HOut*g.WOut : (co+1)*g.HOut*g.WOut]
			for ci := 0; ci < g.CIn; ci++ {
				giPlane := giBatch[ci*g.H*g.W : (ci+1)*g.H*g.W]
				kern := k[(co*g.CIn+ci)*g.KH*g.KW : (co*g.CIn+ci+1)*g.KH*g.KW]
				for oh := 0; oh < g.HOut; oh++ {
					for ow := 0; ow < g.WOut; ow++ {
						gv := grPlane[oh*g.WOut+ow]
						if gv == 0 {
							continue
						}
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
								giPlane[h*g.W+w] += gv * kern[kh*g.KW+kw]
							}
						}
					}
				}
			}
		}
	})

	return inputGrad
}

// Conv2DKernelBackward computes the gradient w.r.t. the kernel.
//
// kernelGrad[c_out, c_in, kh, kw] = Σ_n Σ_out grad[n, c_out, h_out, w_out] * input[n, c_in, h, w].
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("Conv2DKernelBackward", input, kernel, stride, padding)
	checkConvGrad("Conv2DKernelBackward", grad, g)

	kernelGrad := cpu.newFloat32("Conv2DKernelBackward", kernel.Shape())
	gk, gr, in := kernelGrad.AsFloat32(), grad.AsFloat32(), input.AsFloat32()

	// Output channels write disjoint slices of kernelGrad.
	parallel.For(g.COut, cpu.par, func(co int) {
		for ci := 0; ci < g.CIn; ci++ {
			gkSlice := gk[(co*g.CIn+ci)*g.KH*g.KW : (co*g.CIn+ci+1)*g.KH*g.KW]
			for n := 0; n < g.N; n++ {
				grPlane := gr[(n*g.COut+co)*g.HOut*g.WOut : (n*g.COut+co+1)*g.HOut*g.WOut]
				inPlane := in[(n*g.CIn+ci)*g.H*g.W : (n*g.CIn+ci+1)*g.H*g.W]
				for kh := 0; kh < g.KH; kh++ {
					for kw := 0; kw < g.KW; kw++ {
						var sum float32
						for oh := 0; oh < g.HOut; oh++ {
							h := oh*g.stride - g.padding + kh
							if h < 0 || h >= g.H {
								continue
							}
							for ow := 0; ow < g.WOut; ow++ {
								w := ow*g.stride - g.padding + kw
								if w < 0 || w >= g.W {
									continue
								}
								sum += grPlane[oh*g.WOut+ow] * inPlane[h*g.W+w]
							}
						}
						gkSlice[kh*g.KW+kw] += sum
					}
				}
			}
		}
	})

	return kernelGrad
}

func checkConvGrad(op string, grad *tensor.RawTensor, g convGeometry) {
	want := tensor.Shape{g.N, g.COut, g.HOut, g.WOut}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("%s: gradient shape %v != expected %v", op, grad.Shape(), want))
	}
	if grad.DType() != tensor.Float32 {
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, grad.DType()))
	}
}
