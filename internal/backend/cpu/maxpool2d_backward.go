package cpu

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// MaxPool2DBackward routes every output gradient to the input element that
// won the max in the forward pass; all other positions receive zero.
//
// Example (2x2 pool, stride=2):
//
//	Input:  [[1, 2],  Output: [4]  Input Grad: [[0, 0],
//	         [3, 4]]                             [0, grad]]
//
// maxIndices holds flat input indices, one per output element.
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, kernelSize, stride int) *tensor.RawTensor {
	if len(maxIndices) != grad.NumElements() {
		panic(fmt.Sprintf("MaxPool2DBackward: maxIndices length %d != expected %d", len(maxIndices), grad.NumElements()))
	}
	if kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("MaxPool2DBackward: invalid kernel %d or stride %d", kernelSize, stride))
	}

	inputGrad := cpu.newFloat32("MaxPool2DBackward", input.Shape())
	gi, gr := inputGrad.AsFloat32(), grad.AsFloat32()
	for i, idx := range maxIndices {
		gi[idx] += gr[i]
	}
	return inputGrad
}
