package cpu

import (
	"github.com/born-ml/mnistrt/internal/tensor"
)

// computeBroadcastStridesForShape computes strides for broadcasting inShape to outShape.
// Dimensions of size 1 (and missing leading dimensions) get stride 0.
func computeBroadcastStridesForShape(inShape, outShape tensor.Shape) []int {
	outDim := len(outShape)
	strides := make([]int, outDim)
	offset := outDim - len(inShape)
	origStrides := inShape.ComputeStrides()

	for i := 0; i < outDim; i++ {
		inIdx := i - offset
		if inIdx < 0 || inShape[inIdx] == 1 {
			continue
		}
		strides[i] = origStrides[inIdx]
	}
	return strides
}

// computeFlatIndex maps a flat output index to a flat input index.
func computeFlatIndex(outIdx int, outStrides, inStrides []int) int {
	flatIdx := 0
	for i := range outStrides {
		coord := outIdx / outStrides[i]
		outIdx %= outStrides[i]
		flatIdx += coord * inStrides[i]
	}
	return flatIdx
}

func binaryBroadcast(result, a, b *tensor.RawTensor, outShape tensor.Shape, op func(x, y float32) float32) {
	outStrides := outShape.ComputeStrides()
	aStrides := computeBroadcastStridesForShape(a.Shape(), outShape)
	bStrides := computeBroadcastStridesForShape(b.Shape(), outShape)

	out := result.AsFloat32()
	aData, bData := a.AsFloat32(), b.AsFloat32()
	for i := range out {
		out[i] = op(aData[computeFlatIndex(i, outStrides, aStrides)], bData[computeFlatIndex(i, outStrides, bStrides)])
	}
}
