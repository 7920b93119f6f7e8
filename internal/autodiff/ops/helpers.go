package ops

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// reduceBroadcast sums grad down to targetShape, undoing right-aligned
// broadcasting from the forward pass.
//
//	Forward:  bias[1,10] + x[64,10] -> y[64,10]
//	Backward: grad_y[64,10] -> grad_bias[1,10] (sum along dim 0)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	if grad.Shape().Equal(targetShape) {
		// Shared clone: the caller may accumulate into it.
		return grad.Clone()
	}

	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = sumAlongDimension(result, 0, true)
	}

	shape := result.Shape()
	for i := range targetShape {
		if targetShape[i] == 1 && shape[i] > 1 {
			result = sumAlongDimension(result, i, false)
		}
	}

	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// sumAlongDimension sums a float32 tensor along dim. When drop is true the
// dimension is removed, otherwise it is kept with size 1.
func sumAlongDimension(t *tensor.RawTensor, dim int, drop bool) *tensor.RawTensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("sumAlongDimension: invalid dimension %d for shape %v", dim, shape))
	}
	if t.DType() != tensor.Float32 {
		panic(fmt.Sprintf("sumAlongDimension: unsupported dtype %s", t.DType()))
	}

	var outShape tensor.Shape
	if drop {
		outShape = append(shape[:dim:dim].Clone(), shape[dim+1:]...)
	} else {
		outShape = shape.Clone()
		outShape[dim] = 1
	}

	result, err := tensor.NewRaw(outShape, tensor.Float32, t.Device())
	if err != nil {
		panic(fmt.Sprintf("sumAlongDimension: failed to create result: %v", err))
	}

	// View the tensor as [outer, size, inner]; the result is [outer, inner].
	outer := 1
	for _, d := range shape[:dim] {
		outer *= d
	}
	inner := 1
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	size := shape[dim]

	src, dst := t.AsFloat32(), result.AsFloat32()
	for o := 0; o < outer; o++ {
		for s := 0; s < size; s++ {
			base := (o*size + s) * inner
			for i := 0; i < inner; i++ {
				dst[o*inner+i] += src[base+i]
			}
		}
	}
	return result
}
