package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// Xavier returns a tensor drawn from the Glorot uniform distribution
// U(-sqrt(6/(fanIn+fanOut)), +sqrt(6/(fanIn+fanOut))).
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, rng *rand.Rand, backend B) *tensor.Tensor[float32, B] {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return tensor.Uniform(shape, -bound, bound, rng, backend)
}

// FanInUniform returns a tensor drawn from U(-1/sqrt(fanIn), 1/sqrt(fanIn)),
// the default initialisation of PyTorch biases.
func FanInUniform[B tensor.Backend](fanIn int, shape tensor.Shape, rng *rand.Rand, backend B) *tensor.Tensor[float32, B] {
	bound := 1 / math.Sqrt(float64(fanIn))
	return tensor.Uniform(shape, -bound, bound, rng, backend)
}
