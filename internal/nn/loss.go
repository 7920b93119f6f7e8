package nn

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/autodiff/ops"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// CrossEntropyLoss computes the mean negative log-likelihood of the target
// classes under log_softmax(logits). Logits are [batch, classes], targets are
// int32 class indices [batch].
type CrossEntropyLoss[B tensor.Backend] struct {
	backend B
}

// NewCrossEntropyLoss creates a new cross-entropy loss function.
func NewCrossEntropyLoss[B tensor.Backend](backend B) *CrossEntropyLoss[B] {
	return &CrossEntropyLoss[B]{backend: backend}
}

// Forward returns the scalar loss as a one-element tensor. With an
// autodiff backend the operation is recorded on the tape.
func (c *CrossEntropyLoss[B]) Forward(logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	type crossEntropyBackend interface {
		CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
	}

	if ad, ok := any(c.backend).(crossEntropyBackend); ok {
		return tensor.New[float32](ad.CrossEntropy(logits.Raw(), targets.Raw()), c.backend)
	}
	return tensor.New[float32](ops.CrossEntropyForward(logits.Raw(), targets.Raw(), c.backend.Device()), c.backend)
}

// Parameters returns nil.
func (c *CrossEntropyLoss[B]) Parameters() []*Parameter[B] {
	return nil
}

// Accuracy returns the fraction of rows whose arg-max matches the target.
func Accuracy[B tensor.Backend](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) float32 {
	correct := CountCorrect(logits, targets)
	return float32(correct) / float32(logits.Shape()[0])
}

// CountCorrect returns the number of rows whose arg-max matches the target.
func CountCorrect[B tensor.Backend](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) int {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("accuracy: logits must be 2D [batch, classes], got %v", shape))
	}
	batch, classes := shape[0], shape[1]
	data, labels := logits.Data(), targets.Data()

	correct := 0
	for b := 0; b < batch; b++ {
		row := data[b*classes : (b+1)*classes]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		if int32(best) == labels[b] {
			correct++
		}
	}
	return correct
}
