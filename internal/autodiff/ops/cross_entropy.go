package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// CrossEntropyOp records the fused log-softmax plus negative log-likelihood
// loss over a [batch, classes] logits tensor.
//
// Forward:
//
//	loss = mean_b(-(z[b,t_b] - logsumexp(z[b])))
//
// Backward:
//
//	dL/dz[b,i] = (softmax(z[b])[i] - onehot(t_b)[i]) / batch
type CrossEntropyOp struct {
	logits  *tensor.RawTensor
	targets *tensor.RawTensor
	output  *tensor.RawTensor
}

// NewCrossEntropyOp creates a new CrossEntropyOp. targets holds int32 class
// indices and receives no gradient.
func NewCrossEntropyOp(logits, targets, output *tensor.RawTensor) *CrossEntropyOp {
	return &CrossEntropyOp{logits: logits, targets: targets, output: output}
}

// Inputs returns [logits].
func (op *CrossEntropyOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.logits} }

// Output returns the scalar loss.
func (op *CrossEntropyOp) Output() *tensor.RawTensor { return op.output }

// Backward computes the logits gradient, scaled by the upstream gradient.
func (op *CrossEntropyOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	batch, classes := checkLogits("cross_entropy", op.logits, op.targets)

	grad, err := tensor.NewRaw(op.logits.Shape(), tensor.Float32, op.logits.Device())
	if err != nil {
		panic(err)
	}

	scale := outputGrad.AsFloat32()[0] / float32(batch)
	logits, targets, dst := op.logits.AsFloat32(), op.targets.AsInt32(), grad.AsFloat32()
	for b := 0; b < batch; b++ {
		row := dst[b*classes : (b+1)*classes]
		Softmax(row, logits[b*classes:(b+1)*classes])
		row[targets[b]] -= 1
		for i := range row {
			row[i] *= scale
		}
	}
	return []*tensor.RawTensor{grad}
}

// CrossEntropyForward computes the mean loss as a one-element tensor.
func CrossEntropyForward(logits, targets *tensor.RawTensor, device tensor.Device) *tensor.RawTensor {
	batch, classes := checkLogits("cross_entropy", logits, targets)

	result, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, device)
	if err != nil {
		panic(err)
	}

	z, t := logits.AsFloat32(), targets.AsInt32()
	var total float64
	for b := 0; b < batch; b++ {
		row := z[b*classes : (b+1)*classes]
		total += LogSumExp(row) - float64(row[t[b]])
	}
	result.AsFloat32()[0] = float32(total / float64(batch))
	return result
}

// LogSumExp returns log(sum(exp(z))) computed around max(z).
func LogSumExp(z []float32) float64 {
	maxVal := z[0]
	for _, v := range z[1:] {
		maxVal = max(maxVal, v)
	}
	var sum float64
	for _, v := range z {
		sum += math.Exp(float64(v - maxVal))
	}
	return float64(maxVal) + math.Log(sum)
}

// Softmax writes softmax(z) into dst.
func Softmax(dst, z []float32) {
	lse := LogSumExp(z)
	for i, v := range z {
		dst[i] = float32(math.Exp(float64(v) - lse))
	}
}

func checkLogits(op string, logits, targets *tensor.RawTensor) (batch, classes int) {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("%s: logits must be 2D [batch, classes], got %v", op, shape))
	}
	if targets.DType() != tensor.Int32 {
		panic(fmt.Sprintf("%s: targets must be int32, got %s", op, targets.DType()))
	}
	if targets.NumElements() != shape[0] {
		panic(fmt.Sprintf("%s: %d targets for batch of %d", op, targets.NumElements(), shape[0]))
	}
	batch, classes = shape[0], shape[1]
	for _, t := range targets.AsInt32() {
		if t < 0 || int(t) >= classes {
			panic(fmt.Sprintf("%s: target %d out of range [0, %d)", op, t, classes))
		}
	}
	return batch, classes
}
