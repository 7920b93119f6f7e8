package engine

import (
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// encodeWeights stores a float32 tensor in precision p.
func encodeWeights(raw *tensor.RawTensor, p Precision) (*tensor.RawTensor, error) {
	if raw.DType() != tensor.Float32 {
		return nil, fmt.Errorf("weights must be float32, got %s", raw.DType())
	}
	if p == PrecisionFP32 {
		return raw.DeepCopy(), nil
	}

	out, err := tensor.NewRaw(raw.Shape(), p.dtype(), tensor.CPU)
	if err != nil {
		return nil, err
	}
	src := raw.AsFloat32()
	switch p {
	case PrecisionFP16:
		dst := out.AsUint16()
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v).Bits()
		}
	case PrecisionBF16:
		copy(out.Data(), bfloat16.EncodeFloat32(src))
	default:
		return nil, fmt.Errorf("unknown precision %q", p)
	}
	return out, nil
}

// decodeWeights widens a stored weight tensor back to float32.
func decodeWeights(raw *tensor.RawTensor) (*tensor.RawTensor, error) {
	var values []float32
	switch raw.DType() {
	case tensor.Float32:
		return raw, nil
	case tensor.Float16:
		bits := raw.AsUint16()
		values = make([]float32, len(bits))
		for i, b := range bits {
			values[i] = float16.Frombits(b).Float32()
		}
	case tensor.BFloat16:
		values = bfloat16.DecodeFloat32(raw.Data())
	default:
		return nil, fmt.Errorf("unsupported weight dtype %s", raw.DType())
	}
	return tensor.FromFloat32(raw.Shape(), values, tensor.CPU)
}
