package serialization

import (
	"time"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersionV2   = 2
	HeaderAlignment   = 64
	FixedHeaderSizeV2 = 64
	ChecksumSize      = 32
	ChecksumOffsetV2  = 0x20
)

// Data type string constants for serialization.
const (
	DTypeFloat32  = "float32"
	DTypeFloat64  = "float64"
	DTypeInt32    = "int32"
	DTypeInt64    = "int64"
	DTypeUint8    = "uint8"
	DTypeBool     = "bool"
	DTypeFloat16  = "float16"
	DTypeBFloat16 = "bfloat16"
)

// Flags stored in the fixed header.
const (
	FlagHasMetadata uint32 = 1 << 2
)

// Header is the JSON header of a container.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TensorMeta describes one tensor of the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`
}

func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Float64:
		return DTypeFloat64
	case tensor.Int32:
		return DTypeInt32
	case tensor.Int64:
		return DTypeInt64
	case tensor.Uint8:
		return DTypeUint8
	case tensor.Bool:
		return DTypeBool
	case tensor.Float16:
		return DTypeFloat16
	case tensor.BFloat16:
		return DTypeBFloat16
	default:
		return "unknown"
	}
}

func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeFloat64:
		return tensor.Float64, true
	case DTypeInt32:
		return tensor.Int32, true
	case DTypeInt64:
		return tensor.Int64, true
	case DTypeUint8:
		return tensor.Uint8, true
	case DTypeBool:
		return tensor.Bool, true
	case DTypeFloat16:
		return tensor.Float16, true
	case DTypeBFloat16:
		return tensor.BFloat16, true
	default:
		return 0, false
	}
}

func align(n int64) int64 {
	return (n + HeaderAlignment - 1) / HeaderAlignment * HeaderAlignment
}
