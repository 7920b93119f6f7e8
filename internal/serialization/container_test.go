package serialization_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/serialization"
	"github.com/born-ml/mnistrt/internal/tensor"
)

func f32(t *testing.T, shape tensor.Shape, data ...float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromFloat32(shape, data, tensor.CPU)
	require.NoError(t, err)
	return raw
}

func sample(t *testing.T) *serialization.Container {
	t.Helper()
	c := serialization.NewContainer("engine")
	c.CreatedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Metadata["engine.precision"] = "fp32"
	require.NoError(t, c.Add("fc.weight", f32(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)))
	require.NoError(t, c.Add("fc.bias", f32(t, tensor.Shape{2}, -1, 1)))

	blob, err := tensor.NewRaw(tensor.Shape{5}, tensor.Uint8, tensor.CPU)
	require.NoError(t, err)
	copy(blob.AsUint8(), "hello")
	require.NoError(t, c.Add("__plan__", blob))

	half, err := tensor.NewRaw(tensor.Shape{3}, tensor.Float16, tensor.CPU)
	require.NoError(t, err)
	copy(half.AsUint16(), []uint16{0x3c00, 0xc000, 0x0000})
	require.NoError(t, c.Add("half", half))
	return c
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	buf, err := serialization.Marshal(sample(t))
	require.NoError(t, err)

	assert.Equal(t, "BORN", string(buf[:4]))
	assert.Equal(t, uint32(serialization.FormatVersionV2), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, serialization.FlagHasMetadata, binary.LittleEndian.Uint32(buf[8:12]))

	c, err := serialization.Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, "engine", c.ModelType)
	assert.Equal(t, "fp32", c.Metadata["engine.precision"])
	assert.Equal(t, []string{"__plan__", "fc.bias", "fc.weight", "half"}, c.Names())

	w, err := c.Tensor("fc.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, w.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w.AsFloat32())

	plan, err := c.Tensor("__plan__")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plan.AsUint8()))

	half, err := c.Tensor("half")
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, half.DType())
	assert.Equal(t, []uint16{0x3c00, 0xc000, 0x0000}, half.AsUint16())

	_, err = c.Tensor("missing")
	assert.ErrorIs(t, err, serialization.ErrTensorNotFound)
}

func TestMarshal_IsDeterministic(t *testing.T) {
	a, err := serialization.Marshal(sample(t))
	require.NoError(t, err)
	b, err := serialization.Marshal(sample(t))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshal_AlignsTensorData(t *testing.T) {
	buf, err := serialization.Marshal(sample(t))
	require.NoError(t, err)

	h, err := serialization.ReadHeader(buf)
	require.NoError(t, err)
	for _, meta := range h.Tensors {
		assert.Zero(t, meta.Offset%serialization.HeaderAlignment, meta.Name)
	}
	headerSize := binary.LittleEndian.Uint64(buf[16:24])
	dataSize := binary.LittleEndian.Uint64(buf[24:32])
	dataStart := uint64(len(buf)) - dataSize
	assert.Zero(t, dataStart%serialization.HeaderAlignment)
	assert.GreaterOrEqual(t, dataStart, serialization.FixedHeaderSizeV2+headerSize)
}

func TestUnmarshal_RejectsCorruption(t *testing.T) {
	good, err := serialization.Marshal(sample(t))
	require.NoError(t, err)

	corrupt := func(mutate func([]byte) []byte) error {
		buf := mutate(bytes.Clone(good))
		_, err := serialization.Unmarshal(buf)
		return err
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"flipped data byte", func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }, serialization.ErrChecksumMismatch},
		{"flipped header byte", func(b []byte) []byte { b[serialization.FixedHeaderSizeV2+2] ^= 0x01; return b }, serialization.ErrChecksumMismatch},
		{"bad magic", func(b []byte) []byte { copy(b, "TRT!"); return b }, serialization.ErrInvalidMagic},
		{"future version", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:8], 9); return b }, serialization.ErrUnsupportedVersion},
		{"truncated", func(b []byte) []byte { return b[:len(b)-7] }, serialization.ErrTruncated},
		{"tiny", func(b []byte) []byte { return b[:10] }, serialization.ErrTruncated},
		{"huge header", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[16:24], 1<<40); return b }, serialization.ErrHeaderTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, corrupt(tt.mutate), tt.want)
		})
	}
}

func TestContainer_AddRejectsBadNames(t *testing.T) {
	c := serialization.NewContainer("x")
	raw := f32(t, tensor.Shape{1}, 1)

	require.NoError(t, c.Add("a", raw))
	assert.ErrorIs(t, c.Add("a", raw), serialization.ErrDuplicateTensor)

	var verr *serialization.ValidationError
	for _, name := range []string{"", "../etc", "a/b", "nul\x00"} {
		assert.True(t, errors.As(c.Add(name, raw), &verr), "%q", name)
	}
}

func TestValidateHeader(t *testing.T) {
	meta := func(name string, offset, size int64) serialization.TensorMeta {
		return serialization.TensorMeta{Name: name, DType: "float32", Shape: []int{int(size / 4)}, Offset: offset, Size: size}
	}

	tests := []struct {
		name     string
		tensors  []serialization.TensorMeta
		dataSize int64
		wantType string
	}{
		{"ok", []serialization.TensorMeta{meta("a", 0, 8), meta("b", 64, 4)}, 68, ""},
		{"overlap", []serialization.TensorMeta{meta("a", 0, 8), meta("b", 4, 4)}, 68, "offset_overlap"},
		{"out of bounds", []serialization.TensorMeta{meta("a", 64, 8)}, 68, "out_of_bounds"},
		{"negative", []serialization.TensorMeta{{Name: "a", DType: "float32", Shape: []int{1}, Offset: -4, Size: 4}}, 68, "negative_offset"},
		{"size mismatch", []serialization.TensorMeta{{Name: "a", DType: "float32", Shape: []int{3}, Size: 8}}, 68, "size_mismatch"},
		{"bad dtype", []serialization.TensorMeta{{Name: "a", DType: "complex64", Shape: []int{1}, Size: 8}}, 68, "invalid_dtype"},
		{"duplicate", []serialization.TensorMeta{meta("a", 0, 4), meta("a", 64, 4)}, 68, "duplicate_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &serialization.Header{FormatVersion: serialization.FormatVersionV2, Tensors: tt.tensors}
			err := serialization.ValidateHeader(h, tt.dataSize)
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			var verr *serialization.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantType, verr.Type)
		})
	}
}

func TestSafeTensors_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	in := map[string]*tensor.RawTensor{
		"conv1.weight": f32(t, tensor.Shape{2, 1, 1, 1}, 0.5, -0.5),
		"conv1.bias":   f32(t, tensor.Shape{2}, 1, 2),
	}
	require.NoError(t, serialization.SaveSafeTensors(path, in, map[string]string{"format": "pt"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	assert.Contains(t, string(raw[8:8+headerSize]), `"dtype":"F32"`)

	out, meta, err := serialization.ReadSafeTensors(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "pt", meta["format"])
	require.Len(t, out, 2)
	assert.Equal(t, []float32{0.5, -0.5}, out["conv1.weight"].AsFloat32())
	assert.Equal(t, tensor.Shape{2, 1, 1, 1}, out["conv1.weight"].Shape())
	assert.Equal(t, []float32{1, 2}, out["conv1.bias"].AsFloat32())
}
