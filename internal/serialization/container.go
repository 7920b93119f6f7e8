package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// Producer is recorded in every header written by this package.
const Producer = "mnistrt"

// Container is an in-memory .born v2 container.
type Container struct {
	ModelType string
	Metadata  map[string]string
	CreatedAt time.Time

	tensors map[string]*tensor.RawTensor
}

// NewContainer returns an empty container.
func NewContainer(modelType string) *Container {
	return &Container{
		ModelType: modelType,
		Metadata:  make(map[string]string),
		tensors:   make(map[string]*tensor.RawTensor),
	}
}

// Add stores t under name. The container keeps a reference, not a copy.
func (c *Container) Add(name string, t *tensor.RawTensor) error {
	if err := ValidateTensorName(name); err != nil {
		return err
	}
	if _, ok := c.tensors[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTensor, name)
	}
	c.tensors[name] = t
	return nil
}

// Tensor returns the tensor stored under name.
func (c *Container) Tensor(name string) (*tensor.RawTensor, error) {
	t, ok := c.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return t, nil
}

// Names returns the tensor names in sorted order.
func (c *Container) Names() []string {
	names := make([]string, 0, len(c.tensors))
	for name := range c.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tensors.
func (c *Container) Len() int {
	return len(c.tensors)
}

// Marshal encodes c. Tensors are laid out in name order, each aligned to
// HeaderAlignment.
func Marshal(c *Container) ([]byte, error) {
	names := c.Names()
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	header := Header{
		FormatVersion: FormatVersionV2,
		Producer:      Producer,
		ModelType:     c.ModelType,
		CreatedAt:     created,
		Tensors:       make([]TensorMeta, 0, len(names)),
		Metadata:      c.Metadata,
	}

	var offset int64
	for _, name := range names {
		raw := c.tensors[name]
		offset = align(offset)
		size := int64(raw.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtypeToString(raw.DType()),
			Shape:  raw.Shape().Clone(),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}
	dataSize := offset

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(headerJSON))
	}

	dataStart := align(FixedHeaderSizeV2 + int64(len(headerJSON)))
	buf := make([]byte, dataStart+dataSize)

	copy(buf[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersionV2)
	var flags uint32
	if len(c.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	binary.LittleEndian.PutUint32(buf[8:12], flags)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(dataSize))
	copy(buf[FixedHeaderSizeV2:], headerJSON)

	data := buf[dataStart:]
	for i, meta := range header.Tensors {
		copy(data[meta.Offset:meta.Offset+meta.Size], c.tensors[names[i]].Data())
	}

	sum := ComputeChecksum(headerJSON, data)
	copy(buf[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], sum[:])
	return buf, nil
}

// Unmarshal decodes and verifies a container. Tensor data is copied out of
// buf onto the CPU device.
func Unmarshal(buf []byte) (*Container, error) {
	header, data, err := parse(buf)
	if err != nil {
		return nil, err
	}

	c := NewContainer(header.ModelType)
	c.CreatedAt = header.CreatedAt
	for k, v := range header.Metadata {
		c.Metadata[k] = v
	}
	for _, meta := range header.Tensors {
		dt, _ := stringToDtype(meta.DType)
		raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dt, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", meta.Name, err)
		}
		copy(raw.Data(), data[meta.Offset:meta.Offset+meta.Size])
		c.tensors[meta.Name] = raw
	}
	return c, nil
}

// ReadHeader verifies buf like Unmarshal but returns only the JSON header.
func ReadHeader(buf []byte) (*Header, error) {
	header, _, err := parse(buf)
	return header, err
}

func parse(buf []byte) (*Header, []byte, error) {
	if len(buf) < FixedHeaderSizeV2 {
		return nil, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(buf), FixedHeaderSizeV2)
	}
	if string(buf[0:4]) != MagicBytes {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidMagic, buf[0:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != FormatVersionV2 {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	headerSize := binary.LittleEndian.Uint64(buf[16:24])
	dataSize := binary.LittleEndian.Uint64(buf[24:32])
	if headerSize > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}
	dataStart := uint64(align(FixedHeaderSizeV2 + int64(headerSize)))
	if uint64(len(buf)) < dataStart || uint64(len(buf))-dataStart != dataSize {
		return nil, nil, fmt.Errorf("%w: have %d bytes, header declares %d", ErrTruncated, len(buf), dataStart+dataSize)
	}

	headerJSON := buf[FixedHeaderSizeV2 : FixedHeaderSizeV2+headerSize]
	data := buf[dataStart:]

	var stored [32]byte
	copy(stored[:], buf[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])
	if err := ValidateChecksum(ComputeChecksum(headerJSON, data), stored); err != nil {
		return nil, nil, err
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if err := ValidateHeader(&header, int64(dataSize)); err != nil {
		return nil, nil, err
	}
	return &header, data, nil
}
