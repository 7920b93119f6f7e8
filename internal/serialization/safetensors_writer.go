package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/mnistrt/internal/tensor"
)

// SafeTensorHeader is one tensor entry of a SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes tensors to w in SafeTensors format:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// Tensors are written in alphabetical order by name.
func WriteSafeTensors(w io.Writer, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, name := range names {
		raw := tensors[name]
		dtype, err := dtypeToSafeTensors(raw.DType())
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}
		size := int64(raw.ByteSize())
		header[name] = SafeTensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// SaveSafeTensors writes tensors to a SafeTensors file at path.
func SaveSafeTensors(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) (err error) {
	//nolint:gosec // G304: output path is user supplied
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if err := WriteSafeTensors(bw, tensors, metadata); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadSafeTensors parses a SafeTensors stream written by WriteSafeTensors.
func ReadSafeTensors(r io.Reader) (map[string]*tensor.RawTensor, map[string]string, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if size > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, size)
	}
	headerJSON := make([]byte, size)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &entries); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tensor data: %w", err)
	}

	var metadata map[string]string
	tensors := make(map[string]*tensor.RawTensor, len(entries))
	for name, msg := range entries {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var h SafeTensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		dt, err := safeTensorsToDtype(h.DType)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := make(tensor.Shape, len(h.Shape))
		for i, d := range h.Shape {
			shape[i] = int(d)
		}
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end > int64(len(data)) || end-start != int64(shape.NumElements()*dt.Size()) {
			return nil, nil, &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  name,
				Details: fmt.Sprintf("offsets [%d, %d) in %d data bytes", start, end, len(data)),
			}
		}
		raw, err := tensor.NewRaw(shape, dt, tensor.CPU)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		copy(raw.Data(), data[start:end])
		tensors[name] = raw
	}
	return tensors, metadata, nil
}

var safeTensorsDTypes = map[tensor.DataType]string{
	tensor.Float32:  "F32",
	tensor.Float64:  "F64",
	tensor.Int32:    "I32",
	tensor.Int64:    "I64",
	tensor.Uint8:    "U8",
	tensor.Bool:     "BOOL",
	tensor.Float16:  "F16",
	tensor.BFloat16: "BF16",
}

func dtypeToSafeTensors(dt tensor.DataType) (string, error) {
	s, ok := safeTensorsDTypes[dt]
	if !ok {
		return "", fmt.Errorf("unsupported dtype %s", dt)
	}
	return s, nil
}

func safeTensorsToDtype(s string) (tensor.DataType, error) {
	for dt, name := range safeTensorsDTypes {
		if name == s {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("unsupported safetensors dtype %q", s)
}
