package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// IDX magic numbers.
const (
	imagesMagic uint32 = 2051
	labelsMagic uint32 = 2049
)

// MaxSamples bounds the item count an IDX header may declare.
const MaxSamples = 1 << 20

var (
	// ErrBadMagic is returned when an IDX stream does not start with the
	// expected magic number.
	ErrBadMagic = errors.New("invalid IDX magic number")

	// ErrBadHeader is returned when an IDX header declares an item count or
	// image geometry this package does not accept.
	ErrBadHeader = errors.New("invalid IDX header")
)

func readMagic(r io.Reader, want uint32) error {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return fmt.Errorf("failed to read magic: %w", err)
	}
	if magic != want {
		return fmt.Errorf("%w: got %d, want %d", ErrBadMagic, magic, want)
	}
	return nil
}

// ReadImages reads an IDX image stream:
//
//	magic 0x00000803 | count | rows | cols | count*rows*cols unsigned bytes
//
// It returns the raw pixels of every image together with rows and cols.
// Only 28x28 images and at most MaxSamples of them are accepted.
func ReadImages(r io.Reader) (images [][]byte, rows, cols int, err error) {
	if err := readMagic(r, imagesMagic); err != nil {
		return nil, 0, 0, err
	}
	var header struct {
		Count, Rows, Cols uint32
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Rows != ImageSize || header.Cols != ImageSize {
		return nil, 0, 0, fmt.Errorf("%w: image size %dx%d, want %dx%d",
			ErrBadHeader, header.Rows, header.Cols, ImageSize, ImageSize)
	}
	if header.Count > MaxSamples {
		return nil, 0, 0, fmt.Errorf("%w: %d images exceeds %d", ErrBadHeader, header.Count, MaxSamples)
	}

	count := int(header.Count)
	pixels := make([]byte, count*Pixels)
	if _, err := io.ReadFull(r, pixels); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read %d images: %w", count, err)
	}

	images = make([][]byte, count)
	for i := range images {
		images[i] = pixels[i*Pixels : (i+1)*Pixels : (i+1)*Pixels]
	}
	return images, ImageSize, ImageSize, nil
}

// ReadLabels reads an IDX label stream:
//
//	magic 0x00000801 | count | count unsigned bytes
func ReadLabels(r io.Reader) ([]byte, error) {
	if err := readMagic(r, labelsMagic); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if count > MaxSamples {
		return nil, fmt.Errorf("%w: %d labels exceeds %d", ErrBadHeader, count, MaxSamples)
	}

	labels := make([]byte, count)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	return labels, nil
}

// openIDX opens path, or path+".gz" when only the compressed file exists.
// The returned closer releases both the gzip reader and the file.
func openIDX(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	gzipped := false
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.Open(path + ".gz")
		gzipped = true
	}
	if err != nil {
		return nil, nil, err
	}

	if !gzipped {
		return bufio.NewReader(f), f.Close, nil
	}

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	return zr, func() error {
		zr.Close()
		return f.Close()
	}, nil
}

func readImagesFile(path string) ([][]byte, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	images, _, _, err := ReadImages(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return images, nil
}

func readLabelsFile(path string) ([]byte, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	labels, err := ReadLabels(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}
