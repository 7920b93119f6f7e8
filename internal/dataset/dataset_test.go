package dataset_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/dataset"
)

func idxImages(t *testing.T, count int, fill func(i int) byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []uint32{2051, uint32(count), 28, 28}))
	for i := 0; i < count; i++ {
		buf.Write(bytes.Repeat([]byte{fill(i)}, dataset.Pixels))
	}
	return buf.Bytes()
}

func idxLabels(t *testing.T, labels ...byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []uint32{2049, uint32(len(labels))}))
	buf.Write(labels)
	return buf.Bytes()
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReadImages(t *testing.T) {
	images, rows, cols, err := dataset.ReadImages(bytes.NewReader(idxImages(t, 3, func(i int) byte { return byte(i) })))
	require.NoError(t, err)
	assert.Equal(t, 28, rows)
	assert.Equal(t, 28, cols)
	require.Len(t, images, 3)
	assert.Equal(t, byte(2), images[2][783])
}

func TestReadImages_RejectsBadMagic(t *testing.T) {
	_, _, _, err := dataset.ReadImages(bytes.NewReader(idxLabels(t, 1, 2)))
	assert.ErrorIs(t, err, dataset.ErrBadMagic)

	_, err = dataset.ReadLabels(bytes.NewReader(idxImages(t, 1, func(int) byte { return 0 })))
	assert.ErrorIs(t, err, dataset.ErrBadMagic)
}

func TestReadIDX_RejectsBadHeaders(t *testing.T) {
	header := func(fields ...uint32) []byte {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.BigEndian, fields))
		return buf.Bytes()
	}

	tests := []struct {
		name   string
		images bool
		data   []byte
	}{
		{"huge geometry", true, header(2051, 0xFFFFFFFF, 0xFFFF, 0xFFFF)},
		{"wrong geometry", true, header(2051, 1, 32, 32)},
		{"too many images", true, header(2051, dataset.MaxSamples+1, 28, 28)},
		{"too many labels", false, header(2049, 0xFFFFFFFF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.images {
				_, _, _, err = dataset.ReadImages(bytes.NewReader(tt.data))
			} else {
				_, err = dataset.ReadLabels(bytes.NewReader(tt.data))
			}
			assert.ErrorIs(t, err, dataset.ErrBadHeader)
		})
	}
}

func TestReadLabels_Truncated(t *testing.T) {
	data := idxLabels(t, 1, 2, 3)
	_, err := dataset.ReadLabels(bytes.NewReader(data[:len(data)-1]))
	assert.Error(t, err)
}

func TestLoadSplits_PlainAndGzip(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	write("train-images-idx3-ubyte", idxImages(t, 4, func(i int) byte { return 255 }))
	write("train-labels-idx1-ubyte", idxLabels(t, 0, 1, 2, 3))
	write("t10k-images-idx3-ubyte.gz", gz(t, idxImages(t, 2, func(int) byte { return 0 })))
	write("t10k-labels-idx1-ubyte.gz", gz(t, idxLabels(t, 7, 9)))

	train, test, err := dataset.LoadSplits(context.Background(), dir, 3, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, train.Len(), "maxSamples caps the split")
	assert.Equal(t, 2, test.Len())
	assert.Equal(t, []int32{7, 9}, test.Labels)
	assert.InDelta(t, (1-dataset.Mean)/dataset.Std, train.Images[0][0], 1e-5)
	assert.InDelta(t, -dataset.Mean/dataset.Std, test.Images[1][10], 1e-5)
}

func TestLoad_MissingFiles(t *testing.T) {
	_, err := dataset.Load(context.Background(), t.TempDir(), dataset.Test, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_CountMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t10k-images-idx3-ubyte"), idxImages(t, 2, func(int) byte { return 0 }), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t10k-labels-idx1-ubyte"), idxLabels(t, 1), 0o644))

	_, err := dataset.Load(context.Background(), dir, dataset.Test, 0)
	assert.ErrorContains(t, err, "image count (2) != label count (1)")
}

func TestSynthetic_IsDeterministic(t *testing.T) {
	a := dataset.Synthetic(20, 42)
	b := dataset.Synthetic(20, 42)
	require.Equal(t, 20, a.Len())
	assert.Equal(t, a.Images, b.Images)
	assert.Equal(t, int32(3), a.Labels[13])
	assert.Len(t, a.Images[0], dataset.Pixels)
}

func TestBatch_LastBatchIsShort(t *testing.T) {
	d := dataset.Synthetic(5, 1)
	images, labels := d.Batch(d.Sequential(), 3, 4)
	assert.Len(t, labels, 2)
	assert.Len(t, images, 2*dataset.Pixels)
	assert.Equal(t, []int32{3, 4}, labels)
}
