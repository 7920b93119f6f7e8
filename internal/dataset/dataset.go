// Package dataset loads MNIST digits from IDX files, plain or gzip
// compressed, and normalizes them the way torchvision does.
package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// MNIST geometry and the torchvision normalization constants.
const (
	ImageSize  = 28
	Pixels     = ImageSize * ImageSize
	NumClasses = 10

	Mean = 0.1307
	Std  = 0.3081
)

// Split selects the training or the held-out test files.
type Split int

const (
	Train Split = iota
	Test
)

func (s Split) String() string {
	if s == Train {
		return "train"
	}
	return "test"
}

func (s Split) files(dir string) (images, labels string) {
	prefix := "train"
	if s == Test {
		prefix = "t10k"
	}
	return filepath.Join(dir, prefix+"-images-idx3-ubyte"), filepath.Join(dir, prefix+"-labels-idx1-ubyte")
}

// Dataset holds normalized images [n][784] and their labels.
type Dataset struct {
	Images [][]float32
	Labels []int32
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Batch copies samples order[start:start+size] into a flat [size*784] image
// buffer and a [size] label slice. The last batch may be shorter.
func (d *Dataset) Batch(order []int, start, size int) ([]float32, []int32) {
	end := min(start+size, len(order))
	images := make([]float32, 0, (end-start)*Pixels)
	labels := make([]int32, 0, end-start)
	for _, idx := range order[start:end] {
		images = append(images, d.Images[idx]...)
		labels = append(labels, d.Labels[idx])
	}
	return images, labels
}

// Sequential returns the identity order 0..n-1.
func (d *Dataset) Sequential() []int {
	order := make([]int, d.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

// Normalize maps raw 0..255 pixels to (x/255 - Mean) / Std.
func Normalize(pixels []byte) []float32 {
	out := make([]float32, len(pixels))
	for i, p := range pixels {
		out[i] = (float32(p)/255 - Mean) / Std
	}
	return out
}

func fromRaw(images [][]byte, labels []byte, maxSamples int) (*Dataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("image count (%d) != label count (%d)", len(images), len(labels))
	}
	n := len(images)
	if maxSamples > 0 && n > maxSamples {
		n = maxSamples
	}

	d := &Dataset{
		Images: make([][]float32, n),
		Labels: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		if labels[i] >= NumClasses {
			return nil, fmt.Errorf("label out of range [0, 9] at index %d: %d", i, labels[i])
		}
		d.Images[i] = Normalize(images[i])
		d.Labels[i] = int32(labels[i])
	}
	return d, nil
}

// Load reads one split from dir, keeping at most maxSamples samples
// (0 keeps all). Images and labels are read concurrently.
func Load(ctx context.Context, dir string, split Split, maxSamples int) (*Dataset, error) {
	imageFile, labelFile := split.files(dir)

	var (
		images [][]byte
		labels []byte
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		images, err = readImagesFile(imageFile)
		return err
	})
	g.Go(func() error {
		var err error
		labels, err = readLabelsFile(labelFile)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load %s split: %w", split, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d, err := fromRaw(images, labels, maxSamples)
	if err != nil {
		return nil, fmt.Errorf("%s split: %w", split, err)
	}
	return d, nil
}

// LoadSplits loads the train and test splits concurrently.
func LoadSplits(ctx context.Context, dir string, maxTrain, maxTest int) (train, test *Dataset, err error) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		train, err = Load(ctx, dir, Train, maxTrain)
		return err
	})
	g.Go(func() error {
		var err error
		test, err = Load(ctx, dir, Test, maxTest)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// segments lists the seven-segment strokes lit for each digit, in the
// order top, top-right, bottom-right, bottom, bottom-left, top-left, middle.
var segments = [NumClasses][7]bool{
	{true, true, true, true, true, true, false},
	{false, true, true, false, false, false, false},
	{true, true, false, true, true, false, true},
	{true, true, true, true, false, false, true},
	{false, true, true, false, false, true, true},
	{true, false, true, true, false, true, true},
	{true, false, true, true, true, true, true},
	{true, true, true, false, false, false, false},
	{true, true, true, true, true, true, true},
	{true, true, true, true, false, true, true},
}

// Synthetic generates n deterministic seven-segment digit images with random
// placement, stroke intensity and pixel noise. Labels cycle through 0..9.
func Synthetic(n int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	d := &Dataset{
		Images: make([][]float32, n),
		Labels: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		label := i % NumClasses
		d.Images[i] = Normalize(renderDigit(label, rng))
		d.Labels[i] = int32(label)
	}
	return d
}

func renderDigit(digit int, rng *rand.Rand) []byte {
	const (
		width  = 12
		height = 20
		stroke = 2
	)
	img := make([]byte, Pixels)
	x0 := (ImageSize-width)/2 + rng.Intn(7) - 3
	y0 := (ImageSize-height)/2 + rng.Intn(5) - 2
	ink := byte(180 + rng.Intn(76))

	fill := func(x, y, w, h int) {
		for yy := y; yy < y+h; yy++ {
			for xx := x; xx < x+w; xx++ {
				if xx >= 0 && xx < ImageSize && yy >= 0 && yy < ImageSize {
					img[yy*ImageSize+xx] = ink
				}
			}
		}
	}

	mid := y0 + height/2 - stroke/2
	strokes := [7]func(){
		func() { fill(x0, y0, width, stroke) },
		func() { fill(x0+width-stroke, y0, stroke, height/2) },
		func() { fill(x0+width-stroke, y0+height/2, stroke, height/2) },
		func() { fill(x0, y0+height-stroke, width, stroke) },
		func() { fill(x0, y0+height/2, stroke, height/2) },
		func() { fill(x0, y0, stroke, height/2) },
		func() { fill(x0, mid, width, stroke) },
	}
	for s, on := range segments[digit] {
		if on {
			strokes[s]()
		}
	}

	for i := range img {
		noise := rng.Intn(41) - 20
		img[i] = byte(min(255, max(0, int(img[i])+noise)))
	}
	return img
}
