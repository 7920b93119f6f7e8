// Package trainer trains the digit classifier and hands its weights to the
// engine builder.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"

	"github.com/born-ml/mnistrt/internal/autodiff"
	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/dataset"
	"github.com/born-ml/mnistrt/internal/nn"
	"github.com/born-ml/mnistrt/internal/optim"
	"github.com/born-ml/mnistrt/internal/tensor"
	"github.com/born-ml/mnistrt/internal/weights"
)

// Trainer errors.
var (
	ErrNotTrained = errors.New("model has not been trained")
	ErrDiverged   = errors.New("training diverged")
)

// Backend is the autodiff-wrapped CPU backend the model trains on.
type Backend = autodiff.AutodiffBackend[*cpu.CPUBackend]

// Sample is one held-out test case.
type Sample struct {
	Index int
	Image []float32 // normalized, 784 values
	Label int
}

// Trainer owns the model, the optimizer and both data splits.
type Trainer struct {
	cfg     Config
	logger  *slog.Logger
	backend *Backend
	model   *Net[*Backend]
	opt     optim.Optimizer
	loss    *nn.CrossEntropyLoss[*Backend]

	train *dataset.Dataset
	test  *dataset.Dataset

	shuffle *rand.Rand
	pick    *rand.Rand
	trained bool
}

// New loads the data and initializes the model. A nil logger selects
// slog.Default().
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	train, test, err := loadData(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if train.Len() == 0 || test.Len() == 0 {
		return nil, fmt.Errorf("empty dataset: %d train, %d test samples", train.Len(), test.Len())
	}

	backend := autodiff.New(cpu.New())
	model := NewNet(rand.New(rand.NewSource(cfg.Seed)), backend)
	opt, err := optim.New(cfg.Optimizer, model.Parameters(), cfg.LearningRate, cfg.Momentum, backend)
	if err != nil {
		return nil, err
	}

	logger.Info("trainer ready",
		"train", train.Len(),
		"test", test.Len(),
		"optimizer", cfg.Optimizer,
		"lr", cfg.LearningRate,
		"backend", backend.Name())
	logger.Debug("model", "net", model.String())

	return &Trainer{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		model:   model,
		opt:     opt,
		loss:    nn.NewCrossEntropyLoss(backend),
		train:   train,
		test:    test,
		shuffle: rand.New(rand.NewSource(cfg.Seed + 1)),
		pick:    rand.New(rand.NewSource(cfg.Seed + 2)),
	}, nil
}

func loadData(ctx context.Context, cfg Config, logger *slog.Logger) (train, test *dataset.Dataset, err error) {
	if cfg.DataDir != "" {
		train, test, err = dataset.LoadSplits(ctx, cfg.DataDir, cfg.MaxTrainSamples, cfg.MaxTestSamples)
		if err == nil {
			return train, test, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load MNIST: %w", err)
		}
		logger.Warn("MNIST files not found, using synthetic digits", "dir", cfg.DataDir, "err", err)
	}

	nTrain, nTest := syntheticTrain, syntheticTest
	if cfg.MaxTrainSamples > 0 {
		nTrain = cfg.MaxTrainSamples
	}
	if cfg.MaxTestSamples > 0 {
		nTest = cfg.MaxTestSamples
	}
	return dataset.Synthetic(nTrain, cfg.Seed), dataset.Synthetic(nTest, cfg.Seed+1000), nil
}

// Train runs cfg.Epochs epochs, evaluating on the test split after each one.
func (t *Trainer) Train(ctx context.Context) error {
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := t.trainEpoch(ctx, epoch); err != nil {
			return err
		}
		loss, acc, err := t.Evaluate(ctx)
		if err != nil {
			return err
		}
		t.logger.Info("test set",
			"epoch", epoch,
			"avg_loss", fmt.Sprintf("%.4f", loss),
			"accuracy", fmt.Sprintf("%.2f%%", acc*100))
	}
	t.trained = true
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) error {
	order := t.shuffle.Perm(t.train.Len())
	tape := t.backend.Tape()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	for batch, start := 0, 0; start < len(order); batch, start = batch+1, start+t.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		images, labels, err := t.batch(t.train, order, start, t.cfg.BatchSize)
		if err != nil {
			return err
		}

		t.opt.ZeroGrad()
		tape.StartRecording()
		loss := t.loss.Forward(t.model.Forward(images), labels)
		value := loss.Data()[0]
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			return fmt.Errorf("%w: loss %v at epoch %d batch %d", ErrDiverged, value, epoch, batch)
		}
		grads := autodiff.Backward(loss, t.backend)
		tape.StopRecording()
		tape.Clear()
		t.opt.Step(grads)

		if batch%t.cfg.LogInterval == 0 {
			done := min(start+t.cfg.BatchSize, len(order))
			t.logger.Info("train",
				"epoch", epoch,
				"progress", fmt.Sprintf("%d/%d (%.0f%%)", done, len(order), 100*float64(done)/float64(len(order))),
				"loss", fmt.Sprintf("%.6f", value))
		}
	}
	return nil
}

func (t *Trainer) batch(d *dataset.Dataset, order []int, start, size int) (*tensor.Tensor[float32, *Backend], *tensor.Tensor[int32, *Backend], error) {
	pixels, labels := d.Batch(order, start, size)
	n := len(labels)
	images, err := tensor.FromSlice(pixels, tensor.Shape{n, 1, dataset.ImageSize, dataset.ImageSize}, t.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build image batch: %w", err)
	}
	targets, err := tensor.FromSlice(labels, tensor.Shape{n}, t.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build label batch: %w", err)
	}
	return images, targets, nil
}

// Evaluate returns the average loss and the accuracy on the test split.
func (t *Trainer) Evaluate(ctx context.Context) (loss, accuracy float32, err error) {
	order := t.test.Sequential()
	var (
		total   float64
		correct int
	)
	t.backend.NoGrad(func() {
		for start := 0; start < len(order); start += t.cfg.TestBatchSize {
			if err = ctx.Err(); err != nil {
				return
			}
			var (
				images *tensor.Tensor[float32, *Backend]
				labels *tensor.Tensor[int32, *Backend]
			)
			images, labels, err = t.batch(t.test, order, start, t.cfg.TestBatchSize)
			if err != nil {
				return
			}
			logits := t.model.Forward(images)
			n := labels.NumElements()
			total += float64(t.loss.Forward(logits, labels).Data()[0]) * float64(n)
			correct += nn.CountCorrect(logits, labels)
		}
	})
	if err != nil {
		return 0, 0, err
	}
	n := float64(len(order))
	return float32(total / n), float32(float64(correct) / n), nil
}

// Weights returns a copy of the trained parameters.
func (t *Trainer) Weights() (weights.Set, error) {
	if !t.trained {
		return nil, ErrNotTrained
	}
	return t.model.Weights(), nil
}

// RandomSample draws a uniformly random test case.
func (t *Trainer) RandomSample() Sample {
	idx := t.pick.Intn(t.test.Len())
	return Sample{
		Index: idx,
		Image: append([]float32(nil), t.test.Images[idx]...),
		Label: int(t.test.Labels[idx]),
	}
}

// Predict returns the model logits for one normalized image.
func (t *Trainer) Predict(image []float32) ([]float32, error) {
	x, err := tensor.FromSlice(image, tensor.Shape{1, 1, dataset.ImageSize, dataset.ImageSize}, t.backend)
	if err != nil {
		return nil, err
	}
	var logits []float32
	t.backend.NoGrad(func() {
		logits = append(logits, t.model.Forward(x).Data()...)
	})
	return logits, nil
}

// Config returns the effective configuration.
func (t *Trainer) Config() Config {
	return t.cfg
}
