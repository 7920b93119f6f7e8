package trainer

// Config controls data loading and the training loop.
type Config struct {
	// DataDir holds the MNIST IDX files. Empty selects synthetic digits.
	DataDir string

	Epochs        int
	BatchSize     int
	TestBatchSize int
	LearningRate  float32
	Momentum      float32
	Optimizer     string // "sgd" or "adam"
	Seed          int64

	// MaxTrainSamples and MaxTestSamples cap the splits; 0 keeps everything.
	MaxTrainSamples int
	MaxTestSamples  int

	// LogInterval is the number of batches between progress logs.
	LogInterval int
}

// Synthetic split sizes used when no IDX files are available and no cap is set.
const (
	syntheticTrain = 6000
	syntheticTest  = 1000
)

// DefaultConfig returns the settings of the reference MNIST sample.
func DefaultConfig() Config {
	return Config{
		DataDir:       "data",
		Epochs:        2,
		BatchSize:     64,
		TestBatchSize: 100,
		LearningRate:  0.01,
		Momentum:      0.9,
		Optimizer:     "sgd",
		Seed:          1,
		LogInterval:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Epochs <= 0 {
		c.Epochs = d.Epochs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TestBatchSize <= 0 {
		c.TestBatchSize = d.TestBatchSize
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.LogInterval <= 0 {
		c.LogInterval = d.LogInterval
	}
	return c
}
