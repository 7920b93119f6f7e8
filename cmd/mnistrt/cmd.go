package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/born-ml/mnistrt/internal/engine"
	"github.com/born-ml/mnistrt/internal/network"
	"github.com/born-ml/mnistrt/internal/trainer"
)

type options struct {
	dataDir       string
	enginePath    string
	epochs        int
	seed          int64
	trainSamples  int
	testSamples   int
	precision     string
	device        string
	autotune      bool
	exportWeights string
	verbose       bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	defaults := trainer.DefaultConfig()
	opts := options{
		dataDir:    defaults.DataDir,
		enginePath: "mnist.trt",
		epochs:     defaults.Epochs,
		seed:       defaults.Seed,
		precision:  string(engine.PrecisionFP32),
		device:     string(engine.DeviceAuto),
	}
	var logger *slog.Logger

	rootCmd := &cobra.Command{
		Use:   "mnistrt",
		Short: "Train an MNIST classifier, compile it to an engine and run one inference",
		Args:  cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, stdout, logger)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.Flags()
	flags.StringVar(&opts.dataDir, "data-dir", opts.dataDir, "Directory holding the MNIST IDX files (synthetic digits if absent)")
	flags.StringVar(&opts.enginePath, "engine", opts.enginePath, "Path of the serialized engine")
	flags.IntVar(&opts.epochs, "epochs", opts.epochs, "Training epochs")
	flags.Int64Var(&opts.seed, "seed", opts.seed, "Random seed for initialization, shuffling and the test case")
	flags.IntVar(&opts.trainSamples, "train-samples", 0, "Limit the number of training samples (0 uses all)")
	flags.IntVar(&opts.testSamples, "test-samples", 0, "Limit the number of test samples (0 uses all)")
	flags.StringVar(&opts.precision, "precision", opts.precision, "Engine weight precision: fp32, fp16 or bf16")
	flags.StringVar(&opts.device, "device", opts.device, "Engine device: auto, cpu or webgpu")
	flags.BoolVar(&opts.autotune, "autotune", false, "Time convolution tactics instead of using the heuristic")
	flags.StringVar(&opts.exportWeights, "export-weights", "", "Also write the trained weights to this safetensors file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	inspectCmd := &cobra.Command{
		Use:   "inspect ENGINE",
		Short: "Print the bindings and steps of a serialized engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], stdout, logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "mnistrt %s\n", version)
		},
	}

	rootCmd.AddCommand(inspectCmd, versionCmd)
	return rootCmd
}

func run(ctx context.Context, opts options, stdout io.Writer, logger *slog.Logger) error {
	precision, err := engine.ParsePrecision(opts.precision)
	if err != nil {
		return err
	}
	device, err := engine.ParseDevice(opts.device)
	if err != nil {
		return err
	}

	cfg := trainer.DefaultConfig()
	cfg.DataDir = opts.dataDir
	cfg.Epochs = opts.epochs
	cfg.Seed = opts.seed
	cfg.MaxTrainSamples = opts.trainSamples
	cfg.MaxTestSamples = opts.testSamples

	tr, err := trainer.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := tr.Train(ctx); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	ws, err := tr.Weights()
	if err != nil {
		return err
	}
	if opts.exportWeights != "" {
		if err := ws.Save(opts.exportWeights, map[string]string{"format": "pt"}); err != nil {
			return err
		}
		logger.Info("weights exported", "path", opts.exportWeights, "params", ws.NumParams())
	}

	net, err := network.Populate(ws)
	if err != nil {
		return fmt.Errorf("failed to build network: %w", err)
	}

	builder := engine.NewBuilder(logger)
	bcfg := builder.CreateBuilderConfig()
	bcfg.MaxWorkspaceSize = engine.GiB(1)
	bcfg.Precision = precision
	bcfg.Device = device
	bcfg.Autotune = opts.autotune
	serialized, err := builder.BuildSerializedNetwork(ctx, net, bcfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.enginePath, serialized, 0o644); err != nil {
		return fmt.Errorf("failed to write engine: %w", err)
	}

	data, err := os.ReadFile(opts.enginePath)
	if err != nil {
		return fmt.Errorf("failed to read engine: %w", err)
	}
	e, err := engine.NewRuntime(logger).Deserialize(data)
	if err != nil {
		return err
	}
	defer e.Close()

	inputs, outputs, bindings, err := engine.AllocateBuffers(e)
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range bindings {
			b.Release()
		}
	}()

	ec, err := e.CreateExecutionContext()
	if err != nil {
		return err
	}

	sample := tr.RandomSample()
	copy(inputs[0].Host, sample.Image)
	results, err := engine.DoInference(ctx, ec, bindings, inputs, outputs)
	if err != nil {
		return err
	}
	prediction := engine.Argmax(results[0])
	logger.Debug("inference", "index", sample.Index, "logits", results[0])

	fmt.Fprintf(stdout, "Test Case: %d\n", sample.Label)
	fmt.Fprintf(stdout, "Prediction: %d\n", prediction)
	return nil
}

func inspect(path string, stdout io.Writer, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e, err := engine.NewRuntime(logger).Deserialize(data)
	if err != nil {
		return err
	}
	defer e.Close()

	e.WriteSummary(stdout)
	meta := e.Metadata()
	fmt.Fprintf(stdout, "\nbuilt %s on %s (%s)\n",
		e.CreatedAt().Format("2006-01-02 15:04:05 MST"), meta[engine.MetaCPU], meta[engine.MetaArch])
	return nil
}
