// Command mnistrt trains the digit classifier, compiles it into an inference
// engine file, reloads the engine and classifies one random test image.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("mnistrt failed", "error", err)
		os.Exit(1)
	}
}
