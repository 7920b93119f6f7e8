package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/mnistrt/internal/engine"
	"github.com/born-ml/mnistrt/internal/weights"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func smallRun(dir string, extra ...string) []string {
	args := []string{
		"--data-dir", filepath.Join(dir, "mnist"),
		"--engine", filepath.Join(dir, "mnist.trt"),
		"--epochs", "1",
		"--train-samples", "200",
		"--test-samples", "20",
		"--device", "cpu",
	}
	return append(args, extra...)
}

func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	weightsPath := filepath.Join(dir, "weights.safetensors")

	stdout, stderr, err := execute(t, smallRun(dir, "--export-weights", weightsPath)...)
	require.NoError(t, err, stderr)
	assert.Regexp(t, `^Test Case: [0-9]\nPrediction: [0-9]\n$`, stdout)
	assert.Contains(t, stderr, "engine built")

	data, err := os.ReadFile(filepath.Join(dir, "mnist.trt"))
	require.NoError(t, err)
	e, err := engine.NewRuntime(nil).Deserialize(data)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, engine.DeviceCPU, e.Device())

	ws, err := weights.Load(weightsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv1", "conv2", "fc1", "fc2"}, ws.Names())

	stdout, _, err = execute(t, "inspect", filepath.Join(dir, "mnist.trt"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "conv1")
	assert.Contains(t, stdout, "fc+relu")
	assert.Contains(t, stdout, e.ID())
}

func TestRun_SameSeedSamePrediction(t *testing.T) {
	first, _, err := execute(t, smallRun(t.TempDir(), "--seed", "5", "--precision", "fp16")...)
	require.NoError(t, err)
	second, _, err := execute(t, smallRun(t.TempDir(), "--seed", "5", "--precision", "fp16")...)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRun_BadFlags(t *testing.T) {
	_, _, err := execute(t, smallRun(t.TempDir(), "--precision", "int4")...)
	assert.ErrorContains(t, err, "unknown precision")

	_, _, err = execute(t, smallRun(t.TempDir(), "--device", "tpu")...)
	assert.ErrorContains(t, err, "unknown device")

	_, _, err = execute(t, "unexpected-arg")
	assert.Error(t, err)
}

func TestInspect_Errors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := execute(t, "inspect", filepath.Join(dir, "missing.trt"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(dir, "garbage.trt")
	require.NoError(t, os.WriteFile(garbage, bytes.Repeat([]byte{7}, 256), 0o644))
	_, _, err = execute(t, "inspect", garbage)
	assert.ErrorIs(t, err, engine.ErrCorruptEngine)
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mnistrt "+version+"\n", stdout)
}
