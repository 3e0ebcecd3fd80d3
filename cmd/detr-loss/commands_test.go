package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detr/models/detr"
)

const exampleConfig = `
num_classes: 3
dec_layers: 1
`

const exampleBatch = `
pred_logits:
  - [[-4, -4, 8, -4], [0, 0, 0, 0], [-4, 8, -4, -4]]
pred_boxes:
  - [[0.31, 0.3, 0.1, 0.1], [0.7, 0.7, 0.3, 0.3], [0.5, 0.5, 0.2, 0.21]]
targets:
  - labels: [1, 2]
    boxes: [[0.5, 0.5, 0.2, 0.2], [0.3, 0.3, 0.1, 0.1]]
`

func writeInputs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "detr.yaml")
	batchPath := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(exampleConfig), 0o644))
	require.NoError(t, os.WriteFile(batchPath, []byte(exampleBatch), 0o644))
	return configPath, batchPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMatchCommand(t *testing.T) {
	configPath, batchPath := writeInputs(t)
	out, err := run(t, "match", "--config", configPath, "--batch", batchPath)
	require.NoError(t, err)
	assert.Equal(t, "image 0: 0->1 (bicycle) 2->0 (person)\n", out)
}

func TestLossCommand(t *testing.T) {
	configPath, batchPath := writeInputs(t)
	out, err := run(t, "loss", "--config", configPath, "--batch", batchPath)
	require.NoError(t, err)
	assert.Contains(t, out, "loss_bbox")
	assert.Contains(t, out, "(x5)")
	assert.Contains(t, out, "class_error              0.000000\n")
	assert.Contains(t, out, "total")
}

func TestLossCommand_JSON(t *testing.T) {
	configPath, batchPath := writeInputs(t)
	out, err := run(t, "loss", "--config", configPath, "--batch", batchPath, "--json")
	require.NoError(t, err)

	var report lossReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []int{0, 2}, report.Indices[0].Queries)
	assert.Equal(t, []int{1, 0}, report.Indices[0].Targets)
	assert.Contains(t, report.Losses, "loss_ce")
	assert.Contains(t, report.Losses, "cardinality_error")
	assert.Greater(t, report.Total, 0.0)
	assert.Empty(t, report.AuxIndices)
}

func TestLossCommand_Errors(t *testing.T) {
	configPath, batchPath := writeInputs(t)

	_, err := run(t, "loss", "--config", configPath)
	assert.Error(t, err)

	_, err = run(t, "loss", "--config", configPath, "--batch", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	// the default configuration has 91 classes, the batch only 3
	_, err = run(t, "loss", "--batch", batchPath)
	assert.Error(t, err)
}

// TestPredictCommand_Errors covers everything up to the model run, which needs
// the onnxruntime library.
func TestPredictCommand_Errors(t *testing.T) {
	configPath, batchPath := writeInputs(t)
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "frame.png")
	f, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	require.NoError(t, f.Close())

	args := func(extra ...string) []string {
		return append([]string{
			"predict",
			"--config", configPath,
			"--model", filepath.Join(dir, "detr.onnx"),
			"--lib", filepath.Join(dir, "libonnxruntime.so"),
		}, extra...)
	}

	_, err = run(t, args("--targets", batchPath)...)
	assert.ErrorContains(t, err, "image")

	_, err = run(t, args("--targets", batchPath, "--image", imagePath)...)
	assert.ErrorContains(t, err, "ONNX Runtime library not found")

	_, err = run(t, args("--targets", batchPath, "--image", filepath.Join(dir, "missing.png"))...)
	assert.ErrorContains(t, err, "failed to open image")

	twoImages := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(twoImages, []byte("targets:\n  - labels: [1]\n    boxes: [[0.5, 0.5, 0.2, 0.2]]\n  - labels: []\n    boxes: []\n"), 0o644))
	_, err = run(t, args("--targets", twoImages, "--image", imagePath)...)
	assert.ErrorIs(t, err, detr.ErrShape)
}

func TestBenchCommand(t *testing.T) {
	dir := t.TempDir()
	scenarios := filepath.Join(dir, "scenarios.yaml")
	require.NoError(t, os.WriteFile(scenarios, []byte(`
name: cli
scenarios:
  - name: tiny
    batch_size: 1
    num_queries: 5
    num_classes: 3
    targets: 2
    iterations: 2
    warmup_runs: 0
`), 0o644))

	out, err := run(t, "bench", "--scenarios", scenarios, "--output", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Running cli: 1 scenarios")
	assert.Contains(t, out, "tiny/forward")

	files, err := filepath.Glob(filepath.Join(dir, "benchmark_results_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
