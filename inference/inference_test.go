package inference

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detr/box"
	"github.com/nvr-ai/go-detr/models/detr"
)

func TestDecodeOutputs(t *testing.T) {
	shape := OutputShape{NumQueries: 2, NumClasses: 2}
	logits := []float32{1, 2, 3, 4, 5, 6}
	boxes := []float32{0.5, 0.5, 0.25, 0.25, 0.1, 0.2, 0.3, 0.4}

	out, err := DecodeOutputs(logits, boxes, nil, shape)
	require.NoError(t, err)
	require.NoError(t, out.Validate(false))
	assert.Equal(t, 1, out.BatchSize())
	assert.Equal(t, 2, out.NumQueries())
	assert.Equal(t, 2, out.NumClasses())
	assert.Equal(t, []float64{4, 5, 6}, out.Logit(0, 1))
	assert.Equal(t, box.Center{CX: 0.5, CY: 0.5, W: 0.25, H: 0.25}, out.Box(0, 0))
	assert.Nil(t, out.Masks)
}

func TestDecodeOutputs_Masks(t *testing.T) {
	shape := OutputShape{NumQueries: 1, NumClasses: 1, MaskHeight: 2, MaskWidth: 3}
	masks := []float32{1, 2, 3, 4, 5, 6}

	out, err := DecodeOutputs([]float32{0, 1}, []float32{0.5, 0.5, 1, 1}, masks, shape)
	require.NoError(t, err)
	require.NoError(t, out.Validate(true))
	assert.Equal(t, []int{1, 1, 2, 3}, []int(out.Masks.Shape()))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, out.Masks.Float64s())
}

func TestDecodeOutputs_Errors(t *testing.T) {
	tests := []struct {
		name   string
		logits []float32
		boxes  []float32
		masks  []float32
		shape  OutputShape
	}{
		{name: "no queries", shape: OutputShape{NumClasses: 1}},
		{name: "short logits", logits: []float32{1}, boxes: make([]float32, 4), shape: OutputShape{NumQueries: 1, NumClasses: 1}},
		{name: "short boxes", logits: make([]float32, 2), boxes: make([]float32, 3), shape: OutputShape{NumQueries: 1, NumClasses: 1}},
		{
			name: "mask without size", logits: make([]float32, 2), boxes: make([]float32, 4), masks: make([]float32, 4),
			shape: OutputShape{NumQueries: 1, NumClasses: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOutputs(tt.logits, tt.boxes, tt.masks, tt.shape)
			assert.True(t, errors.Is(err, detr.ErrShape), "got %v", err)
		})
	}
}

func TestGetSharedLibPath(t *testing.T) {
	t.Setenv(LibraryPathEnv, "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", GetSharedLibPath())
}

func TestNewSession_MissingLibrary(t *testing.T) {
	config := DefaultSessionConfig("detr.onnx")
	config.SharedLibPath = filepath.Join(t.TempDir(), "libonnxruntime.so")

	_, err := NewSession(config)
	assert.ErrorContains(t, err, "ONNX Runtime library not found")
}

func TestPreprocess(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 255, A: 255})
		}
	}

	data := Preprocess(img, 4, 3)
	require.Len(t, data, 3*4*3)
	want := []float32{(1 - 0.485) / 0.229, -0.456 / 0.224, (1 - 0.406) / 0.225}
	for c := 0; c < 3; c++ {
		for i := 0; i < 12; i++ {
			assert.InDelta(t, want[c], data[c*12+i], 0.02, "channel %d pixel %d", c, i)
		}
	}
}

func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 3, 2))))
	require.NoError(t, f.Close())

	img, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
	_, err = LoadImage(path)
	assert.Error(t, err)
}
