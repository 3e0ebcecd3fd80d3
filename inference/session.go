// Package inference - ONNX Runtime sessions for exported DETR graphs.
package inference

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-detr/models/detr"
)

// Backend is the ONNX Runtime execution provider a session runs on.
type Backend string

const (
	// BackendCPU runs on the default CPU provider.
	BackendCPU Backend = "cpu"
	// BackendCUDA runs on NVIDIA GPUs.
	BackendCUDA Backend = "cuda"
	// BackendCoreML runs on Apple GPUs and neural engines.
	BackendCoreML Backend = "coreml"
	// BackendOpenVINO runs on Intel CPUs and GPUs.
	BackendOpenVINO Backend = "openvino"
)

// SessionConfig describes an exported DETR model.
type SessionConfig struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibPath overrides the onnxruntime shared library location.
	SharedLibPath string `json:"shared_lib_path" yaml:"shared_lib_path"`
	// Backend selects the execution provider.
	Backend Backend `json:"backend" yaml:"backend"`

	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	NumQueries int `json:"num_queries" yaml:"num_queries"`
	// NumClasses is the number of real classes, the graph emits NumClasses+1 logits.
	NumClasses int `json:"num_classes" yaml:"num_classes"`

	// MaskHeight and MaskWidth are the size of pred_masks; zero when the graph has
	// no mask head.
	MaskHeight int `json:"mask_height" yaml:"mask_height"`
	MaskWidth  int `json:"mask_width" yaml:"mask_width"`

	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
}

// DefaultSessionConfig returns the shapes of the reference DETR export.
func DefaultSessionConfig(modelPath string) SessionConfig {
	return SessionConfig{
		ModelPath:  modelPath,
		Backend:    BackendCPU,
		Width:      800,
		Height:     800,
		NumQueries: 100,
		NumClasses: 91,
	}
}

func (c SessionConfig) hasMasks() bool {
	return c.MaskHeight > 0 && c.MaskWidth > 0
}

// Session runs an exported DETR graph with preallocated tensors.
type Session struct {
	config  SessionConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	logits  *ort.Tensor[float32]
	boxes   *ort.Tensor[float32]
	masks   *ort.Tensor[float32]
	mu      sync.Mutex
}

var (
	environmentOnce sync.Once
	environmentErr  error
)

func initializeEnvironment(libPath string) error {
	environmentOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		environmentErr = ort.InitializeEnvironment()
	})
	return environmentErr
}

// NewSession loads a DETR model.
//
// The graph must take an "images" input of shape [1, 3, Height, Width] and produce
// "pred_logits" [1, NumQueries, NumClasses+1], "pred_boxes" [1, NumQueries, 4] and,
// when the mask size is set, "pred_masks" [1, NumQueries, MaskHeight, MaskWidth].
//
// Arguments:
//   - config: The model location and shapes.
//
// Returns:
//   - *Session: A session ready for Predict. The caller must Close it.
//   - error: An error if the runtime or the model cannot be loaded.
func NewSession(config SessionConfig) (*Session, error) {
	libPath := config.SharedLibPath
	if libPath == "" {
		libPath = GetSharedLibPath()
	}
	if _, err := os.Stat(libPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}
	if err := initializeEnvironment(libPath); err != nil {
		return nil, fmt.Errorf("error initializing ORT environment: %w", err)
	}

	s := &Session{config: config}
	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(config.Height), int64(config.Width))); err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	queries := int64(config.NumQueries)
	if s.logits, err = ort.NewEmptyTensor[float32](ort.NewShape(1, queries, int64(config.NumClasses+1))); err != nil {
		s.Close()
		return nil, fmt.Errorf("error creating pred_logits tensor: %w", err)
	}
	if s.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(1, queries, 4)); err != nil {
		s.Close()
		return nil, fmt.Errorf("error creating pred_boxes tensor: %w", err)
	}

	outputNames := []string{"pred_logits", "pred_boxes"}
	outputs := []ort.ArbitraryTensor{s.logits, s.boxes}
	if config.hasMasks() {
		shape := ort.NewShape(1, queries, int64(config.MaskHeight), int64(config.MaskWidth))
		if s.masks, err = ort.NewEmptyTensor[float32](shape); err != nil {
			s.Close()
			return nil, fmt.Errorf("error creating pred_masks tensor: %w", err)
		}
		outputNames = append(outputNames, "pred_masks")
		outputs = append(outputs, s.masks)
	}

	options, err := sessionOptions(config)
	if err != nil {
		s.Close()
		return nil, err
	}
	defer options.Destroy()

	s.session, err = ort.NewAdvancedSession(
		config.ModelPath,
		[]string{"images"},
		outputNames,
		[]ort.ArbitraryTensor{s.input},
		outputs,
		options,
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}
	return s, nil
}

func sessionOptions(config SessionConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(config.InterOpThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting graph optimization level: %w", err)
	}

	switch config.Backend {
	case BackendCPU, "":
	case BackendCoreML:
		err = options.AppendExecutionProviderCoreML(0)
	case BackendOpenVINO:
		err = options.AppendExecutionProviderOpenVINO(map[string]string{"device_type": "CPU"})
	case BackendCUDA:
		var cuda *ort.CUDAProviderOptions
		if cuda, err = ort.NewCUDAProviderOptions(); err == nil {
			defer cuda.Destroy()
			err = options.AppendExecutionProviderCUDA(cuda)
		}
	default:
		err = fmt.Errorf("unknown backend %q", config.Backend)
	}
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error enabling %s: %w", config.Backend, err)
	}
	return options, nil
}

// Predict runs the model on one normalized CHW image.
//
// Arguments:
//   - pixels: 3*Height*Width float32 values in channel-major order.
//
// Returns:
//   - The predictions as a batch of one.
//   - An error if the input size is wrong or the run fails.
func (s *Session) Predict(pixels []float32) (*detr.Outputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input := s.input.GetData()
	if len(pixels) != len(input) {
		return nil, fmt.Errorf("got %d input values, want %d: %w", len(pixels), len(input), detr.ErrShape)
	}
	copy(input, pixels)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("error running DETR session: %w", err)
	}

	var masks []float32
	if s.masks != nil {
		masks = s.masks.GetData()
	}
	return DecodeOutputs(s.logits.GetData(), s.boxes.GetData(), masks, OutputShape{
		NumQueries: s.config.NumQueries,
		NumClasses: s.config.NumClasses,
		MaskHeight: s.config.MaskHeight,
		MaskWidth:  s.config.MaskWidth,
	})
}

// Close releases the session and its tensors.
func (s *Session) Close() error {
	for _, t := range []*ort.Tensor[float32]{s.input, s.logits, s.boxes, s.masks} {
		if t != nil {
			t.Destroy()
		}
	}
	s.input, s.logits, s.boxes, s.masks = nil, nil, nil, nil

	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		if err != nil {
			return fmt.Errorf("error destroying ORT session: %w", err)
		}
	}
	return nil
}
