package detr

import (
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/box"
	"github.com/nvr-ai/go-detr/masks"
)

// Batch is a serialized prediction set and its ground truth.
//
// Example:
//
//	pred_logits: [[[2.0, 0.0, -1.0], [0.0, 3.0, -1.0]]]
//	pred_boxes:  [[[0.5, 0.5, 0.2, 0.2], [0.2, 0.3, 0.1, 0.1]]]
//	targets:
//	  - labels: [1]
//	    boxes: [[0.2, 0.3, 0.1, 0.1]]
//	    masks: [person.png]
//	    mask_size: [64, 64]
//
// JSON documents with the same keys load as well.
type Batch struct {
	Layer   `yaml:",inline"`
	Aux     []Layer        `json:"aux_outputs" yaml:"aux_outputs"`
	Targets []TargetRecord `json:"targets" yaml:"targets"`
}

// Layer holds the predictions of one decoder layer as nested arrays.
type Layer struct {
	Logits [][][]float64   `json:"pred_logits" yaml:"pred_logits"`
	Boxes  [][][]float64   `json:"pred_boxes" yaml:"pred_boxes"`
	Masks  [][][][]float64 `json:"pred_masks,omitempty" yaml:"pred_masks,omitempty"`
}

// TargetRecord is the serialized ground truth of one image.
type TargetRecord struct {
	Labels []int       `json:"labels" yaml:"labels"`
	Boxes  [][]float64 `json:"boxes" yaml:"boxes"`
	// Masks lists one PNG path per object, relative to the batch file.
	Masks []string `json:"masks,omitempty" yaml:"masks,omitempty"`
	// MaskSize is the [height, width] masks are rasterized to. Defaults to the
	// size of the first mask image.
	MaskSize []int `json:"mask_size,omitempty" yaml:"mask_size,omitempty"`
}

// LoadBatch reads a batch file and decodes it into predictions and targets.
//
// Arguments:
//   - path: A YAML or JSON batch file.
//
// Returns:
//   - The final layer predictions, with auxiliary layers attached.
//   - One target per image.
//   - An error if the file cannot be read or a tensor is ragged.
func LoadBatch(path string) (*Outputs, []Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}

	return b.Decode(filepath.Dir(path))
}

// LoadTargets reads only the targets of a batch file, for predictions that come
// from a model rather than from the file.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return b.decodeTargets(filepath.Dir(path))
}

// Decode converts the nested arrays into tensors. Mask paths are resolved against dir.
func (b *Batch) Decode(dir string) (*Outputs, []Target, error) {
	outputs, err := b.Layer.decode()
	if err != nil {
		return nil, nil, err
	}
	for i := range b.Aux {
		aux, err := b.Aux[i].decode()
		if err != nil {
			return nil, nil, fmt.Errorf("aux_outputs[%d]: %w", i, err)
		}
		outputs.Aux = append(outputs.Aux, *aux)
	}

	targets, err := b.decodeTargets(dir)
	if err != nil {
		return nil, nil, err
	}
	return outputs, targets, nil
}

func (b *Batch) decodeTargets(dir string) ([]Target, error) {
	targets := make([]Target, len(b.Targets))
	for i, rec := range b.Targets {
		t, err := rec.decode(dir)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		targets[i] = t
	}
	return targets, nil
}

func (l *Layer) decode() (*Outputs, error) {
	logits, err := dense3("pred_logits", l.Logits)
	if err != nil {
		return nil, err
	}
	boxes, err := dense3("pred_boxes", l.Boxes)
	if err != nil {
		return nil, err
	}
	out := &Outputs{Logits: logits, Boxes: boxes}
	if len(l.Masks) > 0 {
		if out.Masks, err = dense4("pred_masks", l.Masks); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *TargetRecord) decode(dir string) (Target, error) {
	t := Target{Labels: r.Labels, Boxes: make([]box.Center, len(r.Boxes))}
	for i, b := range r.Boxes {
		if len(b) != 4 {
			return t, fmt.Errorf("box %d has %d coordinates: %w", i, len(b), ErrShape)
		}
		t.Boxes[i] = box.FromSlice(b)
	}
	if len(r.Masks) == 0 {
		return t, nil
	}

	height, width := 0, 0
	if len(r.MaskSize) == 2 {
		height, width = r.MaskSize[0], r.MaskSize[1]
	}
	ms := make([]*tensor.Dense, len(r.Masks))
	for i, name := range r.Masks {
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		img, err := readImage(name)
		if err != nil {
			return t, err
		}
		if height == 0 || width == 0 {
			height, width = img.Bounds().Dy(), img.Bounds().Dx()
		}
		ms[i] = masks.FromImage(img, width, height)
	}

	stacked, err := masks.Stack(ms)
	if err != nil {
		return t, err
	}
	t.Masks = stacked
	return t, nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask %s: %w", path, err)
	}
	return img, nil
}

func dense3(name string, v [][][]float64) (*tensor.Dense, error) {
	if len(v) == 0 || len(v[0]) == 0 || len(v[0][0]) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingOutput)
	}
	a, b, c := len(v), len(v[0]), len(v[0][0])
	data := make([]float64, 0, a*b*c)
	for _, rows := range v {
		if len(rows) != b {
			return nil, fmt.Errorf("%s is ragged: %w", name, ErrShape)
		}
		for _, row := range rows {
			if len(row) != c {
				return nil, fmt.Errorf("%s is ragged: %w", name, ErrShape)
			}
			data = append(data, row...)
		}
	}
	return tensor.New(tensor.WithShape(a, b, c), tensor.WithBacking(data)), nil
}

func dense4(name string, v [][][][]float64) (*tensor.Dense, error) {
	planes := make([][][]float64, 0, len(v))
	for _, q := range v {
		if len(q) != len(v[0]) {
			return nil, fmt.Errorf("%s is ragged: %w", name, ErrShape)
		}
		planes = append(planes, q...)
	}
	flat, err := dense3(name, planes)
	if err != nil {
		return nil, err
	}
	s := flat.Shape()
	return tensor.New(tensor.WithShape(len(v), len(v[0]), s[1], s[2]), tensor.WithBacking(flat.Float64s())), nil
}
