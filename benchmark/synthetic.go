package benchmark

import (
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/box"
	"github.com/nvr-ai/go-detr/models/detr"
)

// Synthetic generates a random batch of predictions and targets for a scenario.
//
// Predicted boxes are valid center-size boxes inside the image, so the matcher
// never sees a degenerate rectangle. With MaskSize set, every target carries
// rectangular binary masks at twice the predicted resolution, and odd images are
// narrower so that the targets need padding.
//
// Arguments:
//   - s: The scenario.
//   - rng: The random source.
//
// Returns:
//   - The predictions, with AuxLayers auxiliary layers.
//   - One target per image.
func Synthetic(s Scenario, rng *rand.Rand) (*detr.Outputs, []detr.Target) {
	out := syntheticLayer(s, rng)
	for i := 0; i < s.AuxLayers; i++ {
		aux := syntheticLayer(s, rng)
		aux.Masks = nil
		out.Aux = append(out.Aux, *aux)
	}

	targets := make([]detr.Target, s.BatchSize)
	for b := range targets {
		n := s.Targets
		if b%2 == 1 {
			n /= 2
		}
		t := &targets[b]
		for k := 0; k < n; k++ {
			t.Labels = append(t.Labels, rng.Intn(s.NumClasses))
			t.Boxes = append(t.Boxes, randomBox(rng))
		}
		if s.MaskSize > 0 && n > 0 {
			h, w := 2*s.MaskSize, 2*s.MaskSize
			if b%2 == 1 {
				w -= s.MaskSize / 2
			}
			t.Masks = rasterize(t.Boxes, h, w)
		}
	}
	return out, targets
}

func syntheticLayer(s Scenario, rng *rand.Rand) *detr.Outputs {
	b, q, k := s.BatchSize, s.NumQueries, s.NumClasses+1

	logits := make([]float64, b*q*k)
	for i := range logits {
		logits[i] = rng.NormFloat64() * 2
	}
	boxes := make([]float64, 0, b*q*4)
	for i := 0; i < b*q; i++ {
		boxes = append(boxes, randomBox(rng).Slice()...)
	}

	out := &detr.Outputs{
		Logits: tensor.New(tensor.WithShape(b, q, k), tensor.WithBacking(logits)),
		Boxes:  tensor.New(tensor.WithShape(b, q, 4), tensor.WithBacking(boxes)),
	}
	if s.MaskSize > 0 {
		m := make([]float64, b*q*s.MaskSize*s.MaskSize)
		for i := range m {
			m[i] = rng.NormFloat64()
		}
		out.Masks = tensor.New(tensor.WithShape(b, q, s.MaskSize, s.MaskSize), tensor.WithBacking(m))
	}
	return out
}

func randomBox(rng *rand.Rand) box.Center {
	return box.Center{
		CX: 0.25 + 0.5*rng.Float64(),
		CY: 0.25 + 0.5*rng.Float64(),
		W:  0.05 + 0.4*rng.Float64(),
		H:  0.05 + 0.4*rng.Float64(),
	}
}

// rasterize draws each box as a filled binary mask of an h x w image.
func rasterize(boxes []box.Center, h, w int) *tensor.Dense {
	data := make([]float64, len(boxes)*h*w)
	for n, c := range boxes {
		r := c.Corners()
		for y := 0; y < h; y++ {
			fy := (float64(y) + 0.5) / float64(h)
			if fy < r.Y1 || fy > r.Y2 {
				continue
			}
			for x := 0; x < w; x++ {
				fx := (float64(x) + 0.5) / float64(w)
				if fx >= r.X1 && fx <= r.X2 {
					data[(n*h+y)*w+x] = 1
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(len(boxes), h, w), tensor.WithBacking(data))
}
