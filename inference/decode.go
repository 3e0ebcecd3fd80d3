package inference

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/models/detr"
)

// OutputShape is the geometry of the raw output buffers of a batch of one.
type OutputShape struct {
	NumQueries int
	NumClasses int
	MaskHeight int
	MaskWidth  int
}

// DecodeOutputs converts the raw ONNX Runtime buffers into predictions for a batch
// of one image.
//
// Arguments:
//   - logits: NumQueries*(NumClasses+1) values.
//   - boxes: NumQueries*4 values in center-size form.
//   - masks: NumQueries*MaskHeight*MaskWidth values, or nil.
//   - shape: The expected geometry.
//
// Returns:
//   - *detr.Outputs: Float64 copies of the buffers.
//   - error: An error wrapping detr.ErrShape when a buffer has the wrong length.
func DecodeOutputs(logits, boxes, masks []float32, shape OutputShape) (*detr.Outputs, error) {
	q, k := shape.NumQueries, shape.NumClasses+1
	if q < 1 || k < 2 {
		return nil, errors.Wrapf(detr.ErrShape, "output shape %+v", shape)
	}
	if len(logits) != q*k {
		return nil, errors.Wrapf(detr.ErrShape, "pred_logits has %d values, want %d", len(logits), q*k)
	}
	if len(boxes) != q*4 {
		return nil, errors.Wrapf(detr.ErrShape, "pred_boxes has %d values, want %d", len(boxes), q*4)
	}

	out := &detr.Outputs{
		Logits: tensor.New(tensor.WithShape(1, q, k), tensor.WithBacking(toFloat64(logits))),
		Boxes:  tensor.New(tensor.WithShape(1, q, 4), tensor.WithBacking(toFloat64(boxes))),
	}
	if masks == nil {
		return out, nil
	}
	h, w := shape.MaskHeight, shape.MaskWidth
	if h < 1 || w < 1 || len(masks) != q*h*w {
		return nil, errors.Wrapf(detr.ErrShape, "pred_masks has %d values, want %dx%dx%d", len(masks), q, h, w)
	}
	out.Masks = tensor.New(tensor.WithShape(1, q, h, w), tensor.WithBacking(toFloat64(masks)))
	return out, nil
}

func toFloat64(src []float32) []float64 {
	return lo.Map(src, func(v float32, _ int) float64 { return float64(v) })
}
