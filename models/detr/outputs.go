// Package detr - DETR prediction and target records.
//
// The records replace the string-keyed tensor maps a DETR model exchanges with its
// loss: every field has a fixed meaning, and optional fields (masks, auxiliary
// decoder layers) are nil when absent.
package detr

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/box"
)

var (
	// ErrShape reports a tensor whose shape or dtype does not fit the contract.
	ErrShape = errors.New("detr: malformed tensor shape")
	// ErrMissingOutput reports a required prediction that was not provided.
	ErrMissingOutput = errors.New("detr: missing prediction output")
)

// Outputs is the prediction set of one decoder layer for a whole batch.
type Outputs struct {
	// Logits holds the class logits, shape [batch, queries, classes+1]. The last
	// class is the no-object class.
	Logits *tensor.Dense
	// Boxes holds the predicted boxes in center-size form normalized to [0, 1],
	// shape [batch, queries, 4].
	Boxes *tensor.Dense
	// Masks holds the predicted mask logits, shape [batch, queries, h, w]. Nil unless
	// the model predicts masks.
	Masks *tensor.Dense
	// Aux holds the predictions of the earlier decoder layers, first layer first.
	// Nil unless deep supervision is enabled. Aux entries never have Aux themselves.
	Aux []Outputs
}

// BatchSize returns the number of images in the batch.
func (o *Outputs) BatchSize() int {
	return o.Logits.Shape()[0]
}

// NumQueries returns the number of query slots per image.
func (o *Outputs) NumQueries() int {
	return o.Logits.Shape()[1]
}

// NumClasses returns the number of real classes, excluding the no-object class.
func (o *Outputs) NumClasses() int {
	return o.Logits.Shape()[2] - 1
}

// WithoutAux returns the same predictions with the auxiliary layers dropped.
func (o *Outputs) WithoutAux() Outputs {
	return Outputs{Logits: o.Logits, Boxes: o.Boxes, Masks: o.Masks}
}

// Logit returns the C+1 class logits of query q in image b.
func (o *Outputs) Logit(b, q int) []float64 {
	shape := o.Logits.Shape()
	k := shape[2]
	start := (b*shape[1] + q) * k
	return o.Logits.Float64s()[start : start+k]
}

// Box returns the predicted box of query q in image b.
func (o *Outputs) Box(b, q int) box.Center {
	start := (b*o.Boxes.Shape()[1] + q) * 4
	return box.FromSlice(o.Boxes.Float64s()[start : start+4])
}

// Validate checks the prediction tensors of this layer and of every auxiliary layer.
//
// Arguments:
//   - requireMasks: Whether Masks must be present.
//
// Returns:
//   - An error wrapping ErrMissingOutput or ErrShape, nil when the predictions are
//     well formed.
func (o *Outputs) Validate(requireMasks bool) error {
	if err := o.validateLayer(requireMasks); err != nil {
		return err
	}
	for i := range o.Aux {
		aux := &o.Aux[i]
		if len(aux.Aux) > 0 {
			return errors.Wrapf(ErrShape, "aux_outputs[%d] has nested aux outputs", i)
		}
		if err := aux.validateLayer(false); err != nil {
			return errors.Wrapf(err, "aux_outputs[%d]", i)
		}
		if !aux.Logits.Shape().Eq(o.Logits.Shape()) {
			return errors.Wrapf(ErrShape, "aux_outputs[%d] pred_logits %v, want %v", i, aux.Logits.Shape(), o.Logits.Shape())
		}
	}
	return nil
}

func (o *Outputs) validateLayer(requireMasks bool) error {
	if o.Logits == nil {
		return errors.Wrap(ErrMissingOutput, "pred_logits")
	}
	if o.Boxes == nil {
		return errors.Wrap(ErrMissingOutput, "pred_boxes")
	}
	if err := checkDense("pred_logits", o.Logits, 3); err != nil {
		return err
	}
	if err := checkDense("pred_boxes", o.Boxes, 3); err != nil {
		return err
	}

	ls, bs := o.Logits.Shape(), o.Boxes.Shape()
	if ls[2] < 2 {
		return errors.Wrapf(ErrShape, "pred_logits %v has no real class", ls)
	}
	if bs[0] != ls[0] || bs[1] != ls[1] || bs[2] != 4 {
		return errors.Wrapf(ErrShape, "pred_boxes %v does not fit pred_logits %v", bs, ls)
	}

	if o.Masks == nil {
		if requireMasks {
			return errors.Wrap(ErrMissingOutput, "pred_masks")
		}
		return nil
	}
	if err := checkDense("pred_masks", o.Masks, 4); err != nil {
		return err
	}
	if ms := o.Masks.Shape(); ms[0] != ls[0] || ms[1] != ls[1] {
		return errors.Wrapf(ErrShape, "pred_masks %v does not fit pred_logits %v", ms, ls)
	}
	return nil
}

func checkDense(name string, t *tensor.Dense, dims int) error {
	if t.Dtype() != tensor.Float64 {
		return errors.Wrapf(ErrShape, "%s has dtype %v, want float64", name, t.Dtype())
	}
	if t.Dims() != dims {
		return errors.Wrapf(ErrShape, "%s has shape %v, want %d dimensions", name, t.Shape(), dims)
	}
	return nil
}
