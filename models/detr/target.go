package detr

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/box"
)

// Target is the ground truth of one image.
type Target struct {
	// Labels holds the class of each object, in [0, classes).
	Labels []int
	// Boxes holds the box of each object in center-size form, len(Boxes) == len(Labels).
	Boxes []box.Center
	// Masks holds one binary mask per object, shape [objects, H, W]. Nil unless
	// mask losses are computed, or when the image has no objects.
	Masks *tensor.Dense
}

// Len returns the number of objects in the image.
func (t *Target) Len() int {
	return len(t.Labels)
}

// ValidateTargets checks a batch of targets against the prediction set.
//
// Arguments:
//   - outputs: The final layer predictions.
//   - targets: One target per image.
//   - requireMasks: Whether every target must carry masks.
//
// Returns:
//   - An error wrapping ErrShape or ErrMissingOutput.
func ValidateTargets(outputs *Outputs, targets []Target, requireMasks bool) error {
	if len(targets) != outputs.BatchSize() {
		return errors.Wrapf(ErrShape, "%d targets for a batch of %d", len(targets), outputs.BatchSize())
	}
	numClasses := outputs.NumClasses()
	for i := range targets {
		t := &targets[i]
		if len(t.Boxes) != len(t.Labels) {
			return errors.Wrapf(ErrShape, "target %d has %d boxes and %d labels", i, len(t.Boxes), len(t.Labels))
		}
		for j, l := range t.Labels {
			if l < 0 || l >= numClasses {
				return errors.Wrapf(ErrShape, "target %d label %d = %d outside [0, %d)", i, j, l, numClasses)
			}
		}
		if !requireMasks || (t.Masks == nil && t.Len() == 0) {
			continue
		}
		if t.Masks == nil {
			return errors.Wrapf(ErrMissingOutput, "target %d masks", i)
		}
		if err := checkDense("masks", t.Masks, 3); err != nil {
			return errors.Wrapf(err, "target %d", i)
		}
		if t.Masks.Shape()[0] != t.Len() {
			return errors.Wrapf(ErrShape, "target %d has %d masks for %d objects", i, t.Masks.Shape()[0], t.Len())
		}
	}
	return nil
}

// NumBoxes returns the total number of objects across the batch.
func NumBoxes(targets []Target) int {
	n := 0
	for i := range targets {
		n += targets[i].Len()
	}
	return n
}
