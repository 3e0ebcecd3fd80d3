// Package criterion - DETR set criterion.
//
// The criterion computes the training loss of a set prediction model in two steps:
//  1. an optimal bipartite matching between the ground truth and the predictions,
//  2. a supervision of every matched pair (class and box) and of every unmatched
//     query (the no-object class).
//
// The differentiable terms are built as a gorgonia expression graph so every Forward
// returns the gradient of the weighted total with respect to the predictions.
package criterion

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/detr"
)

// ErrUnknownLoss is returned for a loss name the criterion does not implement.
var ErrUnknownLoss = errors.New("criterion: unknown loss")

// Loss names accepted in Config.Losses.
const (
	LossLabels      = "labels"
	LossCardinality = "cardinality"
	LossBoxes       = "boxes"
	LossMasks       = "masks"
)

// KnownLosses lists every loss the criterion implements, in evaluation order.
var KnownLosses = []string{LossLabels, LossBoxes, LossCardinality, LossMasks}

// Matcher assigns predictions to targets.
type Matcher interface {
	Match(ctx context.Context, outputs *detr.Outputs, targets []detr.Target) ([]matcher.Indices, error)
}

// Config configures a SetCriterion.
type Config struct {
	// NumClasses is the number of real classes, excluding no-object.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// EOSCoef is the relative classification weight of the no-object class.
	EOSCoef float64 `json:"eos_coef" yaml:"eos_coef"`
	// Losses lists the losses to compute.
	Losses []string `json:"losses" yaml:"losses"`
	// WeightDict maps loss names to their weight in the total.
	WeightDict map[string]float64 `json:"weight_dict" yaml:"weight_dict"`
	// FocalAlpha balances positive and negative pixels in the mask focal loss.
	// A negative value disables the balancing.
	FocalAlpha float64 `json:"focal_alpha" yaml:"focal_alpha"`
	// FocalGamma is the focusing exponent of the mask focal loss.
	FocalGamma float64 `json:"focal_gamma" yaml:"focal_gamma"`
}

// DefaultConfig returns the DETR box criterion for numClasses classes.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses: numClasses,
		EOSCoef:    0.1,
		Losses:     []string{LossLabels, LossBoxes, LossCardinality},
		WeightDict: map[string]float64{"loss_ce": 1, "loss_bbox": 5, "loss_giou": 2},
		FocalAlpha: 0.25,
		FocalGamma: 2,
	}
}

// Losses maps loss names to values.
type Losses map[string]float64

// Names returns the loss names in lexical order.
func (l Losses) Names() []string {
	names := lo.Keys(l)
	sort.Strings(names)
	return names
}

// LayerGradients holds the gradient of the total loss with respect to the
// predictions of one decoder layer. A field is nil when the prediction does not
// influence the total.
type LayerGradients struct {
	Logits *tensor.Dense
	Boxes  *tensor.Dense
	Masks  *tensor.Dense
}

// Gradients holds the gradients of the final layer and of every auxiliary layer.
type Gradients struct {
	LayerGradients
	Aux []LayerGradients
}

// Result is the outcome of one Forward.
type Result struct {
	// Losses holds every computed term, including the diagnostics class_error and
	// cardinality_error.
	Losses Losses
	// Total is the weighted sum of the terms listed in the weight dict.
	Total float64
	// Indices is the matching of the final layer.
	Indices []matcher.Indices
	// AuxIndices is the matching of every auxiliary layer.
	AuxIndices [][]matcher.Indices
	// Gradients holds dTotal/dPrediction.
	Gradients Gradients
}

// SetCriterion computes the DETR loss.
type SetCriterion struct {
	numClasses  int
	matcher     Matcher
	weightDict  map[string]float64
	eosCoef     float64
	losses      []string
	emptyWeight []float64
	focalAlpha  float64
	focalGamma  float64
	group       distributed.Group
}

// Option configures a SetCriterion.
type Option func(*SetCriterion)

// WithGroup normalizes the box count across the ranks of g.
func WithGroup(g distributed.Group) Option {
	return func(c *SetCriterion) {
		c.group = g
	}
}

// New creates a criterion.
//
// Arguments:
//   - config: The class count, losses and weights.
//   - m: The matcher used for the final and every auxiliary layer.
//   - opts: Optional settings.
//
// Returns:
//   - The criterion, or an error wrapping ErrUnknownLoss for an unsupported loss name.
//
// Example:
//
// ```go
//
//	m, _ := matcher.New(matcher.DefaultConfig())
//	c, err := criterion.New(criterion.DefaultConfig(91), m)
//	result, err := c.Forward(ctx, outputs, targets)
//
// ```
func New(config Config, m Matcher, opts ...Option) (*SetCriterion, error) {
	if config.NumClasses < 1 {
		return nil, errors.Errorf("criterion: num_classes must be positive, got %d", config.NumClasses)
	}
	if m == nil {
		return nil, errors.New("criterion: matcher is required")
	}
	if config.EOSCoef <= 0 || config.EOSCoef > 1 {
		return nil, errors.Errorf("criterion: eos_coef must be in (0, 1], got %v", config.EOSCoef)
	}
	for _, name := range config.Losses {
		if !slices.Contains(KnownLosses, name) {
			return nil, errors.Wrapf(ErrUnknownLoss, "%q, do you really want to compute %s loss?", name, name)
		}
	}

	c := &SetCriterion{
		numClasses: config.NumClasses,
		matcher:    m,
		weightDict: lo.Assign(config.WeightDict),
		eosCoef:    config.EOSCoef,
		losses:     lo.Uniq(config.Losses),
		focalAlpha: config.FocalAlpha,
		focalGamma: config.FocalGamma,
		group:      distributed.Single(),
	}
	c.emptyWeight = make([]float64, config.NumClasses+1)
	for i := range c.emptyWeight {
		c.emptyWeight[i] = 1
	}
	c.emptyWeight[config.NumClasses] = config.EOSCoef

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EmptyWeight returns a copy of the per-class classification weights.
func (c *SetCriterion) EmptyWeight() []float64 {
	return slices.Clone(c.emptyWeight)
}

// Losses returns the active losses in evaluation order.
func (c *SetCriterion) Losses() []string {
	return slices.Clone(c.losses)
}

// WeightDict returns a copy of the loss weights.
func (c *SetCriterion) WeightDict() map[string]float64 {
	return lo.Assign(c.weightDict)
}

// Forward computes the losses of a batch.
//
// Arguments:
//   - ctx: Cancels the matching and the box count all-reduce.
//   - outputs: The predictions of the final layer, with auxiliary layers attached.
//   - targets: One target per image.
//
// Returns:
//   - The losses, the weighted total, the matchings and the gradients.
//   - An error wrapping detr.ErrShape or detr.ErrMissingOutput for malformed input,
//     or the error of the matcher or the process group.
func (c *SetCriterion) Forward(ctx context.Context, outputs *detr.Outputs, targets []detr.Target) (*Result, error) {
	withMasks := slices.Contains(c.losses, LossMasks)
	if err := outputs.Validate(withMasks); err != nil {
		return nil, err
	}
	if outputs.NumClasses() != c.numClasses {
		return nil, errors.Wrapf(detr.ErrShape, "pred_logits has %d classes, want %d", outputs.NumClasses(), c.numClasses)
	}
	if err := detr.ValidateTargets(outputs, targets, withMasks); err != nil {
		return nil, err
	}

	final := outputs.WithoutAux()
	indices, err := c.matcher.Match(ctx, &final, targets)
	if err != nil {
		return nil, errors.Wrap(err, "matching final layer")
	}

	// Average the number of target boxes across all ranks for normalization.
	numBoxes, err := distributed.Mean(ctx, c.group, float64(detr.NumBoxes(targets)))
	if err != nil {
		return nil, err
	}
	numBoxes = max(numBoxes, 1)

	layers := []*layer{{outputs: &final, indices: indices, final: true}}
	result := &Result{Indices: indices}
	for i := range outputs.Aux {
		aux := &outputs.Aux[i]
		auxIndices, err := c.matcher.Match(ctx, aux, targets)
		if err != nil {
			return nil, errors.Wrapf(err, "matching aux layer %d", i)
		}
		result.AuxIndices = append(result.AuxIndices, auxIndices)
		layers = append(layers, &layer{outputs: aux, indices: auxIndices, suffix: "_" + strconv.Itoa(i)})
	}

	p := newPass(c, targets, numBoxes)
	if err := build(func() {
		for _, l := range layers {
			for _, name := range c.losses {
				if name == LossMasks && !l.final {
					// Masks are supervised on the final layer only.
					continue
				}
				p.add(name, l)
			}
		}
	}); err != nil {
		return nil, err
	}

	if err := p.run(c.weightDict, layers, result); err != nil {
		return nil, err
	}
	return result, nil
}

// IsDiagnostic reports whether a loss name is logged only and never weighted.
func IsDiagnostic(name string) bool {
	return strings.HasPrefix(name, "class_error") || strings.HasPrefix(name, "cardinality_error")
}
