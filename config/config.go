// Package config - Construction-time configuration of the DETR loss.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/detr"
)

// ErrInvalid is returned for a configuration that cannot build a criterion.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds every hyperparameter of the matcher and the criterion.
type Config struct {
	// NumClasses is the number of real classes. Zero derives it from DatasetFile.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// DatasetFile names the dataset: "coco" has 91 class ids, anything else 20.
	DatasetFile string `json:"dataset_file" yaml:"dataset_file"`
	NumQueries  int    `json:"num_queries" yaml:"num_queries"`
	DecLayers   int    `json:"dec_layers" yaml:"dec_layers"`
	// AuxLoss supervises every decoder layer.
	AuxLoss bool `json:"aux_loss" yaml:"aux_loss"`
	// Masks enables the segmentation losses.
	Masks bool `json:"masks" yaml:"masks"`

	SetCostClass float64 `json:"set_cost_class" yaml:"set_cost_class"`
	SetCostBBox  float64 `json:"set_cost_bbox" yaml:"set_cost_bbox"`
	SetCostGIoU  float64 `json:"set_cost_giou" yaml:"set_cost_giou"`

	BBoxLossCoef float64 `json:"bbox_loss_coef" yaml:"bbox_loss_coef"`
	GIoULossCoef float64 `json:"giou_loss_coef" yaml:"giou_loss_coef"`
	MaskLossCoef float64 `json:"mask_loss_coef" yaml:"mask_loss_coef"`
	DiceLossCoef float64 `json:"dice_loss_coef" yaml:"dice_loss_coef"`
	EOSCoef      float64 `json:"eos_coef" yaml:"eos_coef"`
	FocalAlpha   float64 `json:"focal_alpha" yaml:"focal_alpha"`
	FocalGamma   float64 `json:"focal_gamma" yaml:"focal_gamma"`

	// Losses overrides the losses derived from Masks when not empty.
	Losses []string `json:"losses,omitempty" yaml:"losses,omitempty"`
	// Workers bounds the number of images matched concurrently, 0 for GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// Default returns the DETR training defaults for COCO detection.
func Default() *Config {
	return &Config{
		DatasetFile:  "coco",
		NumQueries:   100,
		DecLayers:    6,
		AuxLoss:      true,
		SetCostClass: 1,
		SetCostBBox:  5,
		SetCostGIoU:  2,
		BBoxLossCoef: 5,
		GIoULossCoef: 2,
		MaskLossCoef: 1,
		DiceLossCoef: 1,
		EOSCoef:      0.1,
		FocalAlpha:   0.25,
		FocalGamma:   2,
	}
}

// Load reads a YAML or JSON configuration file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ResolvedNumClasses returns NumClasses, or the class count of DatasetFile when it
// is zero. The count is the maximum class id plus one, so COCO has 91 and not 80.
func (c *Config) ResolvedNumClasses() int {
	if c.NumClasses > 0 {
		return c.NumClasses
	}
	return detr.ClassSetFor(c.DatasetFile).Len()
}

// LossNames returns the losses to compute.
func (c *Config) LossNames() []string {
	if len(c.Losses) > 0 {
		return c.Losses
	}
	losses := []string{criterion.LossLabels, criterion.LossBoxes, criterion.LossCardinality}
	if c.Masks {
		losses = append(losses, criterion.LossMasks)
	}
	return losses
}

// WeightDict returns the weight of every loss term, including the copies suffixed
// with the auxiliary layer index when AuxLoss is set.
func (c *Config) WeightDict() map[string]float64 {
	weights := map[string]float64{
		"loss_ce":   1,
		"loss_bbox": c.BBoxLossCoef,
		"loss_giou": c.GIoULossCoef,
	}
	if c.Masks {
		weights["loss_mask"] = c.MaskLossCoef
		weights["loss_dice"] = c.DiceLossCoef
	}
	if c.AuxLoss {
		base := make(map[string]float64, len(weights))
		for k, v := range weights {
			base[k] = v
		}
		for i := 0; i < c.DecLayers-1; i++ {
			for k, v := range base {
				weights[k+"_"+strconv.Itoa(i)] = v
			}
		}
	}
	return weights
}

// MatcherConfig returns the matching cost weights.
func (c *Config) MatcherConfig() matcher.Config {
	return matcher.Config{CostClass: c.SetCostClass, CostBBox: c.SetCostBBox, CostGIoU: c.SetCostGIoU}
}

// CriterionConfig returns the criterion settings.
func (c *Config) CriterionConfig() criterion.Config {
	return criterion.Config{
		NumClasses: c.ResolvedNumClasses(),
		EOSCoef:    c.EOSCoef,
		Losses:     c.LossNames(),
		WeightDict: c.WeightDict(),
		FocalAlpha: c.FocalAlpha,
		FocalGamma: c.FocalGamma,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.NumClasses < 0 {
		return errors.Wrapf(ErrInvalid, "num_classes %d", c.NumClasses)
	}
	if c.DecLayers < 1 {
		return errors.Wrapf(ErrInvalid, "dec_layers %d", c.DecLayers)
	}
	if c.NumQueries < 1 {
		return errors.Wrapf(ErrInvalid, "num_queries %d", c.NumQueries)
	}
	if c.EOSCoef <= 0 || c.EOSCoef > 1 {
		return errors.Wrapf(ErrInvalid, "eos_coef %v outside (0, 1]", c.EOSCoef)
	}
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalid, "workers %d", c.Workers)
	}
	if err := c.MatcherConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Build creates the matcher and the criterion described by a configuration.
//
// Arguments:
//   - c: The configuration.
//   - opts: Options passed to the criterion, such as criterion.WithGroup.
//
// Returns:
//   - The matcher and the criterion that uses it.
//   - An error wrapping ErrInvalid, matcher.ErrInvalidWeights or
//     criterion.ErrUnknownLoss.
func Build(c *Config, opts ...criterion.Option) (*matcher.HungarianMatcher, *criterion.SetCriterion, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	m, err := matcher.New(c.MatcherConfig(), matcher.WithWorkers(c.Workers))
	if err != nil {
		return nil, nil, err
	}
	crit, err := criterion.New(c.CriterionConfig(), m, opts...)
	if err != nil {
		return nil, nil, err
	}
	return m, crit, nil
}
