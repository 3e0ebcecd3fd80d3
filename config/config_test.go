package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/matcher"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 91, c.ResolvedNumClasses())
	assert.Equal(t, []string{"labels", "boxes", "cardinality"}, c.LossNames())
	assert.Equal(t, matcher.DefaultConfig(), c.MatcherConfig())
}

func TestResolvedNumClasses(t *testing.T) {
	tests := []struct {
		name        string
		numClasses  int
		datasetFile string
		want        int
	}{
		{name: "coco", datasetFile: "coco", want: 91},
		{name: "other dataset", datasetFile: "voc", want: 20},
		{name: "explicit", numClasses: 250, datasetFile: "coco_panoptic", want: 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.NumClasses = tt.numClasses
			c.DatasetFile = tt.datasetFile
			assert.Equal(t, tt.want, c.ResolvedNumClasses())
		})
	}
}

// TestWeightDict checks the auxiliary copies of every weighted term.
func TestWeightDict(t *testing.T) {
	c := Default()
	c.DecLayers = 3
	c.Masks = true
	w := c.WeightDict()

	assert.Len(t, w, 15)
	assert.Equal(t, 1.0, w["loss_ce"])
	assert.Equal(t, 5.0, w["loss_bbox"])
	assert.Equal(t, 2.0, w["loss_giou_0"])
	assert.Equal(t, 1.0, w["loss_dice_1"])
	assert.NotContains(t, w, "loss_ce_2")
	assert.Equal(t, []string{"labels", "boxes", "cardinality", "masks"}, c.LossNames())

	c.AuxLoss = false
	assert.Len(t, c.WeightDict(), 5)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
num_classes: 5
dec_layers: 2
set_cost_class: 2
eos_coef: 0.2
workers: 3
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, c.NumClasses)
	assert.Equal(t, 2, c.DecLayers)
	assert.Equal(t, 2.0, c.SetCostClass)
	assert.Equal(t, 5.0, c.SetCostBBox)
	assert.Equal(t, 0.2, c.EOSCoef)
	assert.True(t, c.AuxLoss)

	m, crit, err := Build(c)
	require.NoError(t, err)
	assert.Equal(t, c.MatcherConfig(), m.Config())
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 0.2}, crit.EmptyWeight())
	assert.Equal(t, map[string]float64{
		"loss_ce": 1, "loss_bbox": 5, "loss_giou": 2,
		"loss_ce_0": 1, "loss_bbox_0": 5, "loss_giou_0": 2,
	}, crit.WeightDict())
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detr.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dataset_file": "voc", "aux_loss": false}`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, c.ResolvedNumClasses())
	assert.False(t, c.AuxLoss)
}

func TestBuild_Invalid(t *testing.T) {
	c := Default()
	c.SetCostClass, c.SetCostBBox, c.SetCostGIoU = 0, 0, 0
	_, _, err := Build(c)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.True(t, errors.Is(err, matcher.ErrInvalidWeights))

	c = Default()
	c.Losses = []string{"labels", "polygons"}
	_, _, err = Build(c)
	assert.True(t, errors.Is(err, criterion.ErrUnknownLoss))

	c = Default()
	c.DecLayers = 0
	assert.True(t, errors.Is(c.Validate(), ErrInvalid))

	for _, eos := range []float64{0, 1.5} {
		c = Default()
		c.EOSCoef = eos
		_, _, err = Build(c)
		assert.True(t, errors.Is(err, ErrInvalid), "eos_coef %v: got %v", eos, err)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
