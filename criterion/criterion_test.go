package criterion

import (
	"context"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/box"
	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/detr"
)

// exampleBatch is one image with three queries and two targets of classes 1 and 2.
// Queries 0 and 2 predict the targets, query 1 leans towards no-object.
func exampleBatch() (*detr.Outputs, []detr.Target) {
	logits := []float64{
		-4, -4, 8, -4,
		0, 0, 0, 1,
		-4, 8, -4, -4,
	}
	boxes := []float64{
		0.31, 0.3, 0.1, 0.1,
		0.7, 0.7, 0.3, 0.3,
		0.5, 0.5, 0.2, 0.21,
	}
	return &detr.Outputs{
			Logits: tensor.New(tensor.WithShape(1, 3, 4), tensor.WithBacking(logits)),
			Boxes:  tensor.New(tensor.WithShape(1, 3, 4), tensor.WithBacking(boxes)),
		}, []detr.Target{{
			Labels: []int{1, 2},
			Boxes:  []box.Center{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}, {CX: 0.3, CY: 0.3, W: 0.1, H: 0.1}},
		}}
}

func randomLayer(rng *rand.Rand, batch, queries, classes int) detr.Outputs {
	logits := make([]float64, batch*queries*(classes+1))
	for i := range logits {
		logits[i] = rng.NormFloat64()
	}
	boxes := make([]float64, batch*queries*4)
	for i := range boxes {
		boxes[i] = 0.1 + 0.3*rng.Float64()
	}
	return detr.Outputs{
		Logits: tensor.New(tensor.WithShape(batch, queries, classes+1), tensor.WithBacking(logits)),
		Boxes:  tensor.New(tensor.WithShape(batch, queries, 4), tensor.WithBacking(boxes)),
	}
}

func randomTargets(rng *rand.Rand, classes int, sizes ...int) []detr.Target {
	targets := make([]detr.Target, len(sizes))
	for b, n := range sizes {
		for k := 0; k < n; k++ {
			targets[b].Labels = append(targets[b].Labels, rng.Intn(classes))
			targets[b].Boxes = append(targets[b].Boxes, box.Center{
				CX: 0.2 + 0.6*rng.Float64(), CY: 0.2 + 0.6*rng.Float64(),
				W: 0.1 + 0.3*rng.Float64(), H: 0.1 + 0.3*rng.Float64(),
			})
		}
	}
	return targets
}

func newCriterion(t testing.TB, config Config, opts ...Option) *SetCriterion {
	m, err := matcher.New(matcher.DefaultConfig())
	require.NoError(t, err)
	c, err := New(config, m, opts...)
	require.NoError(t, err)
	return c
}

// referenceCE computes the weighted cross-entropy directly from its definition.
func referenceCE(outputs *detr.Outputs, indices []matcher.Indices, targets []detr.Target, weight []float64) float64 {
	classes := outputs.NumClasses()
	num, den := 0.0, 0.0
	for b := 0; b < outputs.BatchSize(); b++ {
		for q := 0; q < outputs.NumQueries(); q++ {
			label := classes
			if k := slices.Index(indices[b].Queries, q); k >= 0 {
				label = targets[b].Labels[indices[b].Targets[k]]
			}
			logit := outputs.Logit(b, q)
			sum := 0.0
			for _, v := range logit {
				sum += math.Exp(v)
			}
			num += weight[label] * (math.Log(sum) - logit[label])
			den += weight[label]
		}
	}
	return num / den
}

// referenceBoxes computes the L1 and GIoU sums of the matched boxes.
func referenceBoxes(outputs *detr.Outputs, indices []matcher.Indices, targets []detr.Target) (l1, giou float64) {
	for b, idx := range indices {
		for k, q := range idx.Queries {
			p := outputs.Box(b, q)
			tb := targets[b].Boxes[idx.Targets[k]]
			l1 += math.Abs(p.CX-tb.CX) + math.Abs(p.CY-tb.CY) + math.Abs(p.W-tb.W) + math.Abs(p.H-tb.H)
			giou += 1 - p.Corners().GIoU(tb.Corners())
		}
	}
	return l1, giou
}

func TestNew(t *testing.T) {
	m, err := matcher.New(matcher.DefaultConfig())
	require.NoError(t, err)

	_, err = New(Config{NumClasses: 3, Losses: []string{"labels", "keypoints"}}, m)
	assert.True(t, errors.Is(err, ErrUnknownLoss), "got %v", err)

	_, err = New(Config{NumClasses: 0}, m)
	assert.Error(t, err)

	_, err = New(DefaultConfig(3), nil)
	assert.Error(t, err)

	for _, eos := range []float64{0, -0.1, 1.5} {
		config := DefaultConfig(3)
		config.EOSCoef = eos
		_, err = New(config, m)
		assert.Error(t, err, "eos_coef %v", eos)
	}

	c, err := New(DefaultConfig(3), m)
	require.NoError(t, err)
	weight := c.EmptyWeight()
	assert.Equal(t, []float64{1, 1, 1, 0.1}, weight)
	weight[3] = 5
	assert.Equal(t, 0.1, c.EmptyWeight()[3])
	assert.Equal(t, []string{LossLabels, LossBoxes, LossCardinality}, c.Losses())
}

// TestForward_Example checks every term of a small batch against direct computation.
func TestForward_Example(t *testing.T) {
	c := newCriterion(t, DefaultConfig(3))
	outputs, targets := exampleBatch()

	result, err := c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)

	require.Len(t, result.Indices, 1)
	assert.Equal(t, []int{0, 2}, result.Indices[0].Queries)
	assert.Equal(t, []int{1, 0}, result.Indices[0].Targets)

	ce := referenceCE(outputs, result.Indices, targets, c.EmptyWeight())
	l1, giou := referenceBoxes(outputs, result.Indices, targets)

	losses := result.Losses
	assert.ElementsMatch(t, []string{"loss_ce", "class_error", "loss_bbox", "loss_giou", "cardinality_error"}, losses.Names())
	assert.InDelta(t, ce, losses["loss_ce"], 1e-9)
	assert.Greater(t, losses["loss_ce"], 0.0)
	assert.Less(t, losses["loss_ce"], 0.5)
	assert.InDelta(t, 0.01, losses["loss_bbox"], 1e-9)
	assert.InDelta(t, l1/2, losses["loss_bbox"], 1e-9)
	assert.InDelta(t, giou/2, losses["loss_giou"], 1e-9)
	assert.Less(t, losses["loss_giou"], 0.1)
	assert.Equal(t, 0.0, losses["class_error"])
	assert.Equal(t, 0.0, losses["cardinality_error"])

	assert.InDelta(t, ce+5*losses["loss_bbox"]+2*losses["loss_giou"], result.Total, 1e-9)

	grads := result.Gradients
	require.NotNil(t, grads.Logits)
	require.NotNil(t, grads.Boxes)
	assert.Nil(t, grads.Masks)
	assert.Equal(t, tensor.Shape{1, 3, 4}, grads.Logits.Shape())
	assert.Equal(t, tensor.Shape{1, 3, 4}, grads.Boxes.Shape())
	// The unmatched query gets no box gradient.
	assert.Equal(t, []float64{0, 0, 0, 0}, grads.Boxes.Float64s()[4:8])
}

// TestForward_UnweightedCE uses eos_coef 1 and as many targets as queries, which
// reduces the classification loss to the mean cross-entropy.
func TestForward_UnweightedCE(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	config := DefaultConfig(5)
	config.EOSCoef = 1
	c := newCriterion(t, config)

	layer := randomLayer(rng, 2, 4, 5)
	targets := randomTargets(rng, 5, 4, 4)
	result, err := c.Forward(context.Background(), &layer, targets)
	require.NoError(t, err)

	mean := 0.0
	for b := 0; b < 2; b++ {
		for q := 0; q < 4; q++ {
			k := slices.Index(result.Indices[b].Queries, q)
			require.GreaterOrEqual(t, k, 0)
			label := targets[b].Labels[result.Indices[b].Targets[k]]
			logit := layer.Logit(b, q)
			sum := 0.0
			for _, v := range logit {
				sum += math.Exp(v)
			}
			mean += (math.Log(sum) - logit[label]) / 8
		}
	}
	assert.InDelta(t, mean, result.Losses["loss_ce"], 1e-9)
}

func TestForward_Cardinality(t *testing.T) {
	c := newCriterion(t, Config{NumClasses: 2, EOSCoef: 0.1, Losses: []string{LossCardinality}})

	logits := []float64{
		5, 0, 0, // object
		0, 5, 0, // object
		0, 0, 5, // no-object
		0, 0, 5, // image 2, no-object
		0, 0, 5,
		0, 5, 0, // object
	}
	outputs := &detr.Outputs{
		Logits: tensor.New(tensor.WithShape(2, 3, 3), tensor.WithBacking(logits)),
		Boxes:  tensor.New(tensor.WithShape(2, 3, 4), tensor.WithBacking(slices.Repeat([]float64{0.5, 0.5, 0.2, 0.2}, 6))),
	}
	targets := randomTargets(rand.New(rand.NewSource(1)), 2, 2, 1)

	result, err := c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Losses["cardinality_error"])
	assert.Equal(t, 0.0, result.Total)

	targets = randomTargets(rand.New(rand.NewSource(1)), 2, 0, 3)
	result, err = c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)
	assert.Equal(t, 2.0, result.Losses["cardinality_error"])
}

func TestForward_NoTargets(t *testing.T) {
	c := newCriterion(t, DefaultConfig(3))
	layer := randomLayer(rand.New(rand.NewSource(3)), 2, 3, 3)

	result, err := c.Forward(context.Background(), &layer, []detr.Target{{}, {}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Losses["loss_bbox"])
	assert.Equal(t, 0.0, result.Losses["loss_giou"])
	assert.Equal(t, 100.0, result.Losses["class_error"])
	assert.InDelta(t, result.Losses["loss_ce"], result.Total, 1e-12)
	assert.Nil(t, result.Gradients.Boxes)
	assert.NotNil(t, result.Gradients.Logits)
}

// TestForward_AuxIndependent perturbs an auxiliary layer and checks the final layer
// keeps its matching and losses.
func TestForward_AuxIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	c := newCriterion(t, DefaultConfig(4))

	final := randomLayer(rng, 2, 5, 4)
	targets := randomTargets(rng, 4, 3, 2)

	outputs := final
	outputs.Aux = []detr.Outputs{randomLayer(rng, 2, 5, 4), randomLayer(rng, 2, 5, 4)}
	first, err := c.Forward(context.Background(), &outputs, targets)
	require.NoError(t, err)

	assert.Contains(t, first.Losses, "loss_ce_0")
	assert.Contains(t, first.Losses, "loss_giou_1")
	assert.Contains(t, first.Losses, "cardinality_error_1")
	assert.NotContains(t, first.Losses, "class_error_0")
	require.Len(t, first.AuxIndices, 2)
	require.Len(t, first.Gradients.Aux, 2)

	outputs.Aux[0] = randomLayer(rng, 2, 5, 4)
	second, err := c.Forward(context.Background(), &outputs, targets)
	require.NoError(t, err)

	assert.Equal(t, first.Indices, second.Indices)
	assert.Equal(t, first.AuxIndices[1], second.AuxIndices[1])
	for _, name := range []string{"loss_ce", "loss_bbox", "loss_giou", "class_error", "cardinality_error", "loss_ce_1"} {
		assert.InDelta(t, first.Losses[name], second.Losses[name], 1e-12, name)
	}
	assert.InDeltaSlice(t, first.Gradients.Boxes.Float64s(), second.Gradients.Boxes.Float64s(), 1e-12)

	solo, err := c.Forward(context.Background(), &final, targets)
	require.NoError(t, err)
	assert.InDelta(t, solo.Losses["loss_ce"], first.Losses["loss_ce"], 1e-12)
}

// TestForward_Distributed runs two ranks with different box counts: both normalize
// by the mean count.
func TestForward_Distributed(t *testing.T) {
	group := distributed.NewLocalGroup(2)
	rng := rand.New(rand.NewSource(4))
	layers := []detr.Outputs{randomLayer(rng, 1, 6, 3), randomLayer(rng, 1, 6, 3)}
	targets := [][]detr.Target{randomTargets(rng, 3, 2), randomTargets(rng, 3, 4)}

	results := make([]*Result, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for rank := range group {
		c := newCriterion(t, DefaultConfig(3), WithGroup(group[rank]))
		g.Go(func() error {
			r, err := c.Forward(ctx, &layers[rank], targets[rank])
			results[rank] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	for rank, r := range results {
		l1, giou := referenceBoxes(&layers[rank], r.Indices, targets[rank])
		assert.InDelta(t, l1/3, r.Losses["loss_bbox"], 1e-9, "rank %d", rank)
		assert.InDelta(t, giou/3, r.Losses["loss_giou"], 1e-9, "rank %d", rank)
	}
}

// TestForward_Gradients compares the gradients with central finite differences.
func TestForward_Gradients(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	c := newCriterion(t, DefaultConfig(3))
	layer := randomLayer(rng, 2, 4, 3)
	targets := randomTargets(rng, 3, 2, 3)

	result, err := c.Forward(context.Background(), &layer, targets)
	require.NoError(t, err)

	const eps = 1e-6
	check := func(name string, values []float64, grad *tensor.Dense) {
		require.NotNil(t, grad, name)
		for i := range values {
			orig := values[i]
			values[i] = orig + eps
			up, err := c.Forward(context.Background(), &layer, targets)
			require.NoError(t, err)
			values[i] = orig - eps
			down, err := c.Forward(context.Background(), &layer, targets)
			require.NoError(t, err)
			values[i] = orig

			numeric := (up.Total - down.Total) / (2 * eps)
			assert.InDelta(t, numeric, grad.Float64s()[i], 1e-5, "%s[%d]", name, i)
		}
	}
	check("logits", layer.Logits.Float64s(), result.Gradients.Logits)
	check("boxes", layer.Boxes.Float64s(), result.Gradients.Boxes)
}

func TestForward_BoxOnlyGradients(t *testing.T) {
	config := DefaultConfig(3)
	config.Losses = []string{LossBoxes}
	config.WeightDict = map[string]float64{"loss_bbox": 1}
	c := newCriterion(t, config)
	outputs, targets := exampleBatch()
	copy(outputs.Boxes.Float64s(), []float64{
		0.31, 0.29, 0.12, 0.09,
		0.7, 0.7, 0.3, 0.3,
		0.52, 0.48, 0.19, 0.21,
	})

	result, err := c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, result.Indices[0].Queries)
	assert.Nil(t, result.Gradients.Logits)
	require.NotNil(t, result.Gradients.Boxes)
	assert.InDelta(t, result.Losses["loss_bbox"], result.Total, 1e-12)

	// d|x - y|/dx = sign(x - y), divided by the two target boxes.
	assert.InDeltaSlice(t, []float64{
		0.5, -0.5, 0.5, -0.5,
		0, 0, 0, 0,
		0.5, -0.5, -0.5, 0.5,
	}, result.Gradients.Boxes.Float64s(), 1e-12)
}

func maskBatch(logit float64) (*detr.Outputs, []detr.Target) {
	outputs, targets := exampleBatch()
	target := []float64{
		1, 1, 0, 0,
		1, 1, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	pred := make([]float64, 3*16)
	for q := 0; q < 3; q++ {
		for i, v := range target {
			pred[q*16+i] = -logit
			if v == 1 {
				pred[q*16+i] = logit
			}
		}
	}
	outputs.Masks = tensor.New(tensor.WithShape(1, 3, 4, 4), tensor.WithBacking(pred))
	targets[0].Masks = tensor.New(tensor.WithShape(2, 4, 4), tensor.WithBacking(append(slices.Clone(target), target...)))
	return outputs, targets
}

func TestForward_Masks(t *testing.T) {
	config := DefaultConfig(3)
	config.Losses = append(config.Losses, LossMasks)
	config.WeightDict["loss_mask"] = 1
	config.WeightDict["loss_dice"] = 1
	c := newCriterion(t, config)

	outputs, targets := maskBatch(10)
	good, err := c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)
	assert.Less(t, good.Losses["loss_mask"], 1e-3)
	assert.Less(t, good.Losses["loss_dice"], 1e-3)
	require.NotNil(t, good.Gradients.Masks)
	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, good.Gradients.Masks.Shape())

	outputs, targets = maskBatch(-10)
	bad, err := c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)
	assert.Greater(t, bad.Losses["loss_mask"], good.Losses["loss_mask"])
	assert.Greater(t, bad.Losses["loss_dice"], 0.9)

	// Masks predicted at a lower resolution are upsampled to the targets.
	outputs, targets = maskBatch(10)
	outputs.Masks = tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(slices.Repeat([]float64{10, -10, -10, -10}, 3)))
	low, err := c.Forward(context.Background(), outputs, targets)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(low.Losses["loss_mask"]))
	assert.Less(t, low.Losses["loss_dice"], 0.5)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, low.Gradients.Masks.Shape())

	outputs, targets = maskBatch(10)
	outputs.Masks = nil
	_, err = c.Forward(context.Background(), outputs, targets)
	assert.True(t, errors.Is(err, detr.ErrMissingOutput))
}

func TestForward_Errors(t *testing.T) {
	c := newCriterion(t, DefaultConfig(5))
	outputs, targets := exampleBatch()

	_, err := c.Forward(context.Background(), outputs, targets)
	assert.True(t, errors.Is(err, detr.ErrShape), "got %v", err)

	c = newCriterion(t, DefaultConfig(3))
	_, err = c.Forward(context.Background(), &detr.Outputs{}, targets)
	assert.True(t, errors.Is(err, detr.ErrMissingOutput))

	_, err = c.Forward(context.Background(), outputs, nil)
	assert.True(t, errors.Is(err, detr.ErrShape))
}

func BenchmarkForward(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	c := newCriterion(b, DefaultConfig(91))
	outputs := randomLayer(rng, 2, 100, 91)
	for i := 0; i < 5; i++ {
		outputs.Aux = append(outputs.Aux, randomLayer(rng, 2, 100, 91))
	}
	targets := randomTargets(rng, 91, 12, 30)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Forward(context.Background(), &outputs, targets); err != nil {
			b.Fatal(err)
		}
	}
}
