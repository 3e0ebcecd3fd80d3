// Package matcher - Hungarian matching between DETR predictions and ground truth.
//
// For efficiency the matcher is not one-to-one across the batch: it computes a single
// cost matrix for every (query, target) pair of the batch and then solves one optimal
// assignment per image on the image's own block. Queries left unmatched are treated
// as predictions of the no-object class.
package matcher

import (
	"context"
	"math"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nvr-ai/go-detr/assignment"
	"github.com/nvr-ai/go-detr/box"
	"github.com/nvr-ai/go-detr/models/detr"
)

// ErrInvalidWeights is returned when no cost term has a positive weight.
var ErrInvalidWeights = errors.New("matcher: all costs can't be 0")

// Config holds the relative weights of the matching cost terms.
type Config struct {
	// CostClass weighs the negated probability of the target class.
	CostClass float64 `json:"set_cost_class" yaml:"set_cost_class"`
	// CostBBox weighs the L1 distance between the boxes.
	CostBBox float64 `json:"set_cost_bbox" yaml:"set_cost_bbox"`
	// CostGIoU weighs the negated generalized IoU of the boxes.
	CostGIoU float64 `json:"set_cost_giou" yaml:"set_cost_giou"`
}

// DefaultConfig returns the DETR matching weights.
func DefaultConfig() Config {
	return Config{CostClass: 1, CostBBox: 5, CostGIoU: 2}
}

// Validate checks that every weight is a non-negative number and one is positive.
func (c Config) Validate() error {
	for _, w := range []float64{c.CostClass, c.CostBBox, c.CostGIoU} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return errors.Wrapf(ErrInvalidWeights, "weights %+v", c)
		}
	}
	if c.CostClass == 0 && c.CostBBox == 0 && c.CostGIoU == 0 {
		return ErrInvalidWeights
	}
	return nil
}

// Indices is the matching of one image: query Queries[k] is matched to target
// Targets[k]. Queries is ascending and both have length min(queries, targets).
type Indices struct {
	Queries []int `json:"queries"`
	Targets []int `json:"targets"`
}

// Len returns the number of matched pairs.
func (i Indices) Len() int {
	return len(i.Queries)
}

// HungarianMatcher computes an optimal one-to-one assignment per image.
type HungarianMatcher struct {
	config  Config
	workers int
}

// Option configures a HungarianMatcher.
type Option func(*HungarianMatcher)

// WithWorkers bounds the number of images solved concurrently. Values below one
// select runtime.GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(m *HungarianMatcher) {
		m.workers = n
	}
}

// New creates a matcher.
//
// Arguments:
//   - config: The cost weights.
//   - opts: Optional settings.
//
// Returns:
//   - The matcher, or an error wrapping ErrInvalidWeights.
func New(config Config, opts ...Option) (*HungarianMatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &HungarianMatcher{config: config}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		m.workers = runtime.GOMAXPROCS(0)
	}
	return m, nil
}

// Config returns the cost weights.
func (m *HungarianMatcher) Config() Config {
	return m.config
}

// CostMatrix computes the batched matching cost.
//
// Row b*Q+q is query q of image b; the targets of all images are concatenated into the
// columns in image order. Entry (r, c) is
//
//	CostBBox*L1(pred, tgt) - CostClass*p[label] - CostGIoU*GIoU(pred, tgt)
//
// where p is the softmax of the logits over all classes including no-object.
//
// Arguments:
//   - outputs: The predictions; auxiliary layers are ignored.
//   - targets: One target per image.
//
// Returns:
//   - The [B*Q, sum(sizes)] cost matrix, nil when the batch has no targets.
//   - The number of targets of every image.
//   - An error wrapping detr.ErrShape or detr.ErrMissingOutput.
func (m *HungarianMatcher) CostMatrix(outputs *detr.Outputs, targets []detr.Target) (*mat.Dense, []int, error) {
	final := outputs.WithoutAux()
	if err := final.Validate(false); err != nil {
		return nil, nil, err
	}
	if err := detr.ValidateTargets(&final, targets, false); err != nil {
		return nil, nil, err
	}

	sizes := make([]int, len(targets))
	var (
		labels  []int
		tgtBox  []box.Center
		tgtRect []box.Rect
	)
	for i := range targets {
		sizes[i] = targets[i].Len()
		labels = append(labels, targets[i].Labels...)
		tgtBox = append(tgtBox, targets[i].Boxes...)
	}
	if len(labels) == 0 {
		return nil, sizes, nil
	}
	tgtRect = box.CenterToCorners(tgtBox)
	if err := checkRects("target", tgtRect); err != nil {
		return nil, nil, err
	}

	batch, queries := final.BatchSize(), final.NumQueries()
	predBox := make([]box.Center, 0, batch*queries)
	prob := mat.NewDense(batch*queries, final.NumClasses()+1, nil)
	for b := 0; b < batch; b++ {
		for q := 0; q < queries; q++ {
			predBox = append(predBox, final.Box(b, q))
			softmax(prob.RawRowView(b*queries+q), final.Logit(b, q))
		}
	}
	predRect := box.CenterToCorners(predBox)
	if err := checkRects("predicted", predRect); err != nil {
		return nil, nil, err
	}

	cost := box.L1Distance(predBox, tgtBox)
	cost.Scale(m.config.CostBBox, cost)
	giou := box.GeneralizedIoU(predRect, tgtRect)
	cost.Apply(func(i, j int, v float64) float64 {
		return v - m.config.CostClass*prob.At(i, labels[j]) - m.config.CostGIoU*giou.At(i, j)
	}, cost)

	return cost, sizes, nil
}

// Match computes the optimal assignment of every image.
//
// Arguments:
//   - ctx: Cancels the remaining per-image assignments.
//   - outputs: The predictions; auxiliary layers are ignored.
//   - targets: One target per image.
//
// Returns:
//   - One Indices per image, in batch order.
//   - An error from CostMatrix, the assignment, or the context.
//
// Example:
//
// ```go
//
//	m, _ := matcher.New(matcher.DefaultConfig())
//	indices, err := m.Match(ctx, outputs, targets)
//	// indices[b].Queries[k] is matched to targets[b].Labels[indices[b].Targets[k]]
//
// ```
func (m *HungarianMatcher) Match(ctx context.Context, outputs *detr.Outputs, targets []detr.Target) ([]Indices, error) {
	cost, sizes, err := m.CostMatrix(outputs, targets)
	if err != nil {
		return nil, err
	}

	indices := make([]Indices, len(sizes))
	queries := outputs.NumQueries()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	offset := 0
	for b, n := range sizes {
		if n == 0 {
			indices[b] = Indices{Queries: []int{}, Targets: []int{}}
			continue
		}
		lo := offset
		offset += n
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			block := cost.Slice(b*queries, (b+1)*queries, lo, lo+n)
			rows, cols, err := assignment.Solve(block)
			if err != nil {
				return errors.Wrapf(err, "image %d", b)
			}
			indices[b] = Indices{Queries: rows, Targets: cols}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return indices, nil
}

// softmax writes the softmax of logits into dst.
func softmax(dst, logits []float64) {
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		dst[i] = math.Exp(v - lse)
	}
}

func checkRects(kind string, rects []box.Rect) error {
	for i, r := range rects {
		if !r.Valid() || math.IsNaN(r.X1+r.Y1+r.X2+r.Y2) {
			return errors.Wrapf(detr.ErrShape, "%s box %d is degenerate: %s", kind, i, r)
		}
	}
	return nil
}
