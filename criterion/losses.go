package criterion

import (
	"slices"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/masks"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/detr"
)

// layer is one decoder layer of a forward pass. Its leaves are created on first use.
type layer struct {
	outputs *detr.Outputs
	indices []matcher.Indices
	suffix  string
	final   bool

	logits, boxes, masks *G.Node
}

// term is one named loss value. node is nil for values computed outside the graph.
type term struct {
	name   string
	node   *G.Node
	value  float64
	leaves []*G.Node
}

// pass accumulates the loss terms of one Forward.
type pass struct {
	c        *SetCriterion
	gr       *graph
	targets  []detr.Target
	numBoxes float64
	terms    []term
}

func newPass(c *SetCriterion, targets []detr.Target, numBoxes float64) *pass {
	return &pass{c: c, gr: newGraph(), targets: targets, numBoxes: numBoxes}
}

func (p *pass) add(loss string, l *layer) {
	switch loss {
	case LossLabels:
		p.lossLabels(l)
	case LossCardinality:
		p.lossCardinality(l)
	case LossBoxes:
		p.lossBoxes(l)
	case LossMasks:
		p.lossMasks(l)
	}
}

// matched is a matched (query, target) pair of the flattened batch.
type matched struct {
	row    int // b*Q + q
	image  int
	target int
}

func (l *layer) pairs() []matched {
	queries := l.outputs.NumQueries()
	var out []matched
	for b, idx := range l.indices {
		for k := range idx.Queries {
			out = append(out, matched{row: b*queries + idx.Queries[k], image: b, target: idx.Targets[k]})
		}
	}
	return out
}

func (l *layer) logitsLeaf(gr *graph) *G.Node {
	if l.logits == nil {
		s := l.outputs.Logits.Shape()
		l.logits = gr.leaf("pred_logits"+l.suffix, flatten(l.outputs.Logits, s[0]*s[1], s[2]))
	}
	return l.logits
}

func (l *layer) boxesLeaf(gr *graph) *G.Node {
	if l.boxes == nil {
		s := l.outputs.Boxes.Shape()
		l.boxes = gr.leaf("pred_boxes"+l.suffix, flatten(l.outputs.Boxes, s[0]*s[1], 4))
	}
	return l.boxes
}

func (l *layer) masksLeaf(gr *graph) *G.Node {
	if l.masks == nil {
		s := l.outputs.Masks.Shape()
		l.masks = gr.leaf("pred_masks"+l.suffix, flatten(l.outputs.Masks, s[0]*s[1], s[2], s[3]))
	}
	return l.masks
}

// gradients reads the gradient of every leaf in wrt.
func (l *layer) gradients(wrt map[*G.Node]bool) (LayerGradients, error) {
	var out LayerGradients
	read := func(n *G.Node, shape tensor.Shape) (*tensor.Dense, error) {
		if n == nil || !wrt[n] {
			return nil, nil
		}
		v, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "reading gradient of %s", n.Name())
		}
		d, ok := v.(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("gradient of %s is %T", n.Name(), v)
		}
		return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(slices.Clone(d.Float64s()))), nil
	}

	var err error
	if out.Logits, err = read(l.logits, l.outputs.Logits.Shape()); err != nil {
		return out, err
	}
	if out.Boxes, err = read(l.boxes, l.outputs.Boxes.Shape()); err != nil {
		return out, err
	}
	if l.outputs.Masks != nil {
		if out.Masks, err = read(l.masks, l.outputs.Masks.Shape()); err != nil {
			return out, err
		}
	}
	return out, nil
}

// lossLabels adds the weighted cross-entropy over all queries. Unmatched queries
// are supervised with the no-object class.
func (p *pass) lossLabels(l *layer) {
	logits := l.outputs.Logits
	s := logits.Shape()
	rows, classes := s[0]*s[1], s[2]
	noObject := classes - 1

	targetClasses := make([]int, rows)
	for r := range targetClasses {
		targetClasses[r] = noObject
	}
	pairs := l.pairs()
	for _, m := range pairs {
		targetClasses[m.row] = p.targets[m.image].Labels[m.target]
	}

	data := logits.Float64s()
	weights := make([]float64, rows*classes)
	rowMax := make([]float64, rows)
	norm := 0.0
	for r, t := range targetClasses {
		w := p.c.emptyWeight[t]
		weights[r*classes+t] = w
		norm += w
		rowMax[r] = slices.Max(data[r*classes : (r+1)*classes])
	}

	if norm == 0 {
		// No queries.
		p.terms = append(p.terms, term{name: "loss_ce" + l.suffix})
	} else {
		leaf := l.logitsLeaf(p.gr)
		logp := p.gr.logSoftmax(leaf, rowMax)
		weighted := G.Must(G.HadamardProd(logp, p.gr.constant([]int{rows, classes}, weights)))
		ce := G.Must(G.Mul(p.gr.scalar(-1/norm), G.Must(G.Sum(weighted))))
		p.terms = append(p.terms, term{name: "loss_ce" + l.suffix, node: ce, leaves: []*G.Node{leaf}})
	}

	if !l.final {
		return
	}
	// class_error is 100 minus the top-1 accuracy over the matched queries.
	classError := 100.0
	if len(pairs) > 0 {
		correct := 0
		for _, m := range pairs {
			if argmax(data[m.row*classes:(m.row+1)*classes]) == targetClasses[m.row] {
				correct++
			}
		}
		classError = 100 - 100*float64(correct)/float64(len(pairs))
	}
	p.terms = append(p.terms, term{name: "class_error" + l.suffix, value: classError})
}

// lossCardinality adds the mean absolute error between the number of queries that
// do not predict no-object and the number of targets. It is a logging metric only.
func (p *pass) lossCardinality(l *layer) {
	s := l.outputs.Logits.Shape()
	batch, queries, classes := s[0], s[1], s[2]
	data := l.outputs.Logits.Float64s()

	total := 0.0
	for b := 0; b < batch; b++ {
		count := 0
		for q := 0; q < queries; q++ {
			r := b*queries + q
			if argmax(data[r*classes:(r+1)*classes]) != classes-1 {
				count++
			}
		}
		diff := float64(count - p.targets[b].Len())
		if diff < 0 {
			diff = -diff
		}
		total += diff
	}
	p.terms = append(p.terms, term{name: "cardinality_error" + l.suffix, value: total / float64(batch)})
}

// lossBoxes adds the L1 and generalized IoU losses of the matched boxes, both
// normalized by the number of target boxes.
func (p *pass) lossBoxes(l *layer) {
	pairs := l.pairs()
	n := len(pairs)
	if n == 0 {
		p.terms = append(p.terms,
			term{name: "loss_bbox" + l.suffix},
			term{name: "loss_giou" + l.suffix},
		)
		return
	}

	s := l.outputs.Boxes.Shape()
	rows := s[0] * s[1]
	selection := make([]float64, n*rows)
	target := make([]float64, 0, n*4)
	tx1, ty1, tx2, ty2 := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	tArea := make([]float64, n)
	for k, m := range pairs {
		selection[k*rows+m.row] = 1
		tb := p.targets[m.image].Boxes[m.target]
		target = append(target, tb.Slice()...)
		r := tb.Corners()
		tx1[k], ty1[k], tx2[k], ty2[k] = r.X1, r.Y1, r.X2, r.Y2
		tArea[k] = r.Area()
	}

	gr := p.gr
	leaf := l.boxesLeaf(gr)
	src := G.Must(G.Mul(gr.constant([]int{n, rows}, selection), leaf))
	inv := gr.scalar(1 / p.numBoxes)

	l1 := G.Must(G.Sum(G.Must(G.Abs(G.Must(G.Sub(src, gr.constant([]int{n, 4}, target)))))))
	p.terms = append(p.terms, term{name: "loss_bbox" + l.suffix, node: G.Must(G.Mul(inv, l1)), leaves: []*G.Node{leaf}})

	cx, cy := gr.column(src, 0), gr.column(src, 1)
	w, h := gr.column(src, 2), gr.column(src, 3)
	halfW, halfH := G.Must(G.Mul(gr.half, w)), G.Must(G.Mul(gr.half, h))
	x1, x2 := G.Must(G.Sub(cx, halfW)), G.Must(G.Add(cx, halfW))
	y1, y2 := G.Must(G.Sub(cy, halfH)), G.Must(G.Add(cy, halfH))

	vec := func(v []float64) *G.Node { return gr.constant([]int{n}, v) }
	tX1, tY1, tX2, tY2 := vec(tx1), vec(ty1), vec(tx2), vec(ty2)

	area := G.Must(G.HadamardProd(w, h))
	iw := gr.relu(G.Must(G.Sub(gr.minimum(x2, tX2), gr.maximum(x1, tX1))))
	ih := gr.relu(G.Must(G.Sub(gr.minimum(y2, tY2), gr.maximum(y1, tY1))))
	inter := G.Must(G.HadamardProd(iw, ih))
	union := G.Must(G.Sub(G.Must(G.Add(area, vec(tArea))), inter))
	iou := G.Must(G.HadamardDiv(inter, union))

	ew := gr.relu(G.Must(G.Sub(gr.maximum(x2, tX2), gr.minimum(x1, tX1))))
	eh := gr.relu(G.Must(G.Sub(gr.maximum(y2, tY2), gr.minimum(y1, tY1))))
	enclosing := G.Must(G.HadamardProd(ew, eh))
	giou := G.Must(G.Sub(iou, G.Must(G.HadamardDiv(G.Must(G.Sub(enclosing, union)), enclosing))))

	lossGIoU := G.Must(G.Mul(inv, G.Must(G.Sub(gr.scalar(float64(n)), G.Must(G.Sum(giou))))))
	p.terms = append(p.terms, term{name: "loss_giou" + l.suffix, node: lossGIoU, leaves: []*G.Node{leaf}})
}

// lossMasks adds the sigmoid focal loss and the Dice loss of the matched masks.
// Predicted masks are upsampled bilinearly to the padded target size.
func (p *pass) lossMasks(l *layer) {
	var withMasks []*tensor.Dense
	for i := range p.targets {
		if p.targets[i].Masks != nil {
			withMasks = append(withMasks, p.targets[i].Masks)
		}
	}
	pairs := l.pairs()
	if len(pairs) == 0 || len(withMasks) == 0 {
		p.terms = append(p.terms, term{name: "loss_mask" + l.suffix}, term{name: "loss_dice" + l.suffix})
		return
	}

	padded, height, width, err := masks.Pad(withMasks)
	if err != nil {
		panic(errors.Wrap(err, "padding target masks"))
	}
	byImage := make([]*tensor.Dense, len(p.targets))
	for i, k := 0, 0; i < len(p.targets); i++ {
		if p.targets[i].Masks != nil {
			byImage[i] = padded[k]
			k++
		}
	}

	ms := l.outputs.Masks.Shape()
	h, w := ms[2], ms[3]
	pixels := height * width

	gr := p.gr
	ry := gr.constant([]int{height, h}, masks.BilinearMatrix(h, height).Float64s())
	rx := masks.BilinearMatrix(w, width).Float64s()
	rxT := make([]float64, len(rx))
	for o := 0; o < width; o++ {
		for i := 0; i < w; i++ {
			rxT[i*width+o] = rx[o*w+i]
		}
	}
	rxTNode := gr.constant([]int{w, width}, rxT)
	ones := make([]float64, pixels)
	for i := range ones {
		ones[i] = 1
	}
	onesNode := gr.constant([]int{height, width}, ones)

	leaf := l.masksLeaf(gr)
	var focal, dice []*G.Node
	for _, m := range pairs {
		tgt := byImage[m.image].Float64s()[m.target*pixels : (m.target+1)*pixels]
		sign := make([]float64, pixels)
		neg := make([]float64, pixels)
		alpha := make([]float64, pixels)
		tgtSum := 0.0
		for i, t := range tgt {
			sign[i] = 2*t - 1
			neg[i] = 1 - t
			alpha[i] = 1
			if p.c.focalAlpha >= 0 {
				alpha[i] = p.c.focalAlpha*t + (1-p.c.focalAlpha)*(1-t)
			}
			tgtSum += t
		}
		shape := []int{height, width}
		tNode := gr.constant(shape, slices.Clone(tgt))

		x := G.Must(G.Slice(leaf, G.S(m.row)))
		x = G.Must(G.Mul(G.Must(G.Mul(ry, x)), rxTNode))
		prob := G.Must(G.Sigmoid(x))

		ce := G.Must(G.Sub(gr.softplus(x), G.Must(G.HadamardProd(x, tNode))))
		pt := G.Must(G.Add(G.Must(G.HadamardProd(prob, gr.constant(shape, sign))), gr.constant(shape, neg)))
		miss := G.Must(G.Sub(onesNode, pt))
		var modulating *G.Node
		if p.c.focalGamma == 2 {
			modulating = G.Must(G.Square(miss))
		} else {
			modulating = G.Must(G.Pow(miss, gr.scalar(p.c.focalGamma)))
		}
		loss := G.Must(G.HadamardProd(G.Must(G.HadamardProd(ce, modulating)), gr.constant(shape, alpha)))
		focal = append(focal, G.Must(G.Mul(gr.scalar(1/float64(pixels)), G.Must(G.Sum(loss)))))

		num := G.Must(G.Add(G.Must(G.Mul(gr.scalar(2), G.Must(G.Sum(G.Must(G.HadamardProd(prob, tNode)))))), gr.one))
		den := G.Must(G.Add(G.Must(G.Sum(prob)), gr.scalar(tgtSum+1)))
		dice = append(dice, G.Must(G.Sub(gr.one, G.Must(G.HadamardDiv(num, den)))))
	}

	inv := gr.scalar(1 / p.numBoxes)
	p.terms = append(p.terms,
		term{name: "loss_mask" + l.suffix, node: G.Must(G.Mul(inv, gr.sum(focal))), leaves: []*G.Node{leaf}},
		term{name: "loss_dice" + l.suffix, node: G.Must(G.Mul(inv, gr.sum(dice))), leaves: []*G.Node{leaf}},
	)
}

// flatten copies t into a new tensor of the given shape.
func flatten(t *tensor.Dense, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(t.Float64s())))
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
