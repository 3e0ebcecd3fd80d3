package criterion

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// graph is the expression graph of one forward pass.
//
// Every differentiable loss term is a scalar node. The predictions of each decoder
// layer are leaves, everything derived from the targets or the matching is a
// constant, so the gradient of the total flows back to the predictions only.
type graph struct {
	g      *G.ExprGraph
	leaves int
	half   *G.Node
	one    *G.Node
}

func newGraph() *graph {
	return &graph{
		g:    G.NewGraph(),
		half: G.NewConstant(0.5),
		one:  G.NewConstant(1.0),
	}
}

// leaf adds a prediction tensor as an input of the graph.
func (gr *graph) leaf(name string, t *tensor.Dense) *G.Node {
	gr.leaves++
	return G.NewTensor(gr.g, tensor.Float64, t.Dims(),
		G.WithShape(t.Shape().Clone()...),
		G.WithValue(t),
		G.WithName(fmt.Sprintf("%s_%d", name, gr.leaves)),
	)
}

func (gr *graph) constant(shape []int, data []float64) *G.Node {
	return G.NewConstant(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)))
}

func (gr *graph) scalar(v float64) *G.Node {
	return G.NewConstant(v)
}

// column extracts column k of an [n, 4] matrix node as a length n vector.
func (gr *graph) column(m *G.Node, k int) *G.Node {
	e := make([]float64, 4)
	e[k] = 1
	return G.Must(G.Mul(m, gr.constant([]int{4}, e)))
}

// maximum and minimum use max(a, b) = (a + b + |a - b|) / 2.
func (gr *graph) maximum(a, b *G.Node) *G.Node {
	return G.Must(G.Mul(gr.half, G.Must(G.Add(G.Must(G.Add(a, b)), G.Must(G.Abs(G.Must(G.Sub(a, b))))))))
}

func (gr *graph) minimum(a, b *G.Node) *G.Node {
	return G.Must(G.Mul(gr.half, G.Must(G.Sub(G.Must(G.Add(a, b)), G.Must(G.Abs(G.Must(G.Sub(a, b))))))))
}

func (gr *graph) relu(x *G.Node) *G.Node {
	return G.Must(G.Mul(gr.half, G.Must(G.Add(x, G.Must(G.Abs(x))))))
}

// softplus computes log(1 + exp(x)) as relu(x) + log1p(exp(-|x|)).
func (gr *graph) softplus(x *G.Node) *G.Node {
	tail := G.Must(G.Log1p(G.Must(G.Exp(G.Must(G.Neg(G.Must(G.Abs(x))))))))
	return G.Must(G.Add(gr.relu(x), tail))
}

// logSoftmax computes the row-wise log-softmax of a [rows, cols] matrix node. rowMax
// holds the maximum of every row of the leaf value and only shifts the exponent.
func (gr *graph) logSoftmax(x *G.Node, rowMax []float64) *G.Node {
	shape := x.Shape()
	rows, cols := shape[0], shape[1]

	shift := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			shift[r*cols+c] = rowMax[r]
		}
	}
	ones := make([]float64, cols)
	for i := range ones {
		ones[i] = 1
	}

	z := G.Must(G.Sub(x, gr.constant([]int{rows, cols}, shift)))
	lse := G.Must(G.Log(G.Must(G.Sum(G.Must(G.Exp(z)), 1))))
	lse = G.Must(G.Reshape(lse, tensor.Shape{rows, 1}))
	return G.Must(G.Sub(z, G.Must(G.Mul(lse, gr.constant([]int{1, cols}, ones)))))
}

// sum adds scalar nodes, nil when there are none.
func (gr *graph) sum(nodes []*G.Node) *G.Node {
	var total *G.Node
	for _, n := range nodes {
		if total == nil {
			total = n
			continue
		}
		total = G.Must(G.Add(total, n))
	}
	return total
}

// build runs fn and converts a graph construction panic into an error.
func build(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "building loss graph")
				return
			}
			err = errors.Errorf("building loss graph: %v", r)
		}
	}()
	fn()
	return nil
}

// run differentiates the weighted total, evaluates the graph and fills the losses,
// the total and the gradients of result.
func (p *pass) run(weights map[string]float64, layers []*layer, result *Result) error {
	var (
		total    *G.Node
		constant float64
		wrts     []*G.Node
		wrt      = map[*G.Node]bool{}
	)
	if err := build(func() {
		var weighted []*G.Node
		for _, t := range p.terms {
			w, ok := weights[t.name]
			if !ok || IsDiagnostic(t.name) {
				continue
			}
			if t.node == nil {
				constant += w * t.value
				continue
			}
			weighted = append(weighted, G.Must(G.Mul(p.gr.scalar(w), t.node)))
			for _, leaf := range t.leaves {
				if !wrt[leaf] {
					wrt[leaf] = true
					wrts = append(wrts, leaf)
				}
			}
		}
		total = p.gr.sum(weighted)
	}); err != nil {
		return err
	}

	if total != nil {
		if _, err := G.Grad(total, wrts...); err != nil {
			return errors.Wrap(err, "differentiating total loss")
		}
	}

	evaluated := total != nil
	for _, t := range p.terms {
		evaluated = evaluated || t.node != nil
	}
	if evaluated {
		vm := G.NewTapeMachine(p.gr.g, G.BindDualValues(wrts...))
		defer vm.Close()
		if err := vm.RunAll(); err != nil {
			return errors.Wrap(err, "evaluating loss graph")
		}
	}

	result.Losses = make(Losses, len(p.terms))
	for _, t := range p.terms {
		v := t.value
		if t.node != nil {
			f, err := scalarValue(t.node)
			if err != nil {
				return errors.Wrapf(err, "reading %s", t.name)
			}
			v = f
		}
		result.Losses[t.name] = v
	}

	result.Total = constant
	if total != nil {
		f, err := scalarValue(total)
		if err != nil {
			return errors.Wrap(err, "reading total loss")
		}
		result.Total += f
	}

	for _, l := range layers {
		grads, err := l.gradients(wrt)
		if err != nil {
			return err
		}
		if l.final {
			result.Gradients.LayerGradients = grads
			continue
		}
		result.Gradients.Aux = append(result.Gradients.Aux, grads)
	}
	return nil
}

func scalarValue(n *G.Node) (float64, error) {
	if n.Value() == nil {
		return 0, errors.Errorf("%s has no value", n.Name())
	}
	switch v := n.Value().Data().(type) {
	case float64:
		return v, nil
	case []float64:
		if len(v) == 1 {
			return v[0], nil
		}
	}
	return 0, errors.Errorf("%s is not a scalar: %v", n.Name(), n.Shape())
}
