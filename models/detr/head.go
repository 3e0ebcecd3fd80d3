package detr

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// HeadConfig configures the prediction head on top of the transformer decoder.
type HeadConfig struct {
	// HiddenDim is the decoder embedding size.
	HiddenDim int `json:"hidden_dim" yaml:"hidden_dim"`
	// NumClasses is the number of real classes; the head emits NumClasses+1 logits.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// BoxLayers is the depth of the box regression MLP.
	BoxLayers int `json:"box_layers" yaml:"box_layers"`
	// AuxLoss emits the earlier decoder layers as auxiliary outputs.
	AuxLoss bool `json:"aux_loss" yaml:"aux_loss"`
}

// Linear is a fully connected layer y = x·W + b.
type Linear struct {
	// Weight has shape [in, out].
	Weight *tensor.Dense
	// Bias has length out.
	Bias []float32
}

// NewLinear creates a layer with weights drawn from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, rng *rand.Rand) Linear {
	bound := 1 / math32.Sqrt(float32(in))
	w := make([]float32, in*out)
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * bound
	}
	b := make([]float32, out)
	for i := range b {
		b[i] = (rng.Float32()*2 - 1) * bound
	}
	return Linear{Weight: tensor.New(tensor.WithShape(in, out), tensor.WithBacking(w)), Bias: b}
}

// Forward applies the layer to a [rows, in] matrix.
func (l Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := x.MatMul(l.Weight)
	if err != nil {
		return nil, errors.Wrap(err, "linear matmul")
	}
	data := y.Float32s()
	out := len(l.Bias)
	for i := range data {
		data[i] += l.Bias[i%out]
	}
	return y, nil
}

// Head maps decoder hidden states to class logits and boxes.
//
// It is the thin wrapper DETR puts on top of its decoder: a linear classifier over
// C+1 classes and an MLP regressing sigmoid-normalized (cx, cy, w, h) boxes. All
// arithmetic is float32, like the exported inference graphs.
type Head struct {
	config     HeadConfig
	ClassEmbed Linear
	BoxEmbed   []Linear
}

// NewHead creates a randomly initialised head.
//
// Arguments:
//   - config: The head dimensions.
//   - rng: The source of the initial weights.
//
// Returns:
//   - The head, or an error when a dimension is not positive.
func NewHead(config HeadConfig, rng *rand.Rand) (*Head, error) {
	if config.BoxLayers == 0 {
		config.BoxLayers = 3
	}
	if config.HiddenDim <= 0 || config.NumClasses <= 0 || config.BoxLayers < 1 {
		return nil, errors.Errorf("invalid head config %+v", config)
	}

	h := &Head{
		config:     config,
		ClassEmbed: NewLinear(config.HiddenDim, config.NumClasses+1, rng),
	}
	for i := 0; i < config.BoxLayers; i++ {
		out := config.HiddenDim
		if i == config.BoxLayers-1 {
			out = 4
		}
		h.BoxEmbed = append(h.BoxEmbed, NewLinear(config.HiddenDim, out, rng))
	}
	return h, nil
}

// Predict runs the head on the hidden states of every decoder layer.
//
// Arguments:
//   - hs: float32 hidden states of shape [layers, batch, queries, hidden].
//
// Returns:
//   - The last layer as Outputs, with the earlier layers in Aux when AuxLoss is set.
//   - An error wrapping ErrShape on malformed input.
func (h *Head) Predict(hs *tensor.Dense) (*Outputs, error) {
	if hs.Dtype() != tensor.Float32 || hs.Dims() != 4 || hs.Shape()[3] != h.config.HiddenDim {
		return nil, errors.Wrapf(ErrShape, "hidden states %v %v, want float32 [layers, batch, queries, %d]",
			hs.Dtype(), hs.Shape(), h.config.HiddenDim)
	}
	shape := hs.Shape()
	layers, batch, queries, dim := shape[0], shape[1], shape[2], shape[3]
	rows := layers * batch * queries

	x := tensor.New(tensor.WithShape(rows, dim), tensor.WithBacking(append([]float32(nil), hs.Float32s()...)))

	logits, err := h.ClassEmbed.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "class embed")
	}

	coords := x
	for i, layer := range h.BoxEmbed {
		if coords, err = layer.Forward(coords); err != nil {
			return nil, errors.Wrapf(err, "box embed layer %d", i)
		}
		data := coords.Float32s()
		if i < len(h.BoxEmbed)-1 {
			for k, v := range data {
				data[k] = math32.Max(v, 0)
			}
			continue
		}
		for k, v := range data {
			data[k] = 1 / (1 + math32.Exp(-v))
		}
	}

	classes := h.config.NumClasses + 1
	layer := func(l int) Outputs {
		lo := l * batch * queries
		return Outputs{
			Logits: widen(logits.Float32s()[lo*classes:(lo+batch*queries)*classes], batch, queries, classes),
			Boxes:  widen(coords.Float32s()[lo*4:(lo+batch*queries)*4], batch, queries, 4),
		}
	}

	out := layer(layers - 1)
	if h.config.AuxLoss {
		for l := 0; l < layers-1; l++ {
			out.Aux = append(out.Aux, layer(l))
		}
	}
	return &out, nil
}

// widen copies a float32 slice into a float64 tensor of the given shape.
func widen(src []float32, shape ...int) *tensor.Dense {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(dst))
}
