// Package masks - Segmentation mask helpers for the set criterion.
package masks

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Pad zero-pads per-image target masks to a common height and width.
//
// Every element of ms holds the N_i masks of one image as a float64 tensor of shape
// [N_i, H_i, W_i]. The result uses the largest H and W of the batch, with the
// original pixels in the top-left corner, the same layout a padded image batch has.
//
// Arguments:
//   - ms: Per-image mask tensors.
//
// Returns:
//   - The padded tensors, shape [N_i, H, W].
//   - The common height and width.
//   - An error if a tensor is nil, not float64, or not 3-dimensional.
func Pad(ms []*tensor.Dense) (padded []*tensor.Dense, height, width int, err error) {
	for i, m := range ms {
		if err := check(m); err != nil {
			return nil, 0, 0, errors.Wrapf(err, "image %d", i)
		}
		shape := m.Shape()
		height = max(height, shape[1])
		width = max(width, shape[2])
	}

	padded = make([]*tensor.Dense, len(ms))
	for i, m := range ms {
		shape := m.Shape()
		n, h, w := shape[0], shape[1], shape[2]
		src := m.Float64s()
		dst := make([]float64, n*height*width)
		for k := 0; k < n; k++ {
			for y := 0; y < h; y++ {
				copy(dst[(k*height+y)*width:(k*height+y)*width+w], src[(k*h+y)*w:(k*h+y)*w+w])
			}
		}
		padded[i] = tensor.New(tensor.WithShape(n, height, width), tensor.WithBacking(dst))
	}
	return padded, height, width, nil
}

func check(m *tensor.Dense) error {
	if m == nil {
		return errors.New("mask tensor is nil")
	}
	if m.Dtype() != tensor.Float64 {
		return errors.Errorf("mask tensor has dtype %v, want float64", m.Dtype())
	}
	if m.Dims() != 3 {
		return errors.Errorf("mask tensor has shape %v, want [n, h, w]", m.Shape())
	}
	return nil
}

// BilinearMatrix returns the [out, in] matrix R such that R·x resamples a length-in
// signal x to length out with bilinear weights and half-pixel centers
// (align_corners=false).
//
// A 2-D mask M of size [h, w] is resized to [H, W] as Ry·M·Rxᵀ with
// Ry = BilinearMatrix(h, H) and Rx = BilinearMatrix(w, W), which keeps the
// operation linear and therefore differentiable.
func BilinearMatrix(in, out int) *tensor.Dense {
	weights := make([]float64, out*in)
	scale := float64(in) / float64(out)
	for o := 0; o < out; o++ {
		src := (float64(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := min(i0+1, in-1)
		l1 := src - float64(i0)
		l0 := 1 - l1
		weights[o*in+i0] += l0
		weights[o*in+i1] += l1
	}
	return tensor.New(tensor.WithShape(out, in), tensor.WithBacking(weights))
}

// FromImage rasterizes a mask image into a binary [height, width] mask.
//
// The image is resized with nearest-neighbour sampling so that no intermediate
// values are introduced, and a pixel is set when its luminance is above half scale.
// Fully transparent pixels are unset.
//
// Arguments:
//   - img: A mask image, typically a grayscale or palette PNG.
//   - width: The mask width.
//   - height: The mask height.
//
// Returns:
//   - A float64 tensor of shape [height, width] holding 0 or 1.
func FromImage(img image.Image, width, height int) *tensor.Dense {
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.NearestNeighbor)
	}

	bounds := img.Bounds()
	data := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			if _, _, _, a := c.RGBA(); a == 0 {
				continue
			}
			if color.Gray16Model.Convert(c).(color.Gray16).Y > math.MaxUint16/2 {
				data[y*width+x] = 1
			}
		}
	}
	return tensor.New(tensor.WithShape(height, width), tensor.WithBacking(data))
}

// Stack joins [H, W] masks of equal size into one [N, H, W] tensor.
func Stack(ms []*tensor.Dense) (*tensor.Dense, error) {
	if len(ms) == 0 {
		return nil, errors.New("no masks to stack")
	}
	shape := ms[0].Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("mask has shape %v, want [h, w]", shape)
	}
	h, w := shape[0], shape[1]
	data := make([]float64, 0, len(ms)*h*w)
	for i, m := range ms {
		if !m.Shape().Eq(shape) {
			return nil, errors.Errorf("mask %d has shape %v, want %v", i, m.Shape(), shape)
		}
		data = append(data, m.Float64s()...)
	}
	return tensor.New(tensor.WithShape(len(ms), h, w), tensor.WithBacking(data)), nil
}
