// Package box - Box representations and pairwise overlap metrics.
package box

import (
	"fmt"
	"math"
)

// Center is a box in center-size form (cx, cy, w, h), normalized to the image size.
type Center struct {
	CX float64 `json:"cx" yaml:"cx"`
	CY float64 `json:"cy" yaml:"cy"`
	W  float64 `json:"w" yaml:"w"`
	H  float64 `json:"h" yaml:"h"`
}

// Rect is a box in corner form (x1, y1, x2, y2).
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// FromSlice builds a Center from a 4 element (cx, cy, w, h) slice.
func FromSlice(v []float64) Center {
	return Center{CX: v[0], CY: v[1], W: v[2], H: v[3]}
}

// Slice returns the box as a (cx, cy, w, h) slice.
func (c Center) Slice() []float64 {
	return []float64{c.CX, c.CY, c.W, c.H}
}

// Corners converts the box to corner form.
//
// Returns:
//   - The (x1, y1, x2, y2) rectangle spanned by the box.
func (c Center) Corners() Rect {
	return Rect{
		X1: c.CX - 0.5*c.W,
		Y1: c.CY - 0.5*c.H,
		X2: c.CX + 0.5*c.W,
		Y2: c.CY + 0.5*c.H,
	}
}

// Center converts the rectangle back to center-size form.
func (r Rect) Center() Center {
	return Center{
		CX: (r.X1 + r.X2) / 2,
		CY: (r.Y1 + r.Y2) / 2,
		W:  r.X2 - r.X1,
		H:  r.Y2 - r.Y1,
	}
}

// Valid reports whether the rectangle has non-negative width and height.
func (r Rect) Valid() bool {
	return r.X2 >= r.X1 && r.Y2 >= r.Y1
}

// Area returns the area of the rectangle.
func (r Rect) Area() float64 {
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

func (r Rect) String() string {
	return fmt.Sprintf("(%f, %f), (%f, %f)", r.X1, r.Y1, r.X2, r.Y2)
}

// IoU computes the intersection over union of two rectangles.
//
// The intersection corners are the maximum of the top-left corners and the
// minimum of the bottom-right corners; a negative extent means no overlap.
//
// Arguments:
//   - o: The other rectangle.
//
// Returns:
//   - The IoU score in [0, 1], and 0 when the union is empty.
func (r Rect) IoU(o Rect) float64 {
	inter, union := r.overlap(o)
	if union <= 0 {
		return 0
	}
	return inter / union
}

// GIoU computes the generalized IoU of two rectangles.
//
// GIoU = IoU - (enclosing - union) / enclosing, where enclosing is the area of the
// smallest rectangle covering both inputs. The result lies in [-1, 1] and stays
// informative for disjoint rectangles.
//
// Arguments:
//   - o: The other rectangle.
//
// Returns:
//   - The generalized IoU score.
func (r Rect) GIoU(o Rect) float64 {
	inter, union := r.overlap(o)
	iou := 0.0
	if union > 0 {
		iou = inter / union
	}
	enclosing := (math.Max(r.X2, o.X2) - math.Min(r.X1, o.X1)) *
		(math.Max(r.Y2, o.Y2) - math.Min(r.Y1, o.Y1))
	if enclosing <= 0 {
		return iou
	}
	return iou - (enclosing-union)/enclosing
}

// overlap returns the intersection and union areas of r and o.
func (r Rect) overlap(o Rect) (inter, union float64) {
	w := math.Max(0, math.Min(r.X2, o.X2)-math.Max(r.X1, o.X1))
	h := math.Max(0, math.Min(r.Y2, o.Y2)-math.Max(r.Y1, o.Y1))
	inter = w * h
	union = r.Area() + o.Area() - inter
	return inter, union
}

// CenterToCorners converts a slice of center-size boxes to corner form.
func CenterToCorners(boxes []Center) []Rect {
	rects := make([]Rect, len(boxes))
	for i, b := range boxes {
		rects[i] = b.Corners()
	}
	return rects
}

// CornersToCenter converts a slice of corner rectangles to center-size form.
func CornersToCenter(rects []Rect) []Center {
	boxes := make([]Center, len(rects))
	for i, r := range rects {
		boxes[i] = r.Center()
	}
	return boxes
}
