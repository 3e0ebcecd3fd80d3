package box

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// IoU computes the pairwise IoU and union areas between two sets of rectangles.
//
// Arguments:
//   - a: The first set of rectangles (rows).
//   - b: The second set of rectangles (columns).
//
// Returns:
//   - iou: A len(a) x len(b) matrix of IoU scores.
//   - union: A len(a) x len(b) matrix of union areas.
func IoU(a, b []Rect) (iou, union *mat.Dense) {
	if len(a) == 0 || len(b) == 0 {
		return nil, nil
	}
	iou = mat.NewDense(len(a), len(b), nil)
	union = mat.NewDense(len(a), len(b), nil)
	for i, r := range a {
		for j, o := range b {
			inter, u := r.overlap(o)
			union.Set(i, j, u)
			if u > 0 {
				iou.Set(i, j, inter/u)
			}
		}
	}
	return iou, union
}

// GeneralizedIoU computes the pairwise generalized IoU between two sets of
// rectangles in corner form.
//
// Every rectangle must satisfy x2 >= x1 and y2 >= y1. Degenerate input is a caller
// bug, so the function panics rather than returning an error, the same way gonum
// panics on mismatched dimensions.
//
// Arguments:
//   - a: The first set of rectangles (rows).
//   - b: The second set of rectangles (columns).
//
// Returns:
//   - A len(a) x len(b) matrix; nil when either set is empty.
//
// Example:
//
// ```go
//
//	rects := []Rect{{0, 0, 1, 1}, {0.5, 0.5, 2, 2}}
//	g := GeneralizedIoU(rects, rects)
//	fmt.Println(g.At(0, 0)) // 1
//
// ```
func GeneralizedIoU(a, b []Rect) *mat.Dense {
	mustValid(a)
	mustValid(b)

	iou, union := IoU(a, b)
	if iou == nil {
		return nil
	}

	giou := mat.NewDense(len(a), len(b), nil)
	for i, r := range a {
		for j, o := range b {
			enclosing := (math.Max(r.X2, o.X2) - math.Min(r.X1, o.X1)) *
				(math.Max(r.Y2, o.Y2) - math.Min(r.Y1, o.Y1))
			g := iou.At(i, j)
			if enclosing > 0 {
				g -= (enclosing - union.At(i, j)) / enclosing
			}
			giou.Set(i, j, g)
		}
	}
	return giou
}

// L1Distance computes the pairwise L1 distance between center-size boxes.
//
// Returns:
//   - A len(a) x len(b) matrix; nil when either set is empty.
func L1Distance(a, b []Center) *mat.Dense {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	d := mat.NewDense(len(a), len(b), nil)
	for i, p := range a {
		for j, q := range b {
			d.Set(i, j, math.Abs(p.CX-q.CX)+math.Abs(p.CY-q.CY)+math.Abs(p.W-q.W)+math.Abs(p.H-q.H))
		}
	}
	return d
}

func mustValid(rects []Rect) {
	for i, r := range rects {
		if !r.Valid() {
			panic(fmt.Sprintf("box: invalid rectangle %d: %s", i, r))
		}
	}
}
