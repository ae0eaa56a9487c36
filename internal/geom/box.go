package geom

import "math"

// Point is a normalized 2-D point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Box is an axis-aligned bounding box in normalized coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// BoxFromSlice builds a Box from [x1, y1, x2, y2]. ok is false when the slice
// has the wrong length.
func BoxFromSlice(v []float64) (Box, bool) {
	if len(v) != 4 {
		return Box{}, false
	}
	return Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, true
}

// BoxFromCenter builds a Box from its center and size.
func BoxFromCenter(c Point, w, h float64) Box {
	return Box{X1: c.X - w/2, Y1: c.Y - h/2, X2: c.X + w/2, Y2: c.Y + h/2}
}

// Width returns the box width.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, or 0 for degenerate boxes.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box centroid.
func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Anchor is the point used for zone membership: the bottom-center of the box,
// which approximates where a standing person's feet touch the floor.
func (b Box) Anchor() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: b.Y2}
}

// Valid reports whether every coordinate is finite, inside [0, 1], and the
// box has positive width and height.
func (b Box) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// IoU returns the intersection over union of a and b.
func IoU(a, b Box) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance returns the distance between the centroids of a and b.
func CenterDistance(a, b Box) float64 {
	return a.Center().Dist(b.Center())
}

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Finite reports whether every value is neither NaN nor infinite.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
