package geom

import (
	"errors"
	"fmt"
	"math"

	clipper "github.com/ctessum/go.clipper"
)

// ErrInvalidPolygon is returned by Polygon.Validate.
var ErrInvalidPolygon = errors.New("invalid polygon")

// clipperScale converts normalized coordinates to the integer grid clipper
// works on.
const clipperScale = 1e6

// Polygon is an ordered ring of normalized points. The closing edge from the
// last point back to the first is implicit.
type Polygon []Point

// Validate checks that the polygon has at least three finite, in-range points
// and a non-zero area.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("%w: %d points, need at least 3", ErrInvalidPolygon, len(p))
	}
	for i, pt := range p {
		if !Finite(pt.X, pt.Y) || pt.X < 0 || pt.X > 1 || pt.Y < 0 || pt.Y > 1 {
			return fmt.Errorf("%w: point %d (%v, %v) outside [0,1]", ErrInvalidPolygon, i, pt.X, pt.Y)
		}
	}
	if math.Abs(p.Area()) < 1e-12 {
		return fmt.Errorf("%w: zero area", ErrInvalidPolygon)
	}
	return nil
}

// Area returns the signed shoelace area.
func (p Polygon) Area() float64 {
	var sum float64
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return sum / 2
}

// Contains reports whether pt lies inside the polygon using the even-odd ray
// casting rule. Points exactly on an edge may land either side.
func (p Polygon) Contains(pt Point) bool {
	inside := false
	n := len(p)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			x := (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y) + a.X
			if pt.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Offset grows the polygon outward by margin (normalized units). A
// non-positive margin returns the polygon unchanged. When the offset produces
// several rings the largest is kept.
func (p Polygon) Offset(margin float64) Polygon {
	if margin <= 0 || len(p) < 3 {
		return p
	}
	var path clipper.Path
	for _, pt := range p {
		path = append(path, &clipper.IntPoint{
			X: clipper.CInt(math.Round(pt.X * clipperScale)),
			Y: clipper.CInt(math.Round(pt.Y * clipperScale)),
		})
	}
	co := clipper.NewClipperOffset()
	co.AddPath(path, clipper.JtRound, clipper.EtClosedPolygon)
	solution := co.Execute(margin * clipperScale)

	var best Polygon
	for _, ring := range solution {
		out := make(Polygon, 0, len(ring))
		for _, ip := range ring {
			out = append(out, Point{X: float64(ip.X) / clipperScale, Y: float64(ip.Y) / clipperScale})
		}
		if best == nil || math.Abs(out.Area()) > math.Abs(best.Area()) {
			best = out
		}
	}
	if len(best) < 3 {
		return p
	}
	return best
}
