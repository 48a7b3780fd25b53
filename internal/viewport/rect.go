package viewport

import "math"

// Rect is an axis-aligned viewport in layout coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

func (r Rect) Width() float64  { return r.MaxX - r.MinX }
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Center returns the midpoint of r.
func (r Rect) Center() (float64, float64) {
	return (r.MinX + r.MaxX) / 2, (r.MinY + r.MaxY) / 2
}

// Expand scales r around its center by factor.
func (r Rect) Expand(factor float64) Rect {
	cx, cy := r.Center()
	hw, hh := r.Width()*factor/2, r.Height()*factor/2
	return Rect{MinX: cx - hw, MinY: cy - hh, MaxX: cx + hw, MaxY: cy + hh}
}

// IntersectsCircle reports whether the circle at (x, y) with radius rad
// overlaps r.
func (r Rect) IntersectsCircle(x, y, rad float64) bool {
	nx := math.Max(r.MinX, math.Min(x, r.MaxX))
	ny := math.Max(r.MinY, math.Min(y, r.MaxY))
	dx, dy := x-nx, y-ny
	return dx*dx+dy*dy <= rad*rad
}

// Distance returns the Euclidean distance from r's center to (x, y).
func (r Rect) Distance(x, y float64) float64 {
	cx, cy := r.Center()
	return math.Hypot(x-cx, y-cy)
}

// near reports whether b is within fraction of a's size from a, in both
// position and scale.
func near(a, b Rect, fraction float64) bool {
	ax, ay := a.Center()
	bx, by := b.Center()
	w, h := a.Width(), a.Height()
	return math.Abs(ax-bx) < fraction*w &&
		math.Abs(ay-by) < fraction*h &&
		math.Abs(a.Width()-b.Width()) < fraction*w &&
		math.Abs(a.Height()-b.Height()) < fraction*h
}
