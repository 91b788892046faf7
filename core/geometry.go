package core

import "math"

// DefaultTolerance is the distance, in layout units, under which two points
// are considered coincident.
const DefaultTolerance = 0.5

// Point is a position on the layout plane.
type Point struct {
	X, Y float64
}

// DistanceTo returns the straight-line distance between two points.
func (p Point) DistanceTo(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns p + other.
func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns p - other.
func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

// Dot returns the dot product of two points treated as vectors.
func (p Point) Dot(other Point) float64 {
	return p.X*other.X + p.Y*other.Y
}

// Near reports whether other lies within tol of p.
func (p Point) Near(other Point, tol float64) bool {
	return p.DistanceTo(other) <= tol
}

// Midpoint returns the point halfway between a and b.
func Midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// DistanceToSegment returns the distance from p to the closed segment a-b.
func DistanceToSegment(p, a, b Point) float64 {
	v := b.Sub(a)
	den := v.Dot(v)
	if den == 0 {
		return p.DistanceTo(a)
	}

	// t* minimises |a + t v - p|^2, clamped onto the segment.
	t := p.Sub(a).Dot(v) / den
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := Point{X: a.X + t*v.X, Y: a.Y + t*v.Y}
	return p.DistanceTo(closest)
}

// SnapToGrid rounds p onto a grid of the given spacing. Non-positive
// spacing returns p unchanged.
func SnapToGrid(p Point, spacing float64) Point {
	if spacing <= 0 {
		return p
	}
	return Point{
		X: math.Round(p.X/spacing) * spacing,
		Y: math.Round(p.Y/spacing) * spacing,
	}
}
