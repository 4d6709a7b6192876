package spatial

import "math"

// Vec3 is a position or direction in world space. Y is up.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v multiplied by s
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dot returns the dot product of v and o
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns the cross product of v and o
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Length returns the euclidean length of v
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo returns the distance between two points
func (v Vec3) DistanceTo(o Vec3) float64 {
	return v.Sub(o).Length()
}

// Normalized returns v scaled to unit length. The zero vector normalizes to
// the zero vector.
func (v Vec3) Normalized() Vec3 {
	l := v.Length()
	if l < 1e-9 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

// Horizontal returns v with its vertical component removed
func (v Vec3) Horizontal() Vec3 {
	return Vec3{X: v.X, Z: v.Z}
}

// worldUp is the global up axis used for elevation and pan computation
var worldUp = Vec3{Y: 1}
