package model

import "math"

// Position is a location in metres. Scenarios are planar so Z is
// normally 0, but it is carried through so distances stay 3D-correct.
type Position struct {
	X float64
	Y float64
	Z float64
}

// DistanceTo returns the straight-line distance between two positions.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Rectangle is an axis-aligned bound on the XY plane.
type Rectangle struct {
	XMin float64 `json:"x_min" yaml:"x_min"`
	XMax float64 `json:"x_max" yaml:"x_max"`
	YMin float64 `json:"y_min" yaml:"y_min"`
	YMax float64 `json:"y_max" yaml:"y_max"`
}

// Width returns the X extent.
func (r Rectangle) Width() float64 { return r.XMax - r.XMin }

// Height returns the Y extent.
func (r Rectangle) Height() float64 { return r.YMax - r.YMin }

// IsValid reports whether the rectangle has a positive area.
func (r Rectangle) IsValid() bool {
	return r.XMax > r.XMin && r.YMax > r.YMin
}

// Contains reports whether p lies within the rectangle, edges included.
func (r Rectangle) Contains(p Position) bool {
	return p.X >= r.XMin && p.X <= r.XMax && p.Y >= r.YMin && p.Y <= r.YMax
}
