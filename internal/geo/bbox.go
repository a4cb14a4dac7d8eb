// Package geo holds the rectangle arithmetic used to decide which spatial
// entities a client can see and which of them it has already been sent.
package geo

import (
	"fmt"
	"math"
)

// Point is a WGS84 position.
type Point struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// BoundingBox is a client viewport. Edges are inclusive and the box never
// wraps around the antimeridian: Left > Right simply yields an empty box.
// Values are immutable once handed to a session; updates replace the whole
// box.
type BoundingBox struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
	Zoom   int     `json:"zoom"`
}

// Validate checks the box invariants: finite edges, Top >= Bottom and a
// non-negative zoom.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.Top, b.Left, b.Bottom, b.Right} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox edges must be finite")
		}
	}
	if b.Top < b.Bottom {
		return fmt.Errorf("bbox top %v is below bottom %v", b.Top, b.Bottom)
	}
	if b.Zoom < 0 {
		return fmt.Errorf("bbox zoom %d is negative", b.Zoom)
	}
	return nil
}

// Contains reports whether p lies inside b, edges included.
func (b BoundingBox) Contains(p Point) bool {
	return p.Lat <= b.Top && p.Lat >= b.Bottom && p.Lon >= b.Left && p.Lon <= b.Right
}

// Intersects reports whether the two boxes share at least one point.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.Left <= o.Right && o.Left <= b.Right && b.Bottom <= o.Top && o.Bottom <= b.Top
}

// ContainsBox reports whether o lies entirely inside b.
func (b BoundingBox) ContainsBox(o BoundingBox) bool {
	return o.Top <= b.Top && o.Bottom >= b.Bottom && o.Left >= b.Left && o.Right <= b.Right
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%g,%g,%g,%g z%d]", b.Top, b.Left, b.Bottom, b.Right, b.Zoom)
}

// DeltaSpec describes the region a store query has to cover after a
// viewport change: everything inside Box that is not inside Except.
type DeltaSpec struct {
	Box    BoundingBox  `json:"box"`
	Except *BoundingBox `json:"except,omitempty"`
}

// Includes reports whether p belongs to the delta region.
func (d DeltaSpec) Includes(p Point) bool {
	if !d.Box.Contains(p) {
		return false
	}
	return d.Except == nil || !d.Except.Contains(p)
}

// Empty reports whether the delta cannot match anything, which is the case
// when the previous box already covers the new one.
func (d DeltaSpec) Empty() bool {
	if d.Box.Left > d.Box.Right {
		return true
	}
	return d.Except != nil && d.Except.ContainsBox(d.Box)
}

// Difference computes what has to be streamed when a session moves from
// prev to next. A missing previous box or a zoom change sends the whole new
// box, since entities may render differently per zoom level and cannot be
// assumed cached on the client.
func Difference(next BoundingBox, prev *BoundingBox) DeltaSpec {
	d := DeltaSpec{Box: next}
	if prev != nil && prev.Zoom == next.Zoom {
		except := *prev
		d.Except = &except
	}
	return d
}

// Full returns a delta covering the whole box.
func Full(b BoundingBox) DeltaSpec {
	return DeltaSpec{Box: b}
}
