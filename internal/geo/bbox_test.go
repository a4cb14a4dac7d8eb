package geo

import (
	"math"
	"testing"
)

func box(top, left, bottom, right float64, zoom int) BoundingBox {
	return BoundingBox{Top: top, Left: left, Bottom: bottom, Right: right, Zoom: zoom}
}

func TestContains(t *testing.T) {
	b := box(10, 10, 0, 20, 5)

	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"center", Point{Lat: 5, Lon: 15}, true},
		{"top-left corner", Point{Lat: 10, Lon: 10}, true},
		{"bottom-right corner", Point{Lat: 0, Lon: 20}, true},
		{"above", Point{Lat: 10.01, Lon: 15}, false},
		{"right of", Point{Lat: 5, Lon: 20.5}, false},
		{"left of", Point{Lat: 5, Lon: 9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Contains(tt.p); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestIntersects(t *testing.T) {
	a := box(10, 10, 0, 20, 5)

	tests := []struct {
		name string
		b    BoundingBox
		want bool
	}{
		{"same", a, true},
		{"overlapping", box(15, 15, 5, 25, 5), true},
		{"touching edge", box(10, 20, 0, 30, 5), true},
		{"inside", box(6, 12, 4, 14, 5), true},
		{"disjoint east", box(10, 21, 0, 30, 5), false},
		{"disjoint north", box(30, 10, 11, 20, 5), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Intersects(tt.b); got != tt.want {
				t.Errorf("Intersects(%v) = %v, want %v", tt.b, got, tt.want)
			}
			if got := tt.b.Intersects(a); got != tt.want {
				t.Errorf("Intersects is not symmetric for %v", tt.b)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := box(10, 10, 0, 20, 5).Validate(); err != nil {
		t.Errorf("valid box rejected: %v", err)
	}
	if err := box(0, 10, 0, 10, 0).Validate(); err != nil {
		t.Errorf("zero-area box rejected: %v", err)
	}
	if err := box(0, 10, 10, 20, 5).Validate(); err == nil {
		t.Error("top below bottom accepted")
	}
	if err := box(10, 10, 0, 20, -1).Validate(); err == nil {
		t.Error("negative zoom accepted")
	}
	if err := box(math.NaN(), 10, 0, 20, 1).Validate(); err == nil {
		t.Error("NaN edge accepted")
	}
}

func TestDifference_NoPrevious(t *testing.T) {
	next := box(10, 10, 0, 20, 5)
	d := Difference(next, nil)
	if d.Except != nil {
		t.Fatalf("Except = %v, want nil", d.Except)
	}
	if d.Box != next {
		t.Errorf("Box = %v, want %v", d.Box, next)
	}
}

func TestDifference_SameZoomExcludesPrevious(t *testing.T) {
	prev := box(10, 10, 0, 20, 5)
	next := box(10, 10, 0, 40, 5)
	d := Difference(next, &prev)
	if d.Except == nil || *d.Except != prev {
		t.Fatalf("Except = %v, want %v", d.Except, prev)
	}

	tests := []struct {
		p    Point
		want bool
	}{
		{Point{Lat: 5, Lon: 15}, false}, // already sent
		{Point{Lat: 5, Lon: 20}, false}, // shared edge was already inside prev
		{Point{Lat: 5, Lon: 20.1}, true},
		{Point{Lat: 5, Lon: 40}, true},
		{Point{Lat: 5, Lon: 41}, false},
	}
	for _, tt := range tests {
		if got := d.Includes(tt.p); got != tt.want {
			t.Errorf("Includes(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestDifference_ZoomChangeSendsEverything(t *testing.T) {
	prev := box(10, 10, 0, 20, 5)
	next := box(10, 10, 0, 20, 6)
	d := Difference(next, &prev)
	if d.Except != nil {
		t.Fatalf("Except = %v, want nil after zoom change", d.Except)
	}
	if !d.Includes(Point{Lat: 5, Lon: 15}) {
		t.Error("point inside both boxes should be re-sent after a zoom change")
	}
}

func TestDifference_DoesNotAliasPrevious(t *testing.T) {
	prev := box(10, 10, 0, 20, 5)
	d := Difference(box(10, 10, 0, 30, 5), &prev)
	prev.Right = 100
	if d.Except.Right != 20 {
		t.Error("DeltaSpec.Except aliases the caller's box")
	}
}

func TestDeltaSpecEmpty(t *testing.T) {
	prev := box(10, 10, 0, 20, 5)
	if !Difference(box(8, 12, 2, 18, 5), &prev).Empty() {
		t.Error("shrinking inside the previous box should be empty")
	}
	if Difference(box(10, 10, 0, 21, 5), &prev).Empty() {
		t.Error("widening the box should not be empty")
	}
	if !Full(box(10, 20, 0, 10, 5)).Empty() {
		t.Error("left > right should be empty")
	}
}

func TestExtentAndFilter(t *testing.T) {
	points := []Point{{Lat: 1, Lon: 2}, {Lat: -3, Lon: 5}, {Lat: 4, Lon: -1}}
	got := Extent(points)
	want := BoundingBox{Top: 4, Bottom: -3, Left: -1, Right: 5}
	if got != want {
		t.Errorf("Extent = %v, want %v", got, want)
	}
	if (Extent(nil) != BoundingBox{}) {
		t.Error("Extent(nil) should be the zero box")
	}

	in := Filter(points, box(2, 0, 0, 3, 0))
	if len(in) != 1 || in[0] != points[0] {
		t.Errorf("Filter = %v, want [%v]", in, points[0])
	}
}

func TestDistance(t *testing.T) {
	// One degree of latitude is roughly 111.2 km.
	d := Distance(Point{Lat: 0, Lon: 0}, Point{Lat: 1, Lon: 0})
	if d < 111000 || d > 111400 {
		t.Errorf("Distance = %f, want ~111195", d)
	}
	if Distance(Point{Lat: 5, Lon: 5}, Point{Lat: 5, Lon: 5}) != 0 {
		t.Error("distance to self should be 0")
	}
	path := []Point{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 0}, {Lat: 2, Lon: 0}}
	if got := PathLength(path); math.Abs(got-2*d) > 1 {
		t.Errorf("PathLength = %f, want %f", got, 2*d)
	}
}
