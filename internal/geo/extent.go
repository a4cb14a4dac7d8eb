package geo

import "math"

const earthRadiusMeters = 6371008.8

// Extent returns the smallest box containing all points. The zero box is
// returned for an empty slice.
func Extent(points []Point) BoundingBox {
	if len(points) == 0 {
		return BoundingBox{}
	}
	b := BoundingBox{Top: points[0].Lat, Bottom: points[0].Lat, Left: points[0].Lon, Right: points[0].Lon}
	for _, p := range points[1:] {
		b.Top = math.Max(b.Top, p.Lat)
		b.Bottom = math.Min(b.Bottom, p.Lat)
		b.Left = math.Min(b.Left, p.Lon)
		b.Right = math.Max(b.Right, p.Lon)
	}
	return b
}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PathLength sums the distances between consecutive points.
func PathLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// Filter returns the points inside b, preserving order.
func Filter(points []Point, b BoundingBox) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if b.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}
