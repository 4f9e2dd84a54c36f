package model

import "math"

const EarthRadiusMeters = 6371000

type Point struct {
	Latitude  float64 `json:"latitude" yaml:"latitude" msgpack:"lat"`
	Longitude float64 `json:"longitude" yaml:"longitude" msgpack:"lng"`
}

// Polygon is a single closed ring. The closing point may be omitted.
type Polygon []Point

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b Point) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Contains reports whether p lies inside the polygon using the even-odd ray casting rule.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Latitude > p.Latitude) != (b.Latitude > p.Latitude) {
			crossing := (b.Longitude-a.Longitude)*(p.Latitude-a.Latitude)/(b.Latitude-a.Latitude) + a.Longitude
			if p.Longitude < crossing {
				inside = !inside
			}
		}
	}
	return inside
}

// Bounds returns the south-west and north-east corners of the polygon.
func (poly Polygon) Bounds() (Point, Point) {
	if len(poly) == 0 {
		return Point{}, Point{}
	}

	min, max := poly[0], poly[0]
	for _, p := range poly[1:] {
		min.Latitude = math.Min(min.Latitude, p.Latitude)
		min.Longitude = math.Min(min.Longitude, p.Longitude)
		max.Latitude = math.Max(max.Latitude, p.Latitude)
		max.Longitude = math.Max(max.Longitude, p.Longitude)
	}
	return min, max
}

// Round truncates a coordinate to the given number of decimal digits.
func Round(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
