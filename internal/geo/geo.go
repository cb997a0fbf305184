// Package geo holds coordinate types and the few projections the board needs.
package geo

import "math"

const earthRadius = 6371000.0 // meters

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Paris is used whenever a coordinate is missing.
var Paris = Point{Lat: 48.8566, Lon: 2.3522}

// Valid reports whether p is a usable coordinate. The zero point counts as missing.
func (p Point) Valid() bool {
	if p.Lat == 0 && p.Lon == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// OrDefault returns p when valid, fallback otherwise.
func OrDefault(p, fallback Point) Point {
	if p.Valid() {
		return p
	}
	return fallback
}

// Distance returns the haversine distance in meters.
func Distance(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadius * c
}

// BoundingBox returns a box around center that contains every point within radius meters.
// Used to prefilter SQL before the exact haversine check.
func BoundingBox(center Point, radius float64) (min, max Point) {
	dLat := radius / earthRadius * 180 / math.Pi
	cos := math.Cos(center.Lat * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	dLon := dLat / cos
	return Point{Lat: center.Lat - dLat, Lon: center.Lon - dLon}, Point{Lat: center.Lat + dLat, Lon: center.Lon + dLon}
}
