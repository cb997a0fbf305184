package geo

import (
	"errors"
	"math"
)

// Lambert-93 (EPSG:2154) projection constants, GRS80 ellipsoid.
const (
	lambertE    = 0.0818191910428158 // first eccentricity
	lambertN    = 0.7256077650532670
	lambertC    = 11754255.426096
	lambertXs   = 700000.0
	lambertYs   = 12655612.049876
	lambertLon0 = 3.0 * math.Pi / 180

	lambertEpsilon = 1e-11
	lambertMaxIter = 100
)

var ErrOutOfDomain = errors.New("geo: coordinates outside the Lambert-93 domain")

// FromLambert93 is Lambert93ToWGS84 for untrusted input. It rejects the projection pole,
// non-finite values and results that are not valid WGS84 coordinates.
func FromLambert93(x, y float64) (Point, error) {
	if !finite(x) || !finite(y) || math.Hypot(x-lambertXs, y-lambertYs) == 0 {
		return Point{}, ErrOutOfDomain
	}
	p := Lambert93ToWGS84(x, y)
	if !finite(p.Lat) || !finite(p.Lon) || !p.Valid() {
		return Point{}, ErrOutOfDomain
	}
	return p, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Lambert93ToWGS84 converts projected Lambert-93 meters to WGS84 degrees.
func Lambert93ToWGS84(x, y float64) Point {
	dx := x - lambertXs
	dy := y - lambertYs
	r := math.Hypot(dx, dy)
	gamma := math.Atan(dx / -dy)

	lon := lambertLon0 + gamma/lambertN
	latIso := -1 / lambertN * math.Log(math.Abs(r/lambertC))

	// fixed-point iteration on isometric latitude
	phi := 2*math.Atan(math.Exp(latIso)) - math.Pi/2
	for i := 0; i < lambertMaxIter; i++ {
		s := lambertE * math.Sin(phi)
		next := 2*math.Atan(math.Pow((1+s)/(1-s), lambertE/2)*math.Exp(latIso)) - math.Pi/2
		if math.Abs(next-phi) < lambertEpsilon {
			phi = next
			break
		}
		phi = next
	}

	return Point{Lat: phi * 180 / math.Pi, Lon: lon * 180 / math.Pi}
}
