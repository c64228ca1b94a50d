// Package geo provides the great-circle math behind contact membership.
// Distances are computed on a spherical Earth (haversine), which is accurate
// to well under 0.5% for the few-kilometre radii peers declare.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EarthRadiusKm is the IUGG mean Earth radius.
const EarthRadiusKm = 6371.0088

// Location is a WGS-84 latitude/longitude pair in decimal degrees.
type Location struct {
	Lat float64 `json:"latitude" toml:"latitude"`
	Lon float64 `json:"longitude" toml:"longitude"`
}

// String renders the location the way map applications paste it.
func (l Location) String() string {
	return fmt.Sprintf("%.6f, %.6f", l.Lat, l.Lon)
}

// Valid reports whether both coordinates are inside their legal ranges.
func (l Location) Valid() bool {
	return ValidCoordinates(l.Lat, l.Lon)
}

// ValidRadius reports whether r is a usable communication radius: positive
// and finite. NaN is rejected.
func ValidRadius(r float64) bool {
	return r > 0 && !math.IsInf(r, 1)
}

// ValidCoordinates reports whether lat ∈ [-90, 90] and lon ∈ [-180, 180].
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// DistanceKm returns the great-circle distance between a and b in kilometres.
func DistanceKm(a, b Location) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lon - a.Lon)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push h a hair above 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// WithinRadius reports whether b lies inside a circle of radiusKm around a.
// The boundary is inclusive.
func WithinRadius(a, b Location, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// ParseCoordinates parses a "lat, lon" pair as copied from a map application,
// e.g. "-3.744207283155359, -38.53564217314052". Whitespace is ignored.
func ParseCoordinates(s string) (Location, error) {
	parts := strings.Split(strings.ReplaceAll(s, " ", ""), ",")
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("parse coordinates %q: want \"latitude, longitude\"", s)
	}

	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Location{}, fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Location{}, fmt.Errorf("parse longitude: %w", err)
	}

	loc := Location{Lat: lat, Lon: lon}
	if !loc.Valid() {
		return Location{}, fmt.Errorf("coordinates %s out of range", loc)
	}
	return loc, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
