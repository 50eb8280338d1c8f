package domain

import (
	"errors"
	"fmt"
	"math"
)

const (
	// EarthRadiusMeters is the mean Earth radius used for haversine distances.
	EarthRadiusMeters = 6371000.0

	// MinSearchRadius and MaxSearchRadius bound every radius sent upstream.
	MinSearchRadius SearchRadius = 1.0
	MaxSearchRadius SearchRadius = 100.0

	metersPerDegreeLat = 111320.0
)

// GeoPoint represents a WGS-84 latitude/longitude coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether the point lies within the valid coordinate ranges.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return errors.New("coordinate is NaN")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lng)
	}
	return nil
}

// VisibleRegion is the axis-aligned lat/lng rectangle currently shown by the map.
// Southwest.Lng > Northeast.Lng means the region crosses the antimeridian.
type VisibleRegion struct {
	Northeast GeoPoint `json:"northeast"`
	Southwest GeoPoint `json:"southwest"`
}

// Validate checks both corners and their vertical ordering.
func (r VisibleRegion) Validate() error {
	if err := r.Northeast.Validate(); err != nil {
		return fmt.Errorf("northeast: %w", err)
	}
	if err := r.Southwest.Validate(); err != nil {
		return fmt.Errorf("southwest: %w", err)
	}
	if r.Northeast.Lat < r.Southwest.Lat {
		return fmt.Errorf("northeast latitude %v is south of southwest latitude %v", r.Northeast.Lat, r.Southwest.Lat)
	}
	return nil
}

// Center returns the midpoint of the region, wrapping across the antimeridian.
func (r VisibleRegion) Center() GeoPoint {
	lat := (r.Northeast.Lat + r.Southwest.Lat) / 2
	if r.Southwest.Lng <= r.Northeast.Lng {
		return GeoPoint{Lat: lat, Lng: (r.Northeast.Lng + r.Southwest.Lng) / 2}
	}
	lng := r.Southwest.Lng + (r.Northeast.Lng+360-r.Southwest.Lng)/2
	if lng > 180 {
		lng -= 360
	}
	return GeoPoint{Lat: lat, Lng: lng}
}

// Corners returns the four corners: northeast, southwest, northwest, southeast.
func (r VisibleRegion) Corners() [4]GeoPoint {
	return [4]GeoPoint{
		r.Northeast,
		r.Southwest,
		{Lat: r.Northeast.Lat, Lng: r.Southwest.Lng},
		{Lat: r.Southwest.Lat, Lng: r.Northeast.Lng},
	}
}

// RegionAround builds a square region whose corners sit roughly radiusKm from center.
func RegionAround(center GeoPoint, radiusKm float64) VisibleRegion {
	half := radiusKm * 1000 / math.Sqrt2
	latDelta := half / metersPerDegreeLat
	north := math.Min(center.Lat+latDelta, 90)
	south := math.Max(center.Lat-latDelta, -90)

	cos := math.Cos(toRad(center.Lat))
	if cos < 1e-9 {
		return VisibleRegion{
			Northeast: GeoPoint{Lat: north, Lng: 180},
			Southwest: GeoPoint{Lat: south, Lng: -180},
		}
	}
	lngDelta := half / (metersPerDegreeLat * cos)
	if lngDelta >= 180 {
		return VisibleRegion{
			Northeast: GeoPoint{Lat: north, Lng: 180},
			Southwest: GeoPoint{Lat: south, Lng: -180},
		}
	}

	return VisibleRegion{
		Northeast: GeoPoint{Lat: north, Lng: wrapLng(center.Lng + lngDelta)},
		Southwest: GeoPoint{Lat: south, Lng: wrapLng(center.Lng - lngDelta)},
	}
}

// SearchRadius is a query radius in kilometers.
type SearchRadius float64

// Kilometers returns the radius as a plain float.
func (r SearchRadius) Kilometers() float64 { return float64(r) }

// HaversineMeters returns the great-circle distance between a and b in meters.
func HaversineMeters(a, b GeoPoint) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	h = math.Min(h, 1)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// RadiusFromRegion derives a search radius from the distance between the
// region's center and its farthest corner.
func RadiusFromRegion(region VisibleRegion) SearchRadius {
	center := region.Center()
	maxMeters := 0.0
	for _, corner := range region.Corners() {
		d := HaversineMeters(center, corner)
		if math.IsNaN(d) {
			maxMeters = d
			break
		}
		maxMeters = math.Max(maxMeters, d)
	}
	return ClampRadius(maxMeters / 1000)
}

// ClampRadius bounds km to [MinSearchRadius, MaxSearchRadius]. NaN maps to the maximum.
func ClampRadius(km float64) SearchRadius {
	switch {
	case math.IsNaN(km):
		return MaxSearchRadius
	case km < float64(MinSearchRadius):
		return MinSearchRadius
	case km > float64(MaxSearchRadius):
		return MaxSearchRadius
	}
	return SearchRadius(km)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func wrapLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
