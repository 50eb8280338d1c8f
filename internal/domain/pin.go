package domain

import "context"

// Source names the category a set of pins was fetched from.
type Source string

const (
	SourceTrails Source = "trails"
	SourceParks  Source = "parks"
)

// Pin is a single point of interest drawn on the map. ID is its identity.
type Pin struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Position GeoPoint `json:"position"`
}

// PinSource fetches points of interest near a center point.
type PinSource interface {
	// Nearby returns pins within radius of center, in the order the upstream returned them.
	Nearby(ctx context.Context, center GeoPoint, radius SearchRadius) ([]Pin, error)
}

// PinSourceFunc adapts a function to the PinSource interface.
type PinSourceFunc func(ctx context.Context, center GeoPoint, radius SearchRadius) ([]Pin, error)

func (f PinSourceFunc) Nearby(ctx context.Context, center GeoPoint, radius SearchRadius) ([]Pin, error) {
	return f(ctx, center, radius)
}

// DedupeByID drops pins whose ID was already seen, keeping the first occurrence.
func DedupeByID(pins []Pin) []Pin {
	seen := make(map[string]struct{}, len(pins))
	out := make([]Pin, 0, len(pins))
	for _, p := range pins {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
