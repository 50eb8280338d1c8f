package domain

// Reconcile picks one of two candidate pin lists by strict precedence.
// A non-empty primary list wins unchanged; otherwise the fallback list is
// returned unchanged. The lists are never combined. Two empty lists yield an
// empty, non-nil slice: nothing nearby is a valid result, not an error.
func Reconcile(primary, fallback []Pin) ([]Pin, Source) {
	if len(primary) > 0 {
		return primary, SourceTrails
	}
	if fallback == nil {
		return []Pin{}, SourceParks
	}
	return fallback, SourceParks
}
