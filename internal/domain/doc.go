// Package domain models the map viewport, points of interest, and the
// rendering state published by the sync engine.
//
// # Coordinates
//
// Points are WGS-84 latitude/longitude pairs in degrees. A [VisibleRegion]
// is the axis-aligned box reported by the map surface on camera idle:
//
//	northeast = top-right corner, southwest = bottom-left corner.
//	southwest.lng > northeast.lng means the box crosses the antimeridian.
//
// # Search Radius
//
// The upstream API filters by distance from a center point, so each region
// is reduced to a center and a radius in kilometers:
//
//	radius = max(haversine(center, corner)) over the four corners
//	clamped to [1, 100] km; NaN is treated as 100 km.
//
// The farthest point of a rectangle from its center is a corner, so the
// circle covers the whole visible box. The clamp keeps zoomed-out views from
// requesting continent-sized result sets. Distances use a spherical Earth of
// radius 6,371 km.
//
// # Sources
//
// Two categories are queried per region: trails (primary) and parks
// (fallback). [Reconcile] shows trails when there are any and parks only when
// there are none. Parks are a different entity drawn with the same pin, so
// [Ready] records which [Source] produced its pins.
//
// # Rendering State
//
// [SyncState] is a closed union of [Loading], [Ready] and [Error]. Consumers
// switch on it with [Match], which requires a handler for every variant.
// Each refresh cycle is identified by a [FetchToken]; only the most recently
// issued token may publish a terminal state.
package domain
