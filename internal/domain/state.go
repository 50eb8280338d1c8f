package domain

// StateKind is the wire name of a SyncState variant.
type StateKind string

const (
	KindLoading StateKind = "loading"
	KindReady   StateKind = "ready"
	KindError   StateKind = "error"
)

// SyncState is the rendering contract published by the engine. It is a closed
// set: only Loading, Ready and Error implement it.
type SyncState interface {
	Kind() StateKind
	sealed()
}

// Loading means a refresh cycle is in flight.
type Loading struct{}

// Ready carries the pins to draw and the category they came from.
type Ready struct {
	Pins   []Pin
	Source Source
}

// Error carries a user-facing failure message for the latest cycle.
type Error struct {
	Message string
}

func (Loading) Kind() StateKind { return KindLoading }
func (Ready) Kind() StateKind   { return KindReady }
func (Error) Kind() StateKind   { return KindError }

func (Loading) sealed() {}
func (Ready) sealed()   {}
func (Error) sealed()   {}

// Match dispatches on the variant of s. Every arm is required, so callers at
// the rendering boundary handle all three states. A nil state is treated as Loading.
func Match[T any](s SyncState, loading func() T, ready func(Ready) T, failed func(Error) T) T {
	switch v := s.(type) {
	case Ready:
		return ready(v)
	case Error:
		return failed(v)
	default:
		return loading()
	}
}
