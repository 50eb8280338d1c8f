package statemachine

import (
	"time"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
)

// Snapshot is the JSON form of an update shared by every outbound boundary.
type Snapshot struct {
	State   domain.StateKind `json:"state"`
	Seq     uint64           `json:"seq"`
	CycleID string           `json:"cycle_id,omitempty"`
	At      time.Time        `json:"at"`
	Source  domain.Source    `json:"source,omitempty"`
	Pins    []domain.Pin     `json:"pins,omitzero"`
	Message string           `json:"message,omitempty"`
}

// Snapshot flattens the update. A Ready state always carries a non-nil pin
// list so an empty result still encodes as [].
func (u Update) Snapshot() Snapshot {
	snap := Snapshot{
		Seq:     u.Token.Seq(),
		CycleID: u.Token.CycleID(),
		At:      u.At.UTC(),
	}
	return domain.Match(u.State,
		func() Snapshot {
			snap.State = domain.KindLoading
			return snap
		},
		func(r domain.Ready) Snapshot {
			snap.State = domain.KindReady
			snap.Source = r.Source
			snap.Pins = r.Pins
			if snap.Pins == nil {
				snap.Pins = []domain.Pin{}
			}
			return snap
		},
		func(e domain.Error) Snapshot {
			snap.State = domain.KindError
			snap.Message = e.Message
			return snap
		},
	)
}
