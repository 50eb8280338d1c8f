package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/trail-map-sync/internal/domain"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

// subscriberBuffer is the number of updates an event stream may lag behind.
const subscriberBuffer = 16

// pinCollection renders the pins of a Ready state as GeoJSON points. Any
// other state renders as an empty collection.
func pinCollection(u statemachine.Update) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"state": string(u.State.Kind()),
		"seq":   u.Token.Seq(),
	}

	ready, ok := u.State.(domain.Ready)
	if !ok {
		return fc
	}
	fc.ExtraMembers["source"] = string(ready.Source)
	for _, p := range ready.Pins {
		f := geojson.NewFeature(orb.Point{p.Position.Lng, p.Position.Lat})
		f.ID = p.ID
		f.Properties["label"] = p.Label
		fc.Append(f)
	}
	return fc
}

func (s *Server) handleGeoJSON(w http.ResponseWriter, _ *http.Request) {
	data, err := pinCollection(s.states.Current()).MarshalJSON()
	if err != nil {
		s.logger.Error("encode geojson", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("encode geojson"))
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleEvents streams every published update as a server-sent event, starting
// with the current state. A slow client skips intermediate updates rather
// than stalling the engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server-wide write timeout does not apply to long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates, unsubscribe := s.states.Subscribe(subscriberBuffer)
	defer unsubscribe()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	defer s.logger.Debug("event stream closed", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, u); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, u statemachine.Update) error {
	data, err := json.Marshal(u.Snapshot())
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", u.Token.Seq(), u.State.Kind(), data)
	return err
}

// regionRequest mirrors domain.VisibleRegion with both corners required.
type regionRequest struct {
	Northeast *domain.GeoPoint `json:"northeast"`
	Southwest *domain.GeoPoint `json:"southwest"`
}

func decodeRegion(body io.Reader) (domain.VisibleRegion, error) {
	var req regionRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return domain.VisibleRegion{}, fmt.Errorf("decode region: %w", err)
	}
	if req.Northeast == nil || req.Southwest == nil {
		return domain.VisibleRegion{}, errors.New("region requires northeast and southwest corners")
	}

	region := domain.VisibleRegion{Northeast: *req.Northeast, Southwest: *req.Southwest}
	if err := region.Validate(); err != nil {
		return domain.VisibleRegion{}, fmt.Errorf("invalid region: %w", err)
	}
	return region, nil
}
