package moqt

import (
	"context"
	"sync"
)

// TrackHandler serves one subscription's worth of groups onto tw, the same
// role net/http.Handler plays for an HTTP request (spec §4.4, §6.1).
type TrackHandler interface {
	ServeTrack(tw *TrackWriter)
}

// TrackHandlerFunc adapts a function to a TrackHandler.
type TrackHandlerFunc func(tw *TrackWriter)

func (f TrackHandlerFunc) ServeTrack(tw *TrackWriter) { f(tw) }

type muxEntry struct {
	ann      *Announcement
	handler  TrackHandler
	producer *BroadcastProducer
}

// TrackMux routes incoming Subscribe requests (by broadcast path) to a
// TrackHandler. Every registered path is also mirrored into an internal
// Origin so AcceptAnnounce has a live feed of Active/Ended events to answer
// with, without the handler registry and the announce fan-out needing two
// separate sets of bookkeeping.
type TrackMux struct {
	mu      sync.RWMutex
	entries map[BroadcastPath]muxEntry
	origin  *Origin
}

// NewTrackMux creates an empty mux.
func NewTrackMux() *TrackMux {
	return &TrackMux{entries: map[BroadcastPath]muxEntry{}, origin: NewOrigin()}
}

// DefaultMux is used by Server when no TrackMux is configured.
var DefaultMux = NewTrackMux()

// Publish registers handler as the server for path, announcing it as Active
// until ctx is done, at which point the entry is removed automatically.
func (m *TrackMux) Publish(ctx context.Context, path BroadcastPath, handler TrackHandler) {
	ann := NewAnnouncement(path, true)
	producer, consumer := Broadcast{Path: path}.Produce()

	m.mu.Lock()
	m.entries[path] = muxEntry{ann: ann, handler: handler, producer: producer}
	m.mu.Unlock()

	m.origin.Publish(path, consumer)

	go func() {
		<-ctx.Done()
		producer.Finish()
		m.mu.Lock()
		if cur, ok := m.entries[path]; ok && cur.ann == ann {
			delete(m.entries, path)
		}
		m.mu.Unlock()
	}()
}

// Announce registers or removes handler for ann's path depending on whether
// ann is Active or Ended. Used by a relay forwarding a remote peer's
// announcements onto its own mux (spec §4.7).
func (m *TrackMux) Announce(ann *Announcement, handler TrackHandler) {
	path := ann.BroadcastPath()

	m.mu.Lock()
	if ann.IsActive() {
		producer, consumer := Broadcast{Path: path}.Produce()
		m.entries[path] = muxEntry{ann: ann, handler: handler, producer: producer}
		m.mu.Unlock()
		m.origin.Publish(path, consumer)
		return
	}
	cur, ok := m.entries[path]
	if ok && cur.handler == handler {
		delete(m.entries, path)
	}
	m.mu.Unlock()
	if ok && cur.producer != nil {
		cur.producer.Finish()
	}
}

// TrackHandler looks up the handler registered for path. ann is nil if
// nothing is registered.
func (m *TrackMux) TrackHandler(path BroadcastPath) (*Announcement, TrackHandler) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, nil
	}
	return e.ann, e.handler
}

// Announced returns a live feed of Active/Ended events for every registered
// path under prefix, snapshot-then-live (spec §4.5).
func (m *TrackMux) Announced(prefix BroadcastPath) *AnnouncedReader {
	return m.origin.Announced(prefix)
}
