package moqt

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/okdaichi/qumo/moqt/message"
)

// Origin is a prefix-indexed directory mapping BroadcastPath to the
// BroadcastConsumer currently serving it (spec §4.5). It is shared by
// whichever side publishes broadcasts and whichever side looks them up;
// a Session wraps one to expose "everything this peer announced" and a
// Cluster wraps one per node to fan broadcasts in from every peer.
type Origin struct {
	mu     sync.Mutex
	active map[BroadcastPath]*BroadcastConsumer
	subs   []*announcedState
}

func NewOrigin() *Origin {
	return &Origin{active: map[BroadcastPath]*BroadcastConsumer{}}
}

// Publish registers broadcast under path. If path was already published,
// subscribers first observe Ended for the old broadcast, then Active for
// the new one, so the replacement looks atomic (spec §4.5 invariant). A
// background watcher removes the entry and emits Ended once broadcast
// itself closes.
func (o *Origin) Publish(path BroadcastPath, broadcast *BroadcastConsumer) {
	o.mu.Lock()
	if _, existed := o.active[path]; existed {
		o.notifyLocked(path, message.AnnounceEnded)
	}
	o.active[path] = broadcast
	o.notifyLocked(path, message.AnnounceActive)
	o.prune()
	o.mu.Unlock()

	go func() {
		broadcast.Closed(context.Background())
		o.unpublish(path, broadcast)
	}()
}

func (o *Origin) unpublish(path BroadcastPath, broadcast *BroadcastConsumer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.active[path]
	if !ok || cur != broadcast {
		return
	}
	delete(o.active, path)
	o.notifyLocked(path, message.AnnounceEnded)
}

// Consume returns the broadcast currently published at path, if any. The
// returned reader is an independent clone so the caller's Close doesn't
// affect the publisher's own handle.
func (o *Origin) Consume(path BroadcastPath) (*BroadcastConsumer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.active[path]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Announced returns a reader that first replays Active for every path
// currently matching prefix (snapshot), then delivers live Active/Ended
// events as publishes and unpublishes occur (spec §4.5 "snapshot-then-live",
// Property 1). Two events for the same suffix are always observed in
// causal order (Active before Ended); a publish immediately followed by an
// unpublish before the reader catches up still yields both events, never
// zero and never only one (spec Property 6 "flicker coalescing").
func (o *Origin) Announced(prefix BroadcastPath) *AnnouncedReader {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := &announcedState{prefix: prefix, changed: make(chan struct{})}

	paths := make([]string, 0, len(o.active))
	for p := range o.active {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)
	for _, p := range paths {
		if suffix, ok := strings.CutPrefix(p, string(prefix)); ok {
			state.queue = append(state.queue, message.Announce{Kind: message.AnnounceActive, Suffix: suffix})
		}
	}

	o.subs = append(o.subs, state)
	return &AnnouncedReader{state: state, origin: o}
}

// ConsumePrefix returns the broadcasts currently matching prefix, keyed by
// suffix. Unlike Announced this is a one-shot snapshot, not a live stream;
// callers that need updates should also call Announced.
func (o *Origin) ConsumePrefix(prefix BroadcastPath) map[string]*BroadcastConsumer {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[string]*BroadcastConsumer{}
	for p, b := range o.active {
		if suffix, ok := strings.CutPrefix(string(p), string(prefix)); ok {
			out[suffix] = b.Clone()
		}
	}
	return out
}

// PublishAll re-publishes every broadcast currently in other, and every one
// announced later, under the same path in o (spec §4.5 "used for cluster
// fan-in"). It runs until ctx is cancelled.
func (o *Origin) PublishAll(ctx context.Context, other *Origin) {
	reader := other.Announced("")
	go func() {
		for {
			ann, err := reader.Next(ctx)
			if err != nil {
				return
			}
			if ann.Kind != message.AnnounceActive {
				continue
			}
			path := BroadcastPath(ann.Suffix)
			if b, ok := other.Consume(path); ok {
				o.Publish(path, b)
			}
		}
	}()
}

// Close emits Ended for every currently active path to every subscriber,
// mirroring the Rust original's Drop impl for its producer state.
func (o *Origin) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.active))
	for p := range o.active {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)
	for _, p := range paths {
		delete(o.active, BroadcastPath(p))
		o.notifyLocked(BroadcastPath(p), message.AnnounceEnded)
	}
}

// notifyLocked must be called with o.mu held.
func (o *Origin) notifyLocked(path BroadcastPath, kind message.AnnounceKind) {
	for _, s := range o.subs {
		if s.closed() {
			continue
		}
		if suffix, ok := strings.CutPrefix(string(path), string(s.prefix)); ok {
			s.push(kind, suffix)
		}
	}
}

// prune drops subscriptions whose reader has been closed. Must be called
// with o.mu held.
func (o *Origin) prune() {
	live := o.subs[:0]
	for _, s := range o.subs {
		if !s.closed() {
			live = append(live, s)
		}
	}
	o.subs = live
}

// announcedState is the per-subscriber queue of pending Announce events,
// analogous to the Rust original's ConsumerState behind a Lock plus an
// mpsc wakeup channel.
type announcedState struct {
	mu      sync.Mutex
	prefix  BroadcastPath
	queue   []message.Announce
	changed chan struct{}
	done    bool
}

func (s *announcedState) push(kind message.AnnounceKind, suffix string) {
	s.mu.Lock()
	s.queue = append(s.queue, message.Announce{Kind: kind, Suffix: suffix})
	ch := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

func (s *announcedState) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *announcedState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
}

// AnnouncedReader delivers Active/Ended events for paths matching a single
// prefix, starting with a snapshot of whatever already matched.
type AnnouncedReader struct {
	state  *announcedState
	origin *Origin
}

// Next blocks until the next event for this subscription's prefix.
func (r *AnnouncedReader) Next(ctx context.Context) (message.Announce, error) {
	for {
		r.state.mu.Lock()
		if len(r.state.queue) > 0 {
			a := r.state.queue[0]
			r.state.queue = r.state.queue[1:]
			r.state.mu.Unlock()
			return a, nil
		}
		ch := r.state.changed
		r.state.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return message.Announce{}, ctx.Err()
		}
	}
}

// Close stops delivering events to this reader; the Origin drops it from its
// subscriber list on its next Publish call.
func (r *AnnouncedReader) Close() {
	r.state.close()
}
