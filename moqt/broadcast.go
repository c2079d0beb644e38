package moqt

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Broadcast is a named collection of Tracks (spec §3, §4.4): some tracks are
// explicitly published, others are produced lazily the first time a consumer
// requests a name nobody has published yet.
type Broadcast struct {
	Path BroadcastPath
}

// Produce creates a writer/reader pair for a new, empty broadcast.
func (b Broadcast) Produce() (*BroadcastProducer, *BroadcastConsumer) {
	published := newWatchState(publishedState{tracks: map[TrackName]*TrackConsumer{}})
	requested := &requestedTracks{mu: sync.Mutex{}, pending: map[TrackName]*TrackProducer{}, changed: make(chan struct{})}
	refs := newWatchState(0)
	return &BroadcastProducer{info: b, published: published, requested: requested, refs: refs},
		&BroadcastConsumer{info: b, published: published, requested: requested, refs: refs}
}

type publishedState struct {
	tracks map[TrackName]*TrackConsumer
	closed bool
}

// requestedTracks holds tracks a consumer asked for that nobody has
// published yet, keyed by name so concurrent subscribes to the same unknown
// name dedupe onto one producer (spec §4.4 step 3).
type requestedTracks struct {
	mu      sync.Mutex
	pending map[TrackName]*TrackProducer
	changed chan struct{}
}

func (r *requestedTracks) snapshot() (map[TrackName]*TrackProducer, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.changed
}

// insert adds name to the pending set unless it is already there, returning
// the writer that will end up serving it either way.
func (r *requestedTracks) insert(name TrackName, w *TrackProducer) (*TrackProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pending[name]; ok {
		return existing, false
	}
	r.pending[name] = w
	r.wake()
	return w, true
}

// popFirst removes and returns the lexicographically smallest pending
// request, matching the Rust original's BTreeMap::pop_first.
func (r *requestedTracks) popFirst() (TrackName, *TrackProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return "", nil, false
	}
	names := make([]string, 0, len(r.pending))
	for n := range r.pending {
		names = append(names, string(n))
	}
	sort.Strings(names)
	name := TrackName(names[0])
	w := r.pending[name]
	delete(r.pending, name)
	return name, w, true
}

// dropPending removes name if it is still unclaimed, reporting whether it
// did. Used by the request timeout to abandon a request nobody answered.
func (r *requestedTracks) dropPending(name TrackName, w *TrackProducer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[name]; ok && cur == w {
		delete(r.pending, name)
		return true
	}
	return false
}

// clear empties the pending set and returns every writer that was still
// unclaimed, so the caller can terminate them instead of leaving their
// consumers blocked forever once no one will ever pop them.
func (r *requestedTracks) clear() []*TrackProducer {
	r.mu.Lock()
	defer r.mu.Unlock()
	writers := make([]*TrackProducer, 0, len(r.pending))
	for _, w := range r.pending {
		writers = append(writers, w)
	}
	r.pending = map[TrackName]*TrackProducer{}
	r.wake()
	return writers
}

// wake must be called with mu held.
func (r *requestedTracks) wake() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// BroadcastProducer receives broadcast/track requests and decides whether it
// can fulfill them (spec §4.4).
type BroadcastProducer struct {
	info      Broadcast
	published *watchState[publishedState]
	requested *requestedTracks
	refs      *watchState[int]
}

// Requested blocks until a consumer asks for a track nobody has published
// yet, then hands back its writer so the caller can populate it (or abort
// it with ErrNotFound). Returns nil once the broadcast has finished and
// every outstanding request has been cleared.
func (w *BroadcastProducer) Requested(ctx context.Context) *TrackProducer {
	for {
		pending, changed := w.requested.snapshot()
		if len(pending) > 0 {
			name, tw, ok := w.requested.popFirst()
			if ok {
				w.published.update(func(s publishedState) (publishedState, bool) {
					s.tracks[name] = tw.Consume()
					return s, true
				})
				return tw
			}
			continue
		}
		if w.published.get().closed {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}

// Create produces a new track and immediately publishes it.
func (w *BroadcastProducer) Create(track Track) *TrackProducer {
	tw, tr := track.Produce()
	w.Insert(tr)
	return tw
}

// Insert publishes an already-produced track reader under its name,
// returning false if a track of that name was already published. A
// background watcher removes the entry once the track closes (spec §4.4
// "publisher.insert ... watchdog").
func (w *BroadcastProducer) Insert(track *TrackConsumer) bool {
	name := track.Info().Name
	prior := false
	w.published.update(func(s publishedState) (publishedState, bool) {
		_, prior = s.tracks[name]
		s.tracks[name] = track
		return s, true
	})

	go func() {
		track.Closed(context.Background())
		w.published.update(func(s publishedState) (publishedState, bool) {
			cur, ok := s.tracks[name]
			if !ok || cur != track {
				return s, false
			}
			delete(s.tracks, name)
			return s, true
		})
	}()

	return !prior
}

// Finish marks the broadcast closed: no more tracks will be published,
// every outstanding Requested() call returns nil, and every track request
// still unanswered is aborted immediately rather than left to its
// individual DefaultTrackRequestTimeout (spec §4.4 step 2: a closed
// broadcast hands back a dead consumer).
func (w *BroadcastProducer) Finish() {
	w.published.update(func(s publishedState) (publishedState, bool) {
		if s.closed {
			return s, false
		}
		s.closed = true
		return s, true
	})
	for _, tw := range w.requested.clear() {
		tw.Abort(ErrNotFound)
	}
}

// Consume returns a new reader over this broadcast, incrementing the
// refcount Unused waits on.
func (w *BroadcastProducer) Consume() *BroadcastConsumer {
	w.refs.update(func(n int) (int, bool) { return n + 1, true })
	return &BroadcastConsumer{info: w.info, published: w.published, requested: w.requested, refs: w.refs}
}

// Unused blocks until no BroadcastConsumer derived from this writer remains
// open. A new reader may be created afterwards by calling Consume again, at
// which point Unused blocks again.
func (w *BroadcastProducer) Unused(ctx context.Context) error {
	for {
		n, _, changed := w.refs.snapshot()
		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BroadcastConsumer subscribes to arbitrary tracks of a broadcast, creating
// them on demand if nobody has published them yet.
type BroadcastConsumer struct {
	info       Broadcast
	published  *watchState[publishedState]
	requested  *requestedTracks
	refs       *watchState[int]
	closedOnce bool
}

func (r *BroadcastConsumer) Info() Broadcast { return r.info }

// Clone returns another independent handle sharing the same broadcast,
// incrementing the refcount Unused waits on.
func (r *BroadcastConsumer) Clone() *BroadcastConsumer {
	r.refs.update(func(n int) (int, bool) { return n + 1, true })
	return &BroadcastConsumer{info: r.info, published: r.published, requested: r.requested, refs: r.refs}
}

// Close releases this reader's hold on the broadcast.
func (r *BroadcastConsumer) Close() {
	if r.closedOnce {
		return
	}
	r.closedOnce = true
	r.refs.update(func(n int) (int, bool) { return n - 1, true })
}

// Subscribe resolves a track by name following spec §4.4's four-step
// lookup: an explicitly published track wins; a closed broadcast returns an
// already-finished track; an in-flight request for the same name is
// deduplicated onto the same producer; otherwise a new track is produced
// and registered as a pending request, bounded by DefaultTrackRequestTimeout
// so an unanswered subscribe eventually fails with ErrNotFound.
func (r *BroadcastConsumer) Subscribe(track Track) *TrackConsumer {
	s := r.published.get()

	if s.closed {
		tw, tr := track.Produce()
		tw.Abort(ErrNotFound)
		return tr
	}

	if existing, ok := s.tracks[track.Name]; ok {
		return existing.Clone()
	}

	tw, tr := track.Produce()
	claimed, isNew := r.requested.insert(track.Name, tw)
	if !isNew {
		// Someone beat us to it; use their producer's consumer instead.
		return claimed.Consume()
	}

	go func(name TrackName, w *TrackProducer) {
		timer := time.NewTimer(DefaultTrackRequestTimeout)
		defer timer.Stop()
		<-timer.C
		if r.requested.dropPending(name, w) {
			w.Abort(ErrNotFound)
		}
	}(track.Name, tw)

	return tr
}

// Closed blocks until the broadcast has finished (publisher side called
// Finish, or the broadcast was never going to be published further).
func (r *BroadcastConsumer) Closed(ctx context.Context) error {
	for {
		s, _, changed := r.published.snapshot()
		if s.closed {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
