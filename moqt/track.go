package moqt

import "context"

// Track is an ordered, monotonic sequence of Groups identified by name and
// priority (spec §3, §4.3). It is not a history: a Track exposes only the
// current latest Group and forward deltas. A reader that falls behind jumps
// directly to the newest group rather than replaying every group in between
// — MoQ favors freshness over completeness (spec §9 "Partial reliability").
type Track struct {
	Path     BroadcastPath
	Name     TrackName
	Priority int8
}

// Produce creates a writer/reader pair for a new, empty track.
func (t Track) Produce() (*TrackProducer, *TrackConsumer) {
	state := newWatchState(trackState{})
	refs := newWatchState(0)
	return &TrackProducer{info: t, state: state, refs: refs},
		&TrackConsumer{info: t, state: state, refs: refs}
}

type trackState struct {
	hasLatest bool
	latestSeq GroupSequence
	latest    *GroupConsumer
	done      bool
	err       error
}

// TrackProducer appends groups to a track. The next sequence number is tracked
// locally so AppendGroup never needs to take the lock twice.
type TrackProducer struct {
	info  Track
	state *watchState[trackState]
	refs  *watchState[int]
	next  GroupSequence
}

// CreateGroup starts a group with the given sequence number. It returns
// ok=false without creating anything if sequence is not strictly greater
// than the current latest (duplicates/out-of-order groups are no-ops, spec
// §4.3).
func (w *TrackProducer) CreateGroup(sequence GroupSequence) (*GroupProducer, bool) {
	gw, gr := Group{Sequence: sequence}.Produce()

	accepted := w.state.update(func(s trackState) (trackState, bool) {
		if s.hasLatest && sequence <= s.latestSeq {
			return s, false
		}
		s.hasLatest = true
		s.latestSeq = sequence
		s.latest = gr
		return s, true
	})
	if !accepted {
		return nil, false
	}
	if sequence >= w.next {
		w.next = sequence + 1
	}
	return gw, true
}

// AppendGroup creates a group with the next sequence number after the
// current latest (0 if this is the first group).
func (w *TrackProducer) AppendGroup() *GroupProducer {
	gw, ok := w.CreateGroup(w.next)
	if !ok {
		// Cannot happen: next is always strictly greater than latestSeq.
		panic("moqt: append_group produced a non-monotonic sequence")
	}
	return gw
}

// Finish closes the track successfully.
func (w *TrackProducer) Finish() error {
	ok := w.state.update(func(s trackState) (trackState, bool) {
		if s.done {
			return s, false
		}
		s.done = true
		return s, true
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// Abort terminates the track with an error.
func (w *TrackProducer) Abort(err error) {
	w.state.update(func(s trackState) (trackState, bool) {
		if s.done {
			return s, false
		}
		s.done = true
		s.err = err
		return s, true
	})
}

// Consume returns a new reader for this track, with no groups yet seen.
func (w *TrackProducer) Consume() *TrackConsumer {
	w.refs.update(func(n int) (int, bool) { return n + 1, true })
	return &TrackConsumer{info: w.info, state: w.state, refs: w.refs}
}

// Unused blocks until no TrackConsumer derived from this writer remains open.
// A background cleanup task typically awaits this to remove the track from
// its parent Broadcast (spec §9 "Shared mutable graphs").
func (w *TrackProducer) Unused(ctx context.Context) error {
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

// TrackConsumer consumes groups from a track, always jumping to the latest
// group rather than replaying history.
type TrackConsumer struct {
	info       Track
	state      *watchState[trackState]
	refs       *watchState[int]
	prev       GroupSequence
	seen       bool
	closedOnce bool
}

func (r *TrackConsumer) Info() Track { return r.info }

// Clone creates an independent reader cursor sharing the same underlying
// track (coalesces with the original for refcounting purposes).
func (r *TrackConsumer) Clone() *TrackConsumer {
	r.refs.update(func(n int) (int, bool) { return n + 1, true })
	return &TrackConsumer{info: r.info, state: r.state, refs: r.refs, prev: r.prev, seen: r.seen}
}

// Close releases this reader's hold on the track, allowing Unused to fire
// once every reader has been closed.
func (r *TrackConsumer) Close() {
	if r.closedOnce {
		return
	}
	r.closedOnce = true
	r.refs.update(func(n int) (int, bool) { return n - 1, true })
}

// Closed blocks until the track reaches a terminal state (finished or
// aborted), returning the abort error if any. Used by a Broadcast to know
// when to drop a published track.
func (r *TrackConsumer) Closed(ctx context.Context) error {
	for {
		s, _, changed := r.state.snapshot()
		if s.done {
			return s.err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextGroup blocks until a group newer than the last one seen exists, or the
// track reaches a terminal state. It always returns the current latest group,
// skipping ahead over any groups the reader missed while it was away.
func (r *TrackConsumer) NextGroup(ctx context.Context) (*GroupConsumer, error) {
	for {
		s, _, changed := r.state.snapshot()
		if s.hasLatest && (!r.seen || s.latestSeq > r.prev) {
			r.seen = true
			r.prev = s.latestSeq
			return s.latest.Clone(), nil
		}
		if s.done {
			if s.err != nil {
				return nil, s.err
			}
			return nil, errFrameEOF
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ErrCancel
		}
	}
}
