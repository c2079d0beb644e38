package moqt

import "context"

// Group is an ordered, append-only sequence of Frames plus a monotonic
// sequence number (spec §3, §4.2). It is append-only; new frames are visible
// to all readers immediately. It ends in one of two terminal states:
// finished (no more frames) or aborted with an error.
type Group struct {
	Sequence GroupSequence
}

// Produce creates a writer/reader pair for a new group.
func (g Group) Produce() (*GroupProducer, *GroupConsumer) {
	state := newWatchState(groupState{})
	return &GroupProducer{info: g, state: state}, &GroupConsumer{info: g, state: state}
}

type groupState struct {
	frames []*FrameConsumer
	done   bool
	err    error
}

// GroupProducer produces frames within a group in order.
type GroupProducer struct {
	info  Group
	state *watchState[groupState]
}

func (w *GroupProducer) Sequence() GroupSequence { return w.info.Sequence }

// CreateFrame starts a new frame of the declared size, appending it to the
// group and returning its writer.
func (w *GroupProducer) CreateFrame(size uint64) (*FrameProducer, error) {
	fw, fr := Frame{Size: size}.Produce()
	var rejected error
	w.state.update(func(s groupState) (groupState, bool) {
		if s.done {
			rejected = ErrClosed
			return s, false
		}
		s.frames = append(append([]*FrameConsumer(nil), s.frames...), fr)
		return s, true
	})
	if rejected != nil {
		return nil, rejected
	}
	return fw, nil
}

// Finish closes the group successfully; no more frames may be created.
func (w *GroupProducer) Finish() error {
	ok := w.state.update(func(s groupState) (groupState, bool) {
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

// Abort terminates the group with an error, matching a RESET on the group's
// data stream (spec §4.6.7).
func (w *GroupProducer) Abort(err error) {
	w.state.update(func(s groupState) (groupState, bool) {
		if s.done {
			return s, false
		}
		s.done = true
		s.err = err
		return s, true
	})
}

// GroupConsumer reads frames of a group in order. Clone for independent
// fan-out cursors.
type GroupConsumer struct {
	info  Group
	state *watchState[groupState]
	index int
}

func (r *GroupConsumer) Sequence() GroupSequence { return r.info.Sequence }

func (r *GroupConsumer) Clone() *GroupConsumer {
	return &GroupConsumer{info: r.info, state: r.state, index: r.index}
}

// NextFrame blocks until a new frame is available or the group reaches a
// terminal state.
func (r *GroupConsumer) NextFrame(ctx context.Context) (*FrameConsumer, error) {
	for {
		s, _, changed := r.state.snapshot()
		if r.index < len(s.frames) {
			fr := s.frames[r.index]
			r.index++
			return fr, nil
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
