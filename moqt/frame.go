package moqt

import "context"

// Frame is an opaque, length-declared payload (spec §3, §4.1). It is produced
// as one or more chunks by exactly one writer and fanned out to any number of
// readers, each of which sees every chunk from index 0 regardless of when it
// started reading.
type Frame struct {
	Size uint64
}

// Produce creates a writer/reader pair for a new frame of the declared size.
func (f Frame) Produce() (*FrameProducer, *FrameConsumer) {
	state := newWatchState(frameState{})
	return &FrameProducer{info: f, state: state}, &FrameConsumer{info: f, state: state}
}

type frameState struct {
	chunks  [][]byte
	written uint64
	done    bool
	err     error
}

// FrameProducer appends chunks to a Frame until the declared size is reached.
type FrameProducer struct {
	info  Frame
	state *watchState[frameState]
}

// Write appends a chunk. It fails with ErrWrongSize if the cumulative length
// would exceed the frame's declared size.
func (w *FrameProducer) Write(chunk []byte) error {
	var writeErr error
	w.state.update(func(s frameState) (frameState, bool) {
		if s.done {
			writeErr = ErrClosed
			return s, false
		}
		if s.written+uint64(len(chunk)) > w.info.Size {
			writeErr = ErrWrongSize
			return s, false
		}
		s.chunks = append(append([][]byte(nil), s.chunks...), chunk)
		s.written += uint64(len(chunk))
		return s, true
	})
	return writeErr
}

// Finish closes the frame successfully. It requires the cumulative written
// length to equal the declared size, failing with ErrWrongSize otherwise; on
// failure the frame is left open so the caller may write more or Abort.
func (w *FrameProducer) Finish() error {
	cur := w.state.get()
	if cur.done {
		return ErrClosed
	}
	if cur.written != w.info.Size {
		return ErrWrongSize
	}
	w.state.update(func(s frameState) (frameState, bool) {
		s.done = true
		return s, true
	})
	return nil
}

// Abort terminates the frame with an error, waking every blocked reader.
func (w *FrameProducer) Abort(err error) {
	w.state.update(func(s frameState) (frameState, bool) {
		if s.done {
			return s, false
		}
		s.done = true
		s.err = err
		return s, true
	})
}

// FrameConsumer reads chunks of a Frame in append order. Multiple readers
// (via Clone) each track their own cursor and observe every chunk from 0.
type FrameConsumer struct {
	info  Frame
	state *watchState[frameState]
	index int
}

// Clone returns an independent reader positioned at the start of the frame.
func (r *FrameConsumer) Clone() *FrameConsumer {
	return &FrameConsumer{info: r.info, state: r.state}
}

// Read returns the next chunk, an error for which EOF reports true when the
// frame finished cleanly, or the abort error. It blocks until a chunk is
// available, the frame closes, or ctx is done (returning ErrCancel).
func (r *FrameConsumer) Read(ctx context.Context) ([]byte, error) {
	for {
		s, _, changed := r.state.snapshot()
		if r.index < len(s.chunks) {
			chunk := s.chunks[r.index]
			r.index++
			return chunk, nil
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

// ReadAll reads every chunk and returns the concatenated payload.
func (r *FrameConsumer) ReadAll(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, r.info.Size)
	for {
		chunk, err := r.Read(ctx)
		if err == errFrameEOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

// errFrameEOF is the internal "no more chunks, clean end" sentinel; ReadAll
// translates it to a nil error and Read callers test for it with the exported
// EOF function below.
var errFrameEOF = NewError(NoErrorCode, "frame finished")

// EOF reports whether err signals a clean, non-error end of a Frame/Group/Track.
func EOF(err error) bool {
	return err == errFrameEOF
}
