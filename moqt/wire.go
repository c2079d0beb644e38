package moqt

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/okdaichi/qumo/moqt/message"
	"github.com/okdaichi/qumo/quic"
)

// GroupWriter serializes one Group's Frames onto a unidirectional data
// stream (spec §4.6.1, §6.1). It is the wire-bound counterpart of
// GroupProducer: a publisher's session engine drains a GroupConsumer and
// copies each frame into a GroupWriter.
type GroupWriter struct {
	Sequence GroupSequence

	stream quic.SendStream
	mu     sync.Mutex
	closed bool
}

func newGroupWriter(stream quic.SendStream, sequence GroupSequence) *GroupWriter {
	return &GroupWriter{Sequence: sequence, stream: stream}
}

// WriteFrame writes one complete frame (header plus payload) to the stream.
func (gw *GroupWriter) WriteFrame(payload []byte) error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return ErrClosed
	}
	hdr := message.Frame{Size: uint64(len(payload))}.Encode()
	if _, err := gw.stream.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := gw.stream.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Close finishes the group cleanly (FIN); the reader sees NextFrame return
// io.EOF once it has drained every frame already written.
func (gw *GroupWriter) Close() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return nil
	}
	gw.closed = true
	return gw.stream.Close()
}

// Abort terminates the group stream with a RESET carrying err's code,
// matching GroupProducer.Abort on the model layer (spec §4.6.7).
func (gw *GroupWriter) Abort(err error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return
	}
	gw.closed = true
	gw.stream.CancelWrite(quic.StreamErrorCode(codeOf(err)))
}

// GroupReader deserializes one Group's Frames from a unidirectional data
// stream.
type GroupReader struct {
	Sequence GroupSequence

	stream quic.ReceiveStream
	r      *bufio.Reader
}

func newGroupReader(stream quic.ReceiveStream, sequence GroupSequence, r *bufio.Reader) *GroupReader {
	return &GroupReader{Sequence: sequence, stream: stream, r: r}
}

// NextFrame reads the next frame's full payload. It returns io.EOF once the
// stream ends cleanly with no further frame header, matching Rust's
// decode_maybe semantics.
func (gr *GroupReader) NextFrame(ctx context.Context) ([]byte, error) {
	hdr, err := message.DecodeFrame(gr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	buf := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if _, err := io.ReadFull(gr.r, buf); err != nil {
			return nil, ErrWrongSize
		}
	}
	return buf, nil
}

func (gr *GroupReader) Abort(err error) {
	gr.stream.CancelRead(quic.StreamErrorCode(codeOf(err)))
}

// TrackWriter is handed to a TrackHandler's ServeTrack for one incoming
// Subscribe. It opens one unidirectional data stream per Group.
type TrackWriter struct {
	BroadcastPath BroadcastPath
	TrackName     TrackName

	subscribeID uint64
	priority    int8
	conn        quic.Connection
	ctx         context.Context
	cancel      context.CancelCauseFunc
	closeOnce   sync.Once
}

func newTrackWriter(ctx context.Context, conn quic.Connection, path BroadcastPath, name TrackName, id uint64, priority int8) *TrackWriter {
	c, cancel := context.WithCancelCause(ctx)
	return &TrackWriter{
		BroadcastPath: path,
		TrackName:     name,
		subscribeID:   id,
		priority:      priority,
		conn:          conn,
		ctx:           c,
		cancel:        cancel,
	}
}

// Context is cancelled once the subscription ends, whether because the
// subscriber unsubscribed, the session closed, or CloseWithError was called.
func (tw *TrackWriter) Context() context.Context { return tw.ctx }

// CloseWithError ends the subscription, signalling code to the subscriber.
func (tw *TrackWriter) CloseWithError(code ErrorCode) error {
	tw.closeOnce.Do(func() {
		tw.cancel(NewError(code, ""))
	})
	return nil
}

// OpenGroupAt opens a new data stream carrying the group at sequence,
// prioritized per spec §6.3. Opening is bounded by openGroupTimeout so a
// flow-control-blocked peer is reported as a timeout rather than stalling
// the caller indefinitely (spec §4.6.3, §9).
func (tw *TrackWriter) OpenGroupAt(sequence GroupSequence) (*GroupWriter, error) {
	ctx, cancel := context.WithTimeout(tw.ctx, openGroupTimeout)
	defer cancel()
	s, err := tw.conn.OpenUniStreamSync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	s.SetPriority(StreamPriority(tw.priority, uint64(sequence)))
	if _, err := s.Write(message.WriteVarint(nil, uint64(message.DataTypeGroup))); err != nil {
		return nil, err
	}
	hdr := message.Group{Subscribe: tw.subscribeID, Sequence: uint64(sequence)}.Encode()
	if _, err := s.Write(hdr); err != nil {
		return nil, err
	}
	return newGroupWriter(s, sequence), nil
}

// TrackReader is returned by Session.Subscribe. It accepts one GroupReader
// per incoming data stream belonging to this subscription.
type TrackReader struct {
	BroadcastPath BroadcastPath
	TrackName     TrackName

	subscribeID uint64
	groups      chan *GroupReader
	ctx         context.Context
	cancel      context.CancelCauseFunc
}

func newTrackReader(ctx context.Context, path BroadcastPath, name TrackName, id uint64) *TrackReader {
	c, cancel := context.WithCancelCause(ctx)
	return &TrackReader{
		BroadcastPath: path,
		TrackName:     name,
		subscribeID:   id,
		groups:        make(chan *GroupReader, 8),
		ctx:           c,
		cancel:        cancel,
	}
}

// AcceptGroup blocks until the next Group's data stream arrives, or ctx (or
// the subscription itself) is cancelled.
func (tr *TrackReader) AcceptGroup(ctx context.Context) (*GroupReader, error) {
	select {
	case gr, ok := <-tr.groups:
		if !ok {
			return nil, context.Cause(tr.ctx)
		}
		return gr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tr.ctx.Done():
		return nil, context.Cause(tr.ctx)
	}
}

func (tr *TrackReader) deliver(gr *GroupReader) bool {
	if tr.ctx.Err() != nil {
		return false
	}
	select {
	case tr.groups <- gr:
		return true
	case <-tr.ctx.Done():
		return false
	}
}

func (tr *TrackReader) close(cause error) {
	tr.cancel(cause)
}
