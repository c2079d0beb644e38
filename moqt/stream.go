package moqt

import (
	"bufio"
	"bytes"
	"context"

	"github.com/okdaichi/qumo/moqt/message"
	"github.com/okdaichi/qumo/quic"
)

// controlStream is a bidirectional QUIC stream dedicated to one ControlType's
// worth of request/response traffic (spec §4.6.1). Every message written to
// it is length-framed so a reader can resynchronize after a message it
// doesn't recognize instead of losing the stream.
type controlStream struct {
	quic.Stream
	r *bufio.Reader
}

func newControlStream(s quic.Stream) *controlStream {
	return &controlStream{Stream: s, r: bufio.NewReader(s)}
}

// openControl opens a new control stream and writes its type tag.
func openControl(ctx context.Context, conn quic.Connection, typ message.ControlType) (*controlStream, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(message.WriteVarint(nil, uint64(typ))); err != nil {
		return nil, err
	}
	return newControlStream(s), nil
}

// acceptControl accepts the next control stream and reads its type tag.
func acceptControl(ctx context.Context, conn quic.Connection) (*controlStream, message.ControlType, error) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, 0, err
	}
	r := bufio.NewReader(s)
	typ, err := message.ReadVarint(r)
	if err != nil {
		return nil, 0, err
	}
	return &controlStream{Stream: s, r: r}, message.ControlType(typ), nil
}

// writeMessage length-frames and writes one encoded message body.
func (c *controlStream) writeMessage(body []byte) error {
	_, err := c.Write(message.WriteFramed(body))
	return err
}

// readMessage reads one length-framed message body and hands back a reader
// over just that body, so a malformed or unrecognized field can't run past
// its own message boundary.
func (c *controlStream) readMessage() (*bufio.Reader, error) {
	body, err := message.ReadFramed(c.r)
	if err != nil {
		return nil, err
	}
	return bufio.NewReader(bytes.NewReader(body)), nil
}

func (c *controlStream) abort(err error) {
	c.CancelWrite(quic.StreamErrorCode(codeOf(err)))
	c.CancelRead(quic.StreamErrorCode(codeOf(err)))
}

// codeOf extracts the ErrorCode carried by err, defaulting to
// InternalErrorCode for anything that isn't one of ours.
func codeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return InternalErrorCode
}
