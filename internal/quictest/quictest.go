// Package quictest provides an in-memory quic.Connection pair for driving
// moqt's session layer end to end without a real QUIC/WebTransport
// endpoint, the same role net/http/httptest's in-process transports play
// for net/http. It exists only to be imported from test files.
package quictest

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/okdaichi/qumo/quic"
)

// NewConnPair returns two connected in-memory quic.Connection endpoints.
// Opening a stream on one side delivers its peer endpoint to
// AcceptStream/AcceptUniStream on the other, so moqt.Dial and a server's
// accept loop can run against it exactly as they would against real QUIC.
func NewConnPair() (quic.Connection, quic.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &conn{ctx: ctx, cancel: cancel, bi: make(chan quic.Stream, 16), uni: make(chan quic.ReceiveStream, 16)}
	b := &conn{ctx: ctx, cancel: cancel, bi: make(chan quic.Stream, 16), uni: make(chan quic.ReceiveStream, 16)}
	a.peer, b.peer = b, a
	return a, b
}

type conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	peer   *conn

	bi  chan quic.Stream
	uni chan quic.ReceiveStream
}

func (c *conn) OpenStream() (quic.Stream, error) {
	local, remote := newStreamPair()
	c.peer.bi <- remote
	return local, nil
}

func (c *conn) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	return c.OpenStream()
}

func (c *conn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	select {
	case s := <-c.bi:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *conn) OpenUniStream() (quic.SendStream, error) {
	local, remote := newUniStreamPair()
	c.peer.uni <- remote
	return local, nil
}

func (c *conn) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	return c.OpenUniStream()
}

func (c *conn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	select {
	case s := <-c.uni:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *conn) SendDatagram(b []byte) error { return nil }

func (c *conn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	c.cancel()
	return nil
}

func (c *conn) ConnectionState() quic.ConnectionState { return quic.ConnectionState{} }
func (c *conn) Context() context.Context              { return c.ctx }
func (c *conn) LocalAddr() net.Addr                   { return addr{} }
func (c *conn) RemoteAddr() net.Addr                  { return addr{} }

type addr struct{}

func (addr) Network() string { return "pipe" }
func (addr) String() string  { return "pipe" }

// stream implements quic.Stream (and, with one half left nil, just
// quic.SendStream or quic.ReceiveStream) over a pair of io.Pipes.
type stream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	ctx    context.Context
	cancel context.CancelFunc
}

// newStreamPair returns two endpoints of one bidirectional stream, each
// able to read what the other writes.
func newStreamPair() (quic.Stream, quic.Stream) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	local := &stream{r: br, w: aw, ctx: ctx, cancel: cancel}
	remote := &stream{r: ar, w: bw, ctx: ctx, cancel: cancel}
	return local, remote
}

// newUniStreamPair returns the write half and read half of one
// unidirectional stream.
func newUniStreamPair() (quic.SendStream, quic.ReceiveStream) {
	r, w := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	local := &stream{w: w, ctx: ctx, cancel: cancel}
	remote := &stream{r: r, ctx: ctx, cancel: cancel}
	return local, remote
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stream) Close() error {
	if s.w != nil {
		return s.w.Close()
	}
	return nil
}

func (s *stream) Context() context.Context { return s.ctx }

func (s *stream) CancelRead(quic.StreamErrorCode) {
	if s.r != nil {
		s.r.CloseWithError(io.ErrClosedPipe)
	}
}

func (s *stream) CancelWrite(quic.StreamErrorCode) {
	if s.w != nil {
		s.w.CloseWithError(io.ErrClosedPipe)
	}
}

func (s *stream) SetReadDeadline(time.Time) error  { return nil }
func (s *stream) SetWriteDeadline(time.Time) error { return nil }
func (s *stream) SetPriority(int64)                {}
