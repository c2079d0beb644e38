// Package webtransport bridges quic-go/webtransport-go to the module's
// transport-agnostic quic package, so the session layer can run over
// WebTransport-over-HTTP/3 without importing webtransport-go itself.
package webtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/okdaichi/qumo/quic"
	quicgo "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	wtgo "github.com/quic-go/webtransport-go"
)

// Server upgrades incoming HTTP/3 requests to WebTransport sessions and
// serves them as quic.Connections.
type Server interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (quic.Connection, error)
	ServeQUICConn(conn quic.Connection) error

	// ListenAndServe runs the HTTP/3 listener on addr with the given TLS
	// config, dispatching non-WebTransport requests to handler.
	ListenAndServe(addr string, tlsConfig *tls.Config, quicConfig *quicgo.Config, handler http.Handler) error
	Close() error
	Shutdown(ctx context.Context) error
}

// NewServer builds a Server backed by webtransport-go. CheckOrigin may be nil
// to accept every origin.
//
// webtransport-go requires H3 to be set to a non-nil *http3.Server before any
// session is served; ConfigureHTTP3Server installs the settings WebTransport
// needs on it.
func NewServer(checkOrigin func(*http.Request) bool) Server {
	h3 := &http3.Server{}
	wtgo.ConfigureHTTP3Server(h3)
	return &server{inner: &wtgo.Server{H3: h3, CheckOrigin: checkOrigin}}
}

type server struct {
	inner *wtgo.Server
}

func (s *server) ListenAndServe(addr string, tlsConfig *tls.Config, quicConfig *quicgo.Config, handler http.Handler) error {
	s.inner.H3.Addr = addr
	s.inner.H3.TLSConfig = tlsConfig
	s.inner.H3.QUICConfig = quicConfig
	s.inner.H3.Handler = handler
	return s.inner.H3.ListenAndServe()
}

func (s *server) Upgrade(w http.ResponseWriter, r *http.Request) (quic.Connection, error) {
	sess, err := s.inner.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	return &sessionConn{sess: sess}, nil
}

type quicgoUnwrapper interface {
	Unwrap() *quicgo.Conn
}

// ServeQUICConn hands an already-accepted QUIC connection to the HTTP/3 +
// WebTransport stack. conn must have come from this package (it needs to
// unwrap back to the underlying *quicgo.Conn).
func (s *server) ServeQUICConn(conn quic.Connection) error {
	if conn == nil {
		return nil
	}
	u, ok := conn.(quicgoUnwrapper)
	if !ok {
		return errors.New("webtransport: connection did not originate from this package")
	}
	return s.inner.ServeQUICConn(u.Unwrap())
}

func (s *server) Close() error { return s.inner.Close() }

func (s *server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.inner.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Dial opens a WebTransport session to url, upgrading an HTTP/3 request.
func Dial(ctx context.Context, d *wtgo.Dialer, url string, header http.Header) (quic.Connection, error) {
	_, sess, err := d.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &sessionConn{sess: sess}, nil
}

// sessionConn adapts *wtgo.Session to quic.Connection.
type sessionConn struct {
	sess *wtgo.Session
}

func (c *sessionConn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	s, err := c.sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s}, nil
}

func (c *sessionConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	s, err := c.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &recvStream{s}, nil
}

func (c *sessionConn) OpenStream() (quic.Stream, error) {
	s, err := c.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return &stream{s}, nil
}

func (c *sessionConn) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	s, err := c.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s}, nil
}

func (c *sessionConn) OpenUniStream() (quic.SendStream, error) {
	s, err := c.sess.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return &sendStream{s}, nil
}

func (c *sessionConn) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	s, err := c.sess.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &sendStream{s}, nil
}

func (c *sessionConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.sess.ReceiveDatagram(ctx)
}
func (c *sessionConn) SendDatagram(b []byte) error { return c.sess.SendDatagram(b) }

func (c *sessionConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return c.sess.CloseWithError(wtgo.SessionErrorCode(code), reason)
}

func (c *sessionConn) ConnectionState() quic.ConnectionState {
	return c.sess.SessionState().ConnectionState
}

func (c *sessionConn) Context() context.Context { return c.sess.Context() }
func (c *sessionConn) LocalAddr() net.Addr      { return c.sess.LocalAddr() }
func (c *sessionConn) RemoteAddr() net.Addr     { return c.sess.RemoteAddr() }

// Unwrap exposes the underlying quic-go connection so ServeQUICConn can hand
// it back to the HTTP/3 stack.
func (c *sessionConn) Unwrap() *quicgo.Conn { return c.sess.SessionState().Conn }

type stream struct{ s *wtgo.Stream }

func (s *stream) Read(b []byte) (int, error)  { return s.s.Read(b) }
func (s *stream) Write(b []byte) (int, error) { return s.s.Write(b) }
func (s *stream) Close() error                { return s.s.Close() }
func (s *stream) Context() context.Context    { return s.s.Context() }
func (s *stream) CancelRead(c quic.StreamErrorCode) {
	s.s.CancelRead(wtgo.StreamErrorCode(c))
}
func (s *stream) CancelWrite(c quic.StreamErrorCode) {
	s.s.CancelWrite(wtgo.StreamErrorCode(c))
}
func (s *stream) SetDeadline(t time.Time) error      { return s.s.SetDeadline(t) }
func (s *stream) SetReadDeadline(t time.Time) error  { return s.s.SetReadDeadline(t) }
func (s *stream) SetWriteDeadline(t time.Time) error { return s.s.SetWriteDeadline(t) }

// SetPriority is a no-op: WebTransport streams ride HTTP/3 request streams,
// which don't expose quic-go's native per-stream priority scheduling.
func (s *stream) SetPriority(int64) {}

type recvStream struct{ s *wtgo.ReceiveStream }

func (s *recvStream) Read(b []byte) (int, error) { return s.s.Read(b) }
func (s *recvStream) Context() context.Context   { return s.s.Context() }
func (s *recvStream) CancelRead(c quic.StreamErrorCode) {
	s.s.CancelRead(wtgo.StreamErrorCode(c))
}
func (s *recvStream) SetReadDeadline(t time.Time) error { return s.s.SetReadDeadline(t) }

type sendStream struct{ s *wtgo.SendStream }

func (s *sendStream) Write(b []byte) (int, error) { return s.s.Write(b) }
func (s *sendStream) Close() error                { return s.s.Close() }
func (s *sendStream) Context() context.Context    { return s.s.Context() }
func (s *sendStream) CancelWrite(c quic.StreamErrorCode) {
	s.s.CancelWrite(wtgo.StreamErrorCode(c))
}
func (s *sendStream) SetWriteDeadline(t time.Time) error { return s.s.SetWriteDeadline(t) }
func (s *sendStream) SetPriority(int64)                  {}
