package moqt

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"

	"github.com/okdaichi/qumo/quic"
	"github.com/okdaichi/qumo/webtransport"
)

// SetupRequest carries the original HTTP request alongside the
// already-upgraded WebTransport connection, so a SetupHandler can inspect
// headers or the request path before the MoQ handshake runs.
type SetupRequest struct {
	*http.Request
	Connection quic.Connection
}

// SetupResponseWriter lets a SetupHandler reject a setup (by writing an
// HTTP error status) before completing the handshake with Accept.
type SetupResponseWriter interface {
	http.ResponseWriter
}

// SetupHandlerFunc adapts a function to a setup handler.
type SetupHandlerFunc func(w SetupResponseWriter, r *SetupRequest)

// Server accepts incoming WebTransport connections over HTTP/3 and hands
// each one to SetupHandler to complete (or reject) the MoQ handshake.
type Server struct {
	Addr       string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	// CheckHTTPOrigin validates the request's Origin header before
	// upgrading; nil accepts every origin.
	CheckHTTPOrigin func(r *http.Request) bool

	SetupHandler SetupHandlerFunc

	initOnce sync.Once
	wt       webtransport.Server
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.wt = webtransport.NewServer(s.CheckHTTPOrigin)
	})
}

// HandleWebTransport upgrades r to a WebTransport session and runs
// SetupHandler over it. It is exposed separately from ListenAndServe so a
// caller embedding the session engine into its own http.Server can route to
// it directly (spec §4.6 "transport-agnostic").
func (s *Server) HandleWebTransport(w http.ResponseWriter, r *http.Request) error {
	s.init()
	conn, err := s.wt.Upgrade(w, r)
	if err != nil {
		return err
	}
	if s.SetupHandler != nil {
		s.SetupHandler(w, &SetupRequest{Request: r, Connection: conn})
	}
	return s.wt.ServeQUICConn(conn)
}

// ListenAndServe runs the HTTP/3 + WebTransport listener on Addr. It blocks
// until the server is closed.
func (s *Server) ListenAndServe() error {
	s.init()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := s.HandleWebTransport(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return s.wt.ListenAndServe(s.Addr, s.TLSConfig, s.QUICConfig, mux)
}

// Close tears down the listener immediately, without waiting for in-flight
// sessions to finish.
func (s *Server) Close() error {
	s.init()
	return s.wt.Close()
}

// Shutdown closes the listener the same way Close does, returning ctx's
// error if ctx ends before that close completes. It does not wait for
// in-flight sessions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()
	return s.wt.Shutdown(ctx)
}

// Accept completes the server side of the MoQ handshake on the connection
// carried by r. It is called from within a Server's SetupHandler once the
// handler has decided to accept the setup.
func Accept(w SetupResponseWriter, r *SetupRequest, mux *TrackMux) (*Session, error) {
	return acceptSession(r.Context(), r.Connection, mux)
}
