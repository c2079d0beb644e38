// Package quic defines the transport abstractions the session layer is built
// on. moq-transfork-proto speaks of bidirectional control streams and
// unidirectional data streams, not sockets; any concrete transport — native
// QUIC, WebTransport, or a test double — implements Connection and its
// stream types so the rest of the module never imports a transport library
// directly.
package quic

import (
	"context"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"
)

// Config re-exports quic-go's transport tuning knobs so Client/Server callers
// never need to import quic-go themselves.
type Config = quicgo.Config

// ConnectionState re-exports quic-go's per-connection TLS/transport summary.
type ConnectionState = quicgo.ConnectionState

// ApplicationErrorCode is carried on a CONNECTION_CLOSE and mirrors moqt's
// own ErrorCode space (spec §7); the two are convertible but kept distinct
// since a transport-level close code is wire-visible to peers that don't
// speak moqt.
type ApplicationErrorCode uint64

// StreamErrorCode is carried on a RESET_STREAM/STOP_SENDING frame.
type StreamErrorCode uint64

// Stream is a bidirectional QUIC stream.
type Stream interface {
	ReceiveStream
	SendStream
}

// ReceiveStream is the read half of a stream, or a full unidirectional
// receive stream.
type ReceiveStream interface {
	Read(p []byte) (int, error)
	Context() context.Context
	CancelRead(StreamErrorCode)
	SetReadDeadline(time.Time) error
}

// SendStream is the write half of a stream, or a full unidirectional send
// stream.
type SendStream interface {
	Write(p []byte) (int, error)
	Close() error
	Context() context.Context
	CancelWrite(StreamErrorCode)
	SetWriteDeadline(time.Time) error

	// SetPriority schedules this stream relative to a peer's other open
	// streams (spec §6.3); lower values are sent first. Transports that
	// cannot express stream priority treat this as a no-op.
	SetPriority(priority int64)
}

// Connection is one established QUIC or WebTransport session between a
// client and server, capable of opening and accepting streams in either
// direction (spec §4.6.1).
type Connection interface {
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	OpenStream() (Stream, error)
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(b []byte) error
	CloseWithError(code ApplicationErrorCode, reason string) error
	ConnectionState() ConnectionState
	Context() context.Context
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
