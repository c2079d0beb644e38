package moqt

import (
	"bufio"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okdaichi/qumo/moqt/message"
	"github.com/okdaichi/qumo/quic"
)

// protocolVersion is the only version this engine speaks (spec §4.6.2).
const protocolVersion uint64 = 1

// openGroupTimeout bounds how long opening a new data stream for a group may
// take before we treat the peer as flow-control-blocked (spec §4.6.3, §9).
const openGroupTimeout = 1 * time.Second

// Session is one established MoQ connection. It multiplexes an Announce
// control stream per requested prefix, a Subscribe control stream per
// subscription, and one unidirectional data stream per Group onto a single
// transport connection (spec §4.6).
type Session struct {
	conn quic.Connection
	mux  *TrackMux

	ctx    context.Context
	cancel context.CancelCauseFunc

	nextSubscribeID atomic.Uint64

	mu         sync.Mutex
	subscribes map[uint64]*TrackReader
}

func newSession(conn quic.Connection, mux *TrackMux) *Session {
	if mux == nil {
		mux = DefaultMux
	}
	ctx, cancel := context.WithCancelCause(conn.Context())
	s := &Session{
		conn:       conn,
		mux:        mux,
		ctx:        ctx,
		cancel:     cancel,
		subscribes: map[uint64]*TrackReader{},
	}
	go s.acceptBi()
	go s.acceptUni()
	return s
}

// Dial performs the client side of the MoQ handshake over an already
// established transport connection.
func Dial(ctx context.Context, conn quic.Connection, mux *TrackMux) (*Session, error) {
	cs, err := openControl(ctx, conn, message.ControlTypeSession)
	if err != nil {
		return nil, err
	}
	client := message.ClientSetup{Versions: []uint64{protocolVersion}}
	if err := cs.writeMessage(client.Encode()); err != nil {
		cs.abort(err)
		return nil, err
	}
	br, err := cs.readMessage()
	if err != nil {
		cs.abort(err)
		return nil, err
	}
	server, err := message.DecodeServerSetup(br)
	if err != nil {
		cs.abort(ErrProtocolViolation)
		return nil, ErrProtocolViolation
	}
	if server.Version != protocolVersion {
		cs.abort(ErrVersion)
		return nil, ErrVersion
	}
	sess := newSession(conn, mux)
	go sess.holdControl(cs)
	return sess, nil
}

// acceptSession performs the server side of the MoQ handshake over an
// already established transport connection. The public entry point is
// Accept, which extracts ctx and conn from a SetupRequest.
func acceptSession(ctx context.Context, conn quic.Connection, mux *TrackMux) (*Session, error) {
	cs, typ, err := acceptControl(ctx, conn)
	if err != nil {
		return nil, err
	}
	if typ != message.ControlTypeSession {
		cs.abort(ErrUnexpectedStream)
		return nil, ErrUnexpectedStream
	}
	br, err := cs.readMessage()
	if err != nil {
		cs.abort(err)
		return nil, err
	}
	client, err := message.DecodeClientSetup(br)
	if err != nil {
		cs.abort(ErrProtocolViolation)
		return nil, ErrProtocolViolation
	}
	supported := false
	for _, v := range client.Versions {
		if v == protocolVersion {
			supported = true
		}
	}
	if !supported {
		cs.abort(ErrVersion)
		return nil, ErrVersion
	}
	server := message.ServerSetup{Version: protocolVersion}
	if err := cs.writeMessage(server.Encode()); err != nil {
		return nil, err
	}
	sess := newSession(conn, mux)
	go sess.holdControl(cs)
	return sess, nil
}

// holdControl keeps the Session control stream's lifetime tied to the
// session: its only purpose after the handshake is to carry the connection's
// liveness.
func (s *Session) holdControl(cs *controlStream) {
	select {
	case <-cs.Context().Done():
		s.CloseWithError(CancelErrorCode, "control stream closed")
	case <-s.ctx.Done():
	}
}

// Context is cancelled once the session closes, for any reason.
func (s *Session) Context() context.Context { return s.ctx }

// CloseWithError tears down the transport connection, ending every open
// subscription and announce stream.
func (s *Session) CloseWithError(code ErrorCode, reason string) error {
	s.cancel(NewError(code, reason))
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (s *Session) acceptBi() {
	for {
		cs, typ, err := acceptControl(s.ctx, s.conn)
		if err != nil {
			return
		}
		switch typ {
		case message.ControlTypeAnnounce:
			go s.serveAnnounce(cs)
		case message.ControlTypeSubscribe:
			go s.serveSubscribe(cs)
		default:
			cs.abort(ErrUnexpectedStream)
		}
	}
}

func (s *Session) acceptUni() {
	for {
		rs, err := s.conn.AcceptUniStream(s.ctx)
		if err != nil {
			return
		}
		go s.recvGroup(rs)
	}
}

func (s *Session) recvGroup(rs quic.ReceiveStream) {
	r := bufio.NewReader(rs)
	typ, err := message.ReadVarint(r)
	if err != nil {
		return
	}
	if message.DataType(typ) != message.DataTypeGroup {
		rs.CancelRead(quic.StreamErrorCode(ProtocolViolationErrorCode))
		return
	}
	hdr, err := message.DecodeGroup(r)
	if err != nil {
		rs.CancelRead(quic.StreamErrorCode(ProtocolViolationErrorCode))
		return
	}

	s.mu.Lock()
	tr, ok := s.subscribes[hdr.Subscribe]
	s.mu.Unlock()
	if !ok {
		rs.CancelRead(quic.StreamErrorCode(CancelErrorCode))
		return
	}

	gr := newGroupReader(rs, GroupSequence(hdr.Sequence), r)
	if !tr.deliver(gr) {
		gr.Abort(ErrCancel)
	}
}

// serveAnnounce is the publisher side of an Announce control stream: stream
// every Active/Ended event the local mux produces for the requested prefix.
func (s *Session) serveAnnounce(cs *controlStream) {
	defer cs.Close()

	br, err := cs.readMessage()
	if err != nil {
		return
	}
	req, err := message.DecodeAnnounceRequest(br)
	if err != nil {
		cs.abort(ErrProtocolViolation)
		return
	}

	reader := s.mux.Announced(BroadcastPath(req.Prefix))
	defer reader.Close()

	for {
		ann, err := reader.Next(s.ctx)
		if err != nil {
			return
		}
		if err := cs.writeMessage(ann.Encode()); err != nil {
			return
		}
	}
}

// serveSubscribe is the publisher side of a Subscribe control stream: look
// up the handler registered for the requested broadcast and run it until the
// subscriber cancels or the session ends.
func (s *Session) serveSubscribe(cs *controlStream) {
	br, err := cs.readMessage()
	if err != nil {
		return
	}
	sub, err := message.DecodeSubscribe(br)
	if err != nil {
		cs.abort(ErrProtocolViolation)
		return
	}

	path := BroadcastPath(sub.Broadcast)
	name := TrackName(sub.Track)

	ann, handler := s.mux.TrackHandler(path)
	if handler == nil || ann == nil || !ann.IsActive() {
		cs.abort(ErrNotFound)
		return
	}

	ok := message.SubscribeOk{Priority: sub.Priority}
	if err := cs.writeMessage(ok.Encode()); err != nil {
		return
	}

	tw := newTrackWriter(s.ctx, s.conn, path, name, sub.ID, sub.Priority)

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeTrack(tw)
	}()

	select {
	case <-done:
	case <-cs.Context().Done():
		tw.CloseWithError(CancelErrorCode)
		<-done
	case <-s.ctx.Done():
		tw.CloseWithError(CancelErrorCode)
		<-done
	}

	cs.Close()
}

// SubscribeOptions reserves room for future per-subscription parameters
// (e.g. a starting group); nil selects the defaults.
type SubscribeOptions struct{}

// Subscribe requests name from broadcastPath and returns a reader for its
// groups. The subscription is torn down when the returned TrackReader's
// context is cancelled (by the caller, or by the session closing).
func (s *Session) Subscribe(broadcastPath BroadcastPath, name TrackName, opts *SubscribeOptions) (*TrackReader, error) {
	id := s.nextSubscribeID.Add(1) - 1

	cs, err := openControl(s.ctx, s.conn, message.ControlTypeSubscribe)
	if err != nil {
		return nil, err
	}

	req := message.Subscribe{ID: id, Broadcast: string(broadcastPath), Track: string(name)}
	if err := cs.writeMessage(req.Encode()); err != nil {
		cs.abort(err)
		return nil, err
	}

	br, err := cs.readMessage()
	if err != nil {
		cs.abort(err)
		return nil, err
	}
	if _, err := message.DecodeSubscribeOk(br); err != nil {
		cs.abort(ErrProtocolViolation)
		return nil, ErrProtocolViolation
	}

	tr := newTrackReader(s.ctx, broadcastPath, name, id)
	s.mu.Lock()
	s.subscribes[id] = tr
	s.mu.Unlock()

	go func() {
		<-cs.Context().Done()
		s.mu.Lock()
		delete(s.subscribes, id)
		s.mu.Unlock()
		tr.close(ErrCancel)
	}()

	return tr, nil
}

// AnnouncePeer delivers Active/Ended events discovered under one requested
// prefix (spec §4.5, §4.6.1). It is the wire-bound counterpart of
// AnnouncedReader, decoding events off a live Announce control stream rather
// than reading an in-process Origin.
type AnnouncePeer struct {
	ch  chan *Announcement
	ctx context.Context
}

// Announcements returns the channel Active/Ended events are delivered on. It
// closes when the underlying Announce stream ends.
func (p *AnnouncePeer) Announcements(ctx context.Context) <-chan *Announcement {
	return p.ch
}

func (p *AnnouncePeer) run(cs *controlStream, prefix BroadcastPath) {
	defer close(p.ch)
	for {
		br, err := cs.readMessage()
		if err != nil {
			return
		}
		ann, err := message.DecodeAnnounce(br)
		if err != nil {
			return
		}
		a := NewAnnouncement(prefix+BroadcastPath(ann.Suffix), ann.Kind == message.AnnounceActive)
		select {
		case p.ch <- a:
		case <-p.ctx.Done():
			return
		}
	}
}

// AcceptAnnounce requests discovery of every broadcast path under prefix
// from the remote peer.
func (s *Session) AcceptAnnounce(prefix BroadcastPath) (*AnnouncePeer, error) {
	cs, err := openControl(s.ctx, s.conn, message.ControlTypeAnnounce)
	if err != nil {
		return nil, err
	}
	req := message.AnnounceRequest{Prefix: string(prefix)}
	if err := cs.writeMessage(req.Encode()); err != nil {
		cs.abort(err)
		return nil, err
	}

	p := &AnnouncePeer{ch: make(chan *Announcement, 16), ctx: s.ctx}
	go p.run(cs, prefix)
	return p, nil
}
