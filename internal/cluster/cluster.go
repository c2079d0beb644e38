// Package cluster connects a relay to its peers so a broadcast published on
// one node is reachable from every other node (spec §4.7).
//
// A cluster has an optional root: every other node dials the root, tells it
// apart by publishing a presence marker under internal/origins/<node>, and
// discovers siblings by reading that same directory back. Once two nodes
// know about each other they dial directly and exchange real broadcasts,
// so media never makes two hops through the root.
package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/okdaichi/qumo/internal/relay"
	"github.com/okdaichi/qumo/moqt"
	"github.com/okdaichi/qumo/quic"
)

// originsPrefix is where every node in the cluster publishes a presence
// marker, keyed by the hostname peers should dial to reach it.
const originsPrefix moqt.BroadcastPath = "/internal/origins/"

// Config selects a node's role in the cluster. The zero value disables
// clustering: the relay only ever serves what's published on it directly.
type Config struct {
	// Root is the address of the cluster's rendezvous node. Empty disables
	// clustering entirely.
	Root string

	// Node is the hostname peers dial to reach this node, also used as its
	// key in the origins directory. Empty makes this node a read-only
	// member: it discovers and relays everyone else's broadcasts but never
	// advertises its own presence, so nobody dials it back.
	Node string

	// GroupCacheSize bounds the catch-up ring kept for broadcasts relayed
	// in from a peer.
	GroupCacheSize int
}

// Cluster joins a relay's TrackMux to its peers. The zero value is not
// usable; build one with New.
type Cluster struct {
	config Config
	mux    *moqt.TrackMux
	client *moqt.Client
	id     uuid.UUID

	mu    sync.Mutex
	peers map[string]*moqt.Session // address -> live outbound session
}

// New builds a Cluster that dials peers with tlsConfig/quicConfig and
// mirrors discovered broadcasts onto mux.
func New(cfg Config, mux *moqt.TrackMux, tlsConfig *tls.Config, quicConfig *quic.Config) *Cluster {
	return &Cluster{
		config: cfg,
		mux:    mux,
		client: &moqt.Client{TLSConfig: tlsConfig, QUICConfig: quicConfig},
		id:     uuid.New(),
		peers:  map[string]*moqt.Session{},
	}
}

// originPath is the presence marker this node publishes under originsPrefix.
func originPath(node string) moqt.BroadcastPath { return originsPrefix + moqt.BroadcastPath(node) }

// hostFromOriginPath extracts the hostname a presence marker advertises,
// or ok=false if path isn't under originsPrefix or names no host.
func hostFromOriginPath(path moqt.BroadcastPath) (host string, ok bool) {
	if len(path) <= len(originsPrefix) || path[:len(originsPrefix)] != originsPrefix {
		return "", false
	}
	return string(path[len(originsPrefix):]), true
}

// isOriginPath reports whether path is a presence marker rather than a real
// broadcast.
func isOriginPath(path moqt.BroadcastPath) bool {
	return len(path) >= len(originsPrefix) && path[:len(originsPrefix)] == originsPrefix
}

// Run starts clustering: it publishes this node's presence marker (if
// configured) and maintains a reconnecting session to the root (if this
// node isn't the root itself). It returns once ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	if c.config.Root == "" {
		slog.Info("cluster: clustering disabled", "node", c.config.Node)
		return nil
	}

	if c.config.Node != "" {
		c.mux.Publish(ctx, originPath(c.config.Node), moqt.TrackHandlerFunc(func(tw *moqt.TrackWriter) {
			// Presence marker only; nobody subscribes to this track's groups.
			tw.CloseWithError(moqt.TrackNotFoundErrorCode)
		}))
	}

	if c.config.Root == c.config.Node {
		// We are the root. Peers dial in; the relay server's accept loop
		// relays their broadcasts and calls DiscoverPeers for each of them.
		<-ctx.Done()
		return nil
	}

	c.maintainRoot(ctx)
	return nil
}

// maxReconnectInterval caps how long maintainRoot waits between dial
// attempts once the exponential backoff saturates.
const maxReconnectInterval = 30 * time.Second

// maintainRoot keeps a session to the root alive, reconnecting with
// exponential backoff whenever it drops. It returns only when ctx is done.
func (c *Cluster) maintainRoot(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxReconnectInterval

	for ctx.Err() == nil {
		sess, err := c.dialPeer(ctx, c.config.Root)
		if err != nil {
			d := b.NextBackOff()
			if d == backoff.Stop {
				d = maxReconnectInterval
			}
			slog.Warn("cluster: root dial failed, backing off", "root", c.config.Root, "retry_in", d, "error", err)
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
			continue
		}
		b.Reset()

		slog.Info("cluster: connected to root", "root", c.config.Root, "node", c.config.Node)

		select {
		case <-sess.Context().Done():
			slog.Warn("cluster: root session closed, reconnecting", "root", c.config.Root)
		case <-ctx.Done():
		}
	}
}

// dialPeer dials address once, deduplicating against an already-live
// outbound session, and hands a newly dialed session to adoptOutbound.
func (c *Cluster) dialPeer(ctx context.Context, address string) (*moqt.Session, error) {
	c.mu.Lock()
	if sess, ok := c.peers[address]; ok && sess.Context().Err() == nil {
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	sess, err := c.client.Dial(ctx, address, c.mux)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", address, err)
	}

	c.mu.Lock()
	c.peers[address] = sess
	c.mu.Unlock()

	go func() {
		<-sess.Context().Done()
		c.mu.Lock()
		if cur, ok := c.peers[address]; ok && cur == sess {
			delete(c.peers, address)
		}
		c.mu.Unlock()
	}()

	c.adoptOutbound(ctx, sess)
	return sess, nil
}

// adoptOutbound wires a session this node dialed itself into the cluster:
// it discovers sibling nodes through the origins directory (dialing each
// one directly, for a full mesh) and relays every broadcast the peer
// announces onto this node's own TrackMux. relay.Server.Relay already does
// the broadcast-relaying half for sessions accepted by this node's
// listener, so only the peer-discovery half needs to run there too — see
// DiscoverPeers.
func (c *Cluster) adoptOutbound(ctx context.Context, sess *moqt.Session) {
	go c.DiscoverPeers(ctx, sess)
	go c.relayAnnounced(ctx, sess)
}

// DiscoverPeers watches sess's origins directory and dials every sibling
// node it hasn't already connected to, completing the full mesh regardless
// of which side initiated sess. The relay server's accept loop calls this
// for every inbound session; dialPeer calls it for every outbound one.
func (c *Cluster) DiscoverPeers(ctx context.Context, sess *moqt.Session) {
	peer, err := sess.AcceptAnnounce(originsPrefix)
	if err != nil {
		slog.Warn("cluster: origins discovery failed", "error", err)
		return
	}

	for {
		select {
		case ann, ok := <-peer.Announcements(ctx):
			if !ok {
				return
			}
			if !ann.IsActive() {
				continue
			}
			host, ok := hostFromOriginPath(ann.BroadcastPath())
			if !ok || host == c.config.Node {
				continue
			}
			go func(host string) {
				if _, err := c.dialPeer(ctx, host); err != nil {
					slog.Warn("cluster: peer dial failed", "peer", host, "error", err)
				}
			}(host)
		case <-ctx.Done():
			return
		case <-sess.Context().Done():
			return
		}
	}
}

// relayAnnounced subscribes to every broadcast sess's peer announces and
// mirrors it onto this node's own TrackMux via a relay.RelayHandler bound
// to sess, so a local subscriber sees it exactly like a local broadcast.
func (c *Cluster) relayAnnounced(ctx context.Context, sess *moqt.Session) {
	peer, err := sess.AcceptAnnounce("")
	if err != nil {
		slog.Warn("cluster: broadcast discovery failed", "error", err)
		return
	}

	gcSize := c.config.GroupCacheSize
	if gcSize <= 0 {
		gcSize = relay.DefaultGroupCacheSize
	}

	handlers := map[moqt.BroadcastPath]moqt.TrackHandler{}
	var mu sync.Mutex

	for {
		select {
		case ann, ok := <-peer.Announcements(ctx):
			if !ok {
				return
			}
			path := ann.BroadcastPath()
			if isOriginPath(path) {
				continue // presence markers, not real broadcasts
			}

			if ann.IsActive() {
				handler := &relay.RelayHandler{
					Announcement:   ann,
					Session:        sess,
					GroupCacheSize: gcSize,
				}
				mu.Lock()
				handlers[path] = handler
				mu.Unlock()
				c.mux.Announce(ann, handler)
				continue
			}

			mu.Lock()
			handler, ok := handlers[path]
			delete(handlers, path)
			mu.Unlock()
			if ok {
				c.mux.Announce(ann, handler)
			}
		case <-ctx.Done():
			return
		case <-sess.Context().Done():
			return
		}
	}
}
