package moqt

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"

	"github.com/okdaichi/qumo/quic"
	"github.com/okdaichi/qumo/webtransport"
	wtgo "github.com/quic-go/webtransport-go"
)

// Client dials a MoQ session over WebTransport. The zero value is usable;
// TLSConfig and QUICConfig may be set before the first Dial.
type Client struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	mu     sync.Mutex
	dialer *wtgo.Dialer
}

func (c *Client) dialerOnce() *wtgo.Dialer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialer == nil {
		c.dialer = &wtgo.Dialer{
			TLSClientConfig: c.TLSConfig,
			QUICConfig:      c.QUICConfig,
		}
	}
	return c.dialer
}

// Dial establishes a transport connection to address and completes the
// client side of the MoQ handshake. mux serves incoming Subscribe and
// Announce requests from the remote peer (nil selects DefaultMux).
func (c *Client) Dial(ctx context.Context, address string, mux *TrackMux) (*Session, error) {
	conn, err := webtransport.Dial(ctx, c.dialerOnce(), address, http.Header{})
	if err != nil {
		return nil, err
	}
	return Dial(ctx, conn, mux)
}

// Close releases resources held by the client's WebTransport dialer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialer == nil {
		return nil
	}
	return c.dialer.Close()
}

// Shutdown releases the client's dialer, same as Close. It takes a context
// for symmetry with Server.Shutdown; closing a dialer is not itself
// cancellable.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Close()
}
