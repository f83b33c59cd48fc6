package conn

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one established connection to the gateway.
type Transport interface {
	// Read blocks until the next message arrives. Any error ends the
	// connection.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}

// WebSocketDialer dials the gateway with github.com/coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	HTTPHeader http.Header
	ReadLimit  int64 // Maximum inbound message size, 0 keeps the library default
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.HTTPHeader.Clone(),
	}

	c, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit != 0 {
		c.SetReadLimit(d.ReadLimit)
	}

	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close starts the close handshake and returns without waiting for the peer.
// The library bounds the handshake and then drops the connection.
func (t *wsTransport) Close() error {
	go t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	return nil
}

// IsNormalClosure reports whether err ends a connection without a fault:
// a normal or going-away close frame, or EOF.
func IsNormalClosure(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
