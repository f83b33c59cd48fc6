package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// gateway is a minimal stand-in for the realtime gateway: it expects an
// authenticate frame, acks it, then answers every subscription with one
// deployment event on that channel.
func gateway(t *testing.T, received chan<- map[string]any) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/platform/ws/account/acc-1/ws" {
			http.NotFound(w, r)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		send := func(v any) error {
			data, err := wire.EncodeFrame(v)
			if err != nil {
				return err
			}
			return c.Write(ctx, websocket.MessageText, data)
		}

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}

			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			received <- msg

			switch msg["type"] {
			case wire.TypeAuthenticate:
				if msg["token"] != "secret" {
					c.Close(websocket.StatusPolicyViolation, "bad token")
					return
				}
				err = send(map[string]any{"type": wire.TypeAck})
			case wire.TypeSubscription:
				err = send(map[string]any{
					"type": "deployment.updated",
					"data": map[string]any{"id": "d1", "status": "COMPLETED"},
				})
			}
			if err != nil {
				return
			}
		}
	}))
}

func TestWebSocketEndToEnd(t *testing.T) {
	received := make(chan map[string]any, 16)
	srv := gateway(t, received)
	defer srv.Close()

	m, err := NewManager().
		WithGatewayURL("ws" + strings.TrimPrefix(srv.URL, "http")).
		WithLogger(zaptest.NewLogger(t)).
		WithDialTimeout(5 * time.Second).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	require.NoError(t, m.Post(Subscribe{Channel: "interface:i1"}))
	require.NoError(t, m.Post(Init{Token: "secret", AccountID: "acc-1"}))

	ev := waitFor[Event](t, m)
	assert.Equal(t, "deployment.updated", ev.Frame.Type())
	assert.Equal(t, StateOpenSecured, m.State())

	assert.Equal(t, "authenticate", (<-received)["type"])
	sub := <-received
	assert.Equal(t, "subscription", sub["type"])
	assert.Equal(t, map[string]any{
		"type":     "l",
		"mode":     "s",
		"elements": []any{"interface:i1"},
	}, sub["subscription"])
}

func TestWebSocketRejectedTokenSchedulesReconnect(t *testing.T) {
	received := make(chan map[string]any, 16)
	srv := gateway(t, received)
	defer srv.Close()

	m, err := NewManager().
		WithGatewayURL("ws" + strings.TrimPrefix(srv.URL, "http")).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.NoError(t, m.Post(Init{Token: "wrong", AccountID: "acc-1"}))

	n := waitFor[Error](t, m)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(n.Err))
	waitForState(t, m, StateClosed)

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.ReconnectPending)
}

func TestIsNormalClosure(t *testing.T) {
	assert.True(t, IsNormalClosure(nil))
	assert.True(t, IsNormalClosure(websocket.CloseError{Code: websocket.StatusNormalClosure}))
	assert.True(t, IsNormalClosure(websocket.CloseError{Code: websocket.StatusGoingAway}))
	assert.False(t, IsNormalClosure(websocket.CloseError{Code: websocket.StatusInternalError}))
	assert.False(t, IsNormalClosure(errBoom))
}

func TestWebSocketCloseDoesNotWaitForPeer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		// Never reads, so the close frame is never answered.
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d := &WebSocketDialer{}
	tr, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), time.Second)
}
