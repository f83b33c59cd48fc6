package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/altan/realtime/pkg/realtime/conn"
	"github.com/altan/realtime/pkg/realtime/router"
	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeManager struct {
	mu            sync.Mutex
	posted        []conn.Request
	notifications chan conn.Notification
	postErr       error
}

func newFakeManager() *fakeManager {
	return &fakeManager{notifications: make(chan conn.Notification, 16)}
}

func (m *fakeManager) Post(req conn.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.posted = append(m.posted, req)
	return nil
}

func (m *fakeManager) Notifications() <-chan conn.Notification {
	return m.notifications
}

func (m *fakeManager) requests() []conn.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conn.Request(nil), m.posted...)
}

// runToEnd feeds notifications, closes the channel and waits for Run.
func runToEnd(t *testing.T, s *Session, m *fakeManager, notifications ...conn.Notification) {
	t.Helper()
	for _, n := range notifications {
		m.notifications <- n
	}
	close(m.notifications)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func newSession(t *testing.T, configure func(b *SessionBuilder)) (*Session, *fakeManager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	m := newFakeManager()

	b := NewSession().
		WithManager(m).
		WithAccountID("acc-1").
		WithTokens(StaticToken("secret")).
		WithLogger(zap.New(core))
	if configure != nil {
		configure(b)
	}
	s, err := b.Build()
	require.NoError(t, err)
	return s, m, logs
}

func TestConnectPostsInit(t *testing.T) {
	s, m, _ := newSession(t, nil)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []conn.Request{conn.Init{Token: "secret", AccountID: "acc-1"}}, m.requests())
}

func TestConnectTokenFailure(t *testing.T) {
	s, m, _ := newSession(t, func(b *SessionBuilder) {
		b.WithTokens(TokenFunc(func(ctx context.Context) (string, error) {
			return "", errors.New("expired")
		}))
	})

	err := s.Connect(context.Background())
	assert.ErrorContains(t, err, "expired")
	assert.Empty(t, m.requests())
}

func TestForwardsRequests(t *testing.T) {
	s, m, _ := newSession(t, nil)

	require.NoError(t, s.Subscribe("account:acc-1", wire.KindLive))
	require.NoError(t, s.Unsubscribe("account:acc-1", wire.KindLive))
	require.NoError(t, s.SendCommand("ping", map[string]any{"n": 1}))
	require.NoError(t, s.Disconnect())

	assert.Equal(t, []conn.Request{
		conn.Subscribe{Channel: "account:acc-1", Kind: wire.KindLive, Mode: wire.ModeSubscribe},
		conn.Unsubscribe{Channel: "account:acc-1", Kind: wire.KindLive},
		conn.SendCommand{Command: "ping", Data: map[string]any{"n": 1}},
		conn.Disconnect{},
	}, m.requests())

	m.postErr = conn.ErrMailboxFull
	assert.ErrorIs(t, s.Subscribe("x", wire.KindLive), conn.ErrMailboxFull)
}

func TestRunRoutesEvents(t *testing.T) {
	var routed []string
	r := router.New(nil)
	r.HandleFunc("deployment/#", func(ctx context.Context, frame wire.Frame) {
		routed = append(routed, frame.Type())
	})

	s, m, logs := newSession(t, func(b *SessionBuilder) { b.WithRouter(r) })

	runToEnd(t, s, m,
		conn.Event{Frame: wire.NewFrame(map[string]any{"type": "deployment.updated"})},
		conn.Event{Frame: wire.NewFrame(map[string]any{"type": "message.created"})},
		conn.Event{Frame: wire.NewFrame(map[string]any{"type": "deployment.created"})},
	)

	assert.Equal(t, []string{"deployment.updated", "deployment.created"}, routed)
	assert.Equal(t, 1, logs.FilterMessage("Unhandled event").Len())
}

func TestRunReconnectsOnAdvisory(t *testing.T) {
	tokens := []string{"t1", "t2"}
	s, m, logs := newSession(t, func(b *SessionBuilder) {
		b.WithTokens(TokenFunc(func(ctx context.Context) (string, error) {
			token := tokens[0]
			tokens = tokens[1:]
			return token, nil
		}))
	})

	require.NoError(t, s.Connect(context.Background()))
	runToEnd(t, s, m, conn.Reconnect{Attempt: 1})

	assert.Equal(t, []conn.Request{
		conn.Init{Token: "t1", AccountID: "acc-1"},
		conn.Init{Token: "t2", AccountID: "acc-1"},
	}, m.requests())
	assert.Equal(t, 1, logs.FilterMessage("Reconnecting").Len())
}

func TestRunWithoutAutoReconnect(t *testing.T) {
	s, m, logs := newSession(t, func(b *SessionBuilder) { b.WithAutoReconnect(false) })

	runToEnd(t, s, m, conn.Reconnect{Attempt: 3})

	assert.Empty(t, m.requests())
	assert.Equal(t, 1, logs.FilterMessage("Reconnect advised").Len())
}

func TestRunLogsNotifications(t *testing.T) {
	s, m, logs := newSession(t, nil)

	runToEnd(t, s, m,
		conn.Info{Message: "Connection secured"},
		conn.Error{Err: conn.ErrMissingToken},
		conn.Error{Err: errors.New("boom")},
		conn.StateChanged{From: conn.StateClosed, To: conn.StateConnecting},
	)

	assert.Equal(t, 1, logs.FilterMessage("Connection secured").FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("Waiting for authentication").FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("Connection error").FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("Connection state changed").Len())
}

func TestRunStopsOnContext(t *testing.T) {
	s, _, _ := newSession(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestBuildValidation(t *testing.T) {
	_, err := NewSession().WithAccountID("acc-1").Build()
	assert.Error(t, err)

	_, err = NewSession().WithManager(newFakeManager()).Build()
	assert.ErrorIs(t, err, conn.ErrMissingAccountID)
}

func TestSubscribeAllNotifiesHook(t *testing.T) {
	var acks []conn.Subscribed
	s, m, logs := newSession(t, func(b *SessionBuilder) {
		b.WithSubscribedHook(func(n conn.Subscribed) { acks = append(acks, n) })
	})

	require.NoError(t, s.SubscribeAll([]string{"a", "b"}, wire.KindLive))
	require.NoError(t, s.UnsubscribeAll([]string{"a"}, wire.KindLive))
	assert.Equal(t, []conn.Request{
		conn.Subscribe{Channels: []string{"a", "b"}, Kind: wire.KindLive, Mode: wire.ModeSubscribe, Notify: true},
		conn.Unsubscribe{Channels: []string{"a"}, Kind: wire.KindLive, Notify: true},
	}, m.requests())

	ack := conn.Subscribed{Channels: []string{"a", "b"}, Kind: wire.KindLive, Mode: wire.ModeSubscribe}
	runToEnd(t, s, m, ack)

	assert.Equal(t, []conn.Subscribed{ack}, acks)
	assert.Equal(t, 1, logs.FilterMessage("Subscription sent").Len())
}

func TestSubscribeAllWithoutHook(t *testing.T) {
	s, m, _ := newSession(t, nil)

	require.NoError(t, s.SubscribeAll([]string{"a", "b"}, wire.KindPattern))
	assert.Equal(t, []conn.Request{
		conn.Subscribe{Channels: []string{"a", "b"}, Kind: wire.KindPattern, Mode: wire.ModeSubscribe},
	}, m.requests())
}
