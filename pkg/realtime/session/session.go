// Package session drives a connection manager from the consuming side: it
// opens the connection, dispatches inbound events and acts on reconnect
// advisories.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/altan/realtime/pkg/realtime/conn"
	"github.com/altan/realtime/pkg/realtime/router"
	"github.com/altan/realtime/pkg/realtime/wire"
	"go.uber.org/zap"
)

// Manager is the part of conn.Manager a Session uses.
type Manager interface {
	Post(req conn.Request) error
	Notifications() <-chan conn.Notification
}

// TokenProvider returns the bearer token for the next connection.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same token.
func StaticToken(token string) TokenProvider {
	return TokenFunc(func(ctx context.Context) (string, error) {
		return token, nil
	})
}

// Session consumes manager notifications in order on a single goroutine.
type Session struct {
	manager       Manager
	router        *router.Router
	tokens        TokenProvider
	accountID     string
	logger        *zap.Logger
	autoReconnect bool
	onSubscribed  func(conn.Subscribed)
}

// SessionBuilder provides a fluent interface for building a Session.
type SessionBuilder struct {
	manager       Manager
	router        *router.Router
	tokens        TokenProvider
	accountID     string
	logger        *zap.Logger
	autoReconnect bool
	onSubscribed  func(conn.Subscribed)
}

// NewSession creates a new Session builder.
func NewSession() *SessionBuilder {
	return &SessionBuilder{
		logger:        zap.NewNop(),
		autoReconnect: true,
	}
}

func (b *SessionBuilder) WithManager(manager Manager) *SessionBuilder {
	b.manager = manager
	return b
}

// WithRouter sets where Event frames are dispatched. Without one events are
// only logged.
func (b *SessionBuilder) WithRouter(r *router.Router) *SessionBuilder {
	b.router = r
	return b
}

func (b *SessionBuilder) WithTokens(tokens TokenProvider) *SessionBuilder {
	b.tokens = tokens
	return b
}

func (b *SessionBuilder) WithAccountID(accountID string) *SessionBuilder {
	b.accountID = accountID
	return b
}

func (b *SessionBuilder) WithLogger(logger *zap.Logger) *SessionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithAutoReconnect controls whether a reconnect advisory re-initializes the
// connection. It is on by default.
func (b *SessionBuilder) WithAutoReconnect(enabled bool) *SessionBuilder {
	b.autoReconnect = enabled
	return b
}

// WithSubscribedHook is called from Run each time channels requested through
// SubscribeAll or UnsubscribeAll have been written to the gateway.
func (b *SessionBuilder) WithSubscribedHook(fn func(conn.Subscribed)) *SessionBuilder {
	b.onSubscribed = fn
	return b
}

// Build creates the Session.
func (b *SessionBuilder) Build() (*Session, error) {
	if b.manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if b.accountID == "" {
		return nil, conn.ErrMissingAccountID
	}

	tokens := b.tokens
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &Session{
		manager:       b.manager,
		router:        b.router,
		tokens:        tokens,
		accountID:     b.accountID,
		logger:        b.logger,
		autoReconnect: b.autoReconnect,
		onSubscribed:  b.onSubscribed,
	}, nil
}

// Connect fetches a token and asks the manager to open the connection.
func (s *Session) Connect(ctx context.Context) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	return s.manager.Post(conn.Init{Token: token, AccountID: s.accountID})
}

func (s *Session) Subscribe(channel string, kind wire.Kind) error {
	return s.manager.Post(conn.Subscribe{Channel: channel, Kind: kind, Mode: wire.ModeSubscribe})
}

func (s *Session) Unsubscribe(channel string, kind wire.Kind) error {
	return s.manager.Post(conn.Unsubscribe{Channel: channel, Kind: kind})
}

// SubscribeAll subscribes to channels with one request. A secured connection
// sends them as a single frame.
func (s *Session) SubscribeAll(channels []string, kind wire.Kind) error {
	return s.manager.Post(conn.Subscribe{
		Channels: channels,
		Kind:     kind,
		Mode:     wire.ModeSubscribe,
		Notify:   s.onSubscribed != nil,
	})
}

func (s *Session) UnsubscribeAll(channels []string, kind wire.Kind) error {
	return s.manager.Post(conn.Unsubscribe{
		Channels: channels,
		Kind:     kind,
		Notify:   s.onSubscribed != nil,
	})
}

func (s *Session) SendCommand(command string, data any) error {
	return s.manager.Post(conn.SendCommand{Command: command, Data: data})
}

// Disconnect closes the connection without a reconnect advisory.
func (s *Session) Disconnect() error {
	return s.manager.Post(conn.Disconnect{})
}

// Run handles notifications until ctx is done or the manager closes its
// notification channel. The latter returns nil.
func (s *Session) Run(ctx context.Context) error {
	notifications := s.manager.Notifications()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			s.handle(ctx, n)
		}
	}
}

func (s *Session) handle(ctx context.Context, n conn.Notification) {
	switch n := n.(type) {
	case conn.Event:
		if s.router == nil || !s.router.Route(ctx, n.Frame) {
			s.logger.Debug("Unhandled event", zap.String("type", n.Frame.Type()))
		}

	case conn.Info:
		s.logger.Info(n.Message)

	case conn.Error:
		if errors.Is(n.Err, conn.ErrMissingToken) {
			s.logger.Warn("Waiting for authentication", zap.Error(n.Err))
			return
		}
		s.logger.Error("Connection error", zap.Error(n.Err))

	case conn.Subscribed:
		s.logger.Debug("Subscription sent",
			zap.Strings("channels", n.Channels),
			zap.String("kind", string(n.Kind)),
			zap.String("mode", string(n.Mode)),
		)
		if s.onSubscribed != nil {
			s.onSubscribed(n)
		}

	case conn.StateChanged:
		s.logger.Debug("Connection state changed",
			zap.Stringer("from", n.From),
			zap.Stringer("to", n.To),
		)

	case conn.Reconnect:
		if !s.autoReconnect {
			s.logger.Info("Reconnect advised", zap.Int("attempt", n.Attempt))
			return
		}
		s.logger.Info("Reconnecting", zap.Int("attempt", n.Attempt))
		if err := s.Connect(ctx); err != nil {
			s.logger.Error("Failed to reconnect", zap.Int("attempt", n.Attempt), zap.Error(err))
		}
	}
}
