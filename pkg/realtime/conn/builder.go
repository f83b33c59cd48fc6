package conn

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/altan/realtime/pkg/realtime/clock"
	"github.com/altan/realtime/pkg/realtime/o11y"
	"github.com/altan/realtime/pkg/realtime/retry"
	"github.com/altan/realtime/pkg/realtime/subscriptions"
	"go.uber.org/zap"
)

// DefaultGatewayURL is the production realtime gateway.
const DefaultGatewayURL = "wss://api.altan.ai"

// ManagerBuilder provides a fluent interface for building a Manager.
type ManagerBuilder struct {
	gatewayURL       string
	logger           *zap.Logger
	dialer           Dialer
	clock            clock.Clock
	policy           retry.Policy
	metrics          o11y.MetricsProvider
	dialTimeout      time.Duration
	writeTimeout     time.Duration
	mailboxSize      int
	notificationSize int
	resubscribe      bool
}

// NewManager creates a new Manager builder.
func NewManager() *ManagerBuilder {
	return &ManagerBuilder{
		gatewayURL:       DefaultGatewayURL,
		logger:           zap.NewNop(),
		clock:            clock.Real(),
		policy:           retry.Default(),
		writeTimeout:     10 * time.Second,
		mailboxSize:      256,
		notificationSize: 256,
	}
}

// WithGatewayURL sets the ws:// or wss:// base URL. The account endpoint
// path is appended to it.
func (b *ManagerBuilder) WithGatewayURL(gatewayURL string) *ManagerBuilder {
	b.gatewayURL = gatewayURL
	return b
}

// WithLogger sets the logger for the manager.
func (b *ManagerBuilder) WithLogger(logger *zap.Logger) *ManagerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialer replaces the default coder/websocket dialer.
func (b *ManagerBuilder) WithDialer(dialer Dialer) *ManagerBuilder {
	b.dialer = dialer
	return b
}

// WithClock sets the clock used for reconnect timers.
func (b *ManagerBuilder) WithClock(c clock.Clock) *ManagerBuilder {
	if c != nil {
		b.clock = c
	}
	return b
}

// WithRetryPolicy sets the reconnect advisory policy. The default waits 5
// seconds before every advisory.
func (b *ManagerBuilder) WithRetryPolicy(policy retry.Policy) *ManagerBuilder {
	if policy != nil {
		b.policy = policy
	}
	return b
}

// WithMetrics enables metrics collection.
func (b *ManagerBuilder) WithMetrics(provider o11y.MetricsProvider) *ManagerBuilder {
	b.metrics = provider
	return b
}

// WithDialTimeout bounds each connection attempt. Zero, the default, means
// a hung dial never reaches the open state.
func (b *ManagerBuilder) WithDialTimeout(timeout time.Duration) *ManagerBuilder {
	if timeout >= 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteTimeout bounds each outbound frame write.
func (b *ManagerBuilder) WithWriteTimeout(timeout time.Duration) *ManagerBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithMailboxSize sets the capacity of the inbound request queue. Post fails
// with ErrMailboxFull when it is exhausted.
func (b *ManagerBuilder) WithMailboxSize(size int) *ManagerBuilder {
	if size > 0 {
		b.mailboxSize = size
	}
	return b
}

// WithNotificationBufferSize sets the capacity of the notification channel.
func (b *ManagerBuilder) WithNotificationBufferSize(size int) *ManagerBuilder {
	if size >= 0 {
		b.notificationSize = size
	}
	return b
}

// WithResubscribeOnReconnect re-queues the channels that were active when a
// connection is destroyed, so the next secured connection restores them.
func (b *ManagerBuilder) WithResubscribeOnReconnect(enabled bool) *ManagerBuilder {
	b.resubscribe = enabled
	return b
}

// Build creates and returns a new Manager with the configured options.
func (b *ManagerBuilder) Build() (*Manager, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	m := &Manager{
		gatewayURL:   strings.TrimRight(b.gatewayURL, "/"),
		logger:       b.logger,
		dialer:       b.dialer,
		clock:        b.clock,
		policy:       b.policy,
		metrics:      newManagerMetrics(b.metrics),
		dialTimeout:  b.dialTimeout,
		writeTimeout: b.writeTimeout,
		resubscribe:  b.resubscribe,

		inbox:         make(chan any, b.mailboxSize),
		notifications: make(chan Notification, b.notificationSize),
		closed:        make(chan struct{}),
		done:          make(chan struct{}),

		mux: subscriptions.NewMultiplexer(b.logger),
	}
	m.link = managerLink{m: m}
	m.mux.OnSent(func(sent subscriptions.Sent) {
		m.emit(Subscribed{Channels: sent.Channels, Kind: sent.Kind, Mode: sent.Mode})
	})

	return m, nil
}

// IsValid checks that all required configuration is present.
func (b *ManagerBuilder) IsValid() error {
	if b.gatewayURL == "" {
		return fmt.Errorf("gateway URL is required")
	}

	u, err := url.Parse(b.gatewayURL)
	if err != nil {
		return fmt.Errorf("invalid gateway URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway URL %q has no host", b.gatewayURL)
	}

	if b.dialer == nil {
		b.dialer = &WebSocketDialer{}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.policy == nil {
		b.policy = retry.Default()
	}
	if b.mailboxSize <= 0 {
		b.mailboxSize = 256
	}

	return nil
}
