package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/altan/realtime/pkg/realtime/clock"
	"github.com/altan/realtime/pkg/realtime/retry"
	"github.com/altan/realtime/pkg/realtime/subscriptions"
	"github.com/altan/realtime/pkg/realtime/wire"
	"go.uber.org/zap"
)

// Manager owns the single gateway connection. All of its state is touched
// only by the goroutine started with Start; callers talk to it by posting
// Requests and reading Notifications.
type Manager struct {
	// Configuration
	gatewayURL   string
	logger       *zap.Logger
	dialer       Dialer
	clock        clock.Clock
	policy       retry.Policy
	metrics      *managerMetrics
	dialTimeout  time.Duration
	writeTimeout time.Duration
	resubscribe  bool

	// Requests, transport events and timer expiries share one FIFO so they
	// are handled in arrival order.
	inbox         chan any
	notifications chan Notification

	state       atomic.Int32
	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	closed      chan struct{}
	done        chan struct{}

	// Owned by the run loop
	ctx              context.Context
	mux              *subscriptions.Multiplexer
	link             managerLink
	transport        Transport
	connCancel       context.CancelFunc
	generation       uint64
	token            string
	accountID        string
	reconnectPending bool
	reconnectTimer   clock.Timer
	reconnectSeq     uint64
	attempts         int
}

// Snapshot is a consistent view of the Manager's state.
type Snapshot struct {
	State            State
	AccountID        string
	Queued           []subscriptions.Request
	Active           []string
	ReconnectPending bool
	Attempts         int
}

type eventKind int

const (
	eventOpened eventKind = iota
	eventFrame
	eventClosed
	eventDialFailed
	eventReconnectDue
)

type transportEvent struct {
	kind       eventKind
	generation uint64
	transport  Transport
	data       []byte
	err        error
	seq        uint64
}

type snapshotRequest struct {
	reply chan Snapshot
}

// Start runs the manager loop until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if m.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.ctx = runCtx

	go m.run(runCtx)
	return nil
}

// Close stops the loop, closes any transport and closes the notification
// channel. It is safe to call more than once.
func (m *Manager) Close() error {
	m.lifecycleMu.Lock()
	select {
	case <-m.closed:
	default:
		close(m.closed)
		if m.running {
			m.cancel()
		} else {
			// Never started: nothing else will close these.
			close(m.notifications)
			close(m.done)
		}
	}
	m.lifecycleMu.Unlock()

	<-m.done
	return nil
}

// Post enqueues a request without blocking.
func (m *Manager) Post(req Request) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	select {
	case m.inbox <- req:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Notifications returns the channel of notifications. It is closed when the
// loop exits.
func (m *Manager) Notifications() <-chan Notification {
	return m.notifications
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Snapshot asks the loop for its state. Because it travels through the same
// queue as requests, it reflects every request posted before it.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}

	select {
	case m.inbox <- req:
	case <-m.closed:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case snap := <-req.reply:
		return snap, nil
	case <-m.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Endpoint returns the account-scoped gateway URL.
func (m *Manager) Endpoint(accountID string) string {
	return m.gatewayURL + "/platform/ws/account/" + url.PathEscape(accountID) + "/ws"
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.notifications)
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case Request:
				m.handleRequest(msg)
			case transportEvent:
				m.handleEvent(msg)
			case snapshotRequest:
				msg.reply <- m.snapshot()
			}
		}
	}
}

func (m *Manager) teardown() {
	m.destroyTransport()
	m.cancelReconnect()
	m.setState(StateClosed)
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{
		State:            m.State(),
		AccountID:        m.accountID,
		Queued:           m.mux.Queued(),
		Active:           m.mux.Active(),
		ReconnectPending: m.reconnectPending,
		Attempts:         m.attempts,
	}
}

func (m *Manager) handleRequest(req Request) {
	switch req := req.(type) {
	case Init:
		m.init(req.Token, req.AccountID)
	case Subscribe:
		reqs := req.requests()
		if len(reqs) == 0 {
			m.logger.Debug("Ignoring subscription without channels")
			return
		}
		err := m.mux.Subscribe(m.link, reqs...)
		m.metrics.recordQueued(m.ctx, len(m.mux.Queued()))
		if err != nil {
			m.failTransport("write", err)
		}
	case Unsubscribe:
		err := m.mux.Unsubscribe(m.link, req.requests()...)
		m.metrics.recordQueued(m.ctx, len(m.mux.Queued()))
		if err != nil {
			m.failTransport("write", err)
		}
	case SendCommand:
		m.sendCommand(req.Command, req.Data)
	case Disconnect:
		m.disconnect()
	default:
		m.logger.Warn("Unknown request", zap.String("type", fmt.Sprintf("%T", req)))
	}
}

func (m *Manager) init(token, accountID string) {
	if accountID == "" {
		m.emit(Error{Err: ErrMissingAccountID})
		return
	}

	m.cancelReconnect()
	if m.transport != nil || m.State() != StateClosed {
		m.destroyTransport()
		m.connectionLost()
		m.setState(StateClosed)
	}

	m.token = token
	m.accountID = accountID
	m.generation++

	connCtx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel

	endpoint := m.Endpoint(accountID)
	m.logger.Info("Connecting to realtime gateway",
		zap.String("endpoint", endpoint),
		zap.Uint64("generation", m.generation),
	)
	m.metrics.recordConnect(m.ctx)
	m.setState(StateConnecting)

	go m.connect(connCtx, m.generation, endpoint)
}

// connect dials and then pumps inbound messages into the loop until the
// transport fails or connCtx is cancelled.
func (m *Manager) connect(ctx context.Context, generation uint64, endpoint string) {
	dialCtx := ctx
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}

	t, err := m.dialer.Dial(dialCtx, endpoint)
	if err != nil {
		m.postEvent(ctx, transportEvent{kind: eventDialFailed, generation: generation, err: err})
		return
	}

	if !m.postEvent(ctx, transportEvent{kind: eventOpened, generation: generation, transport: t}) {
		t.Close()
		return
	}

	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.postEvent(ctx, transportEvent{kind: eventClosed, generation: generation, err: err})
			return
		}
		if !m.postEvent(ctx, transportEvent{kind: eventFrame, generation: generation, data: data}) {
			return
		}
	}
}

func (m *Manager) postEvent(ctx context.Context, ev transportEvent) bool {
	select {
	case m.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) handleEvent(ev transportEvent) {
	if ev.kind == eventReconnectDue {
		m.reconnectDue(ev.seq)
		return
	}

	if ev.generation != m.generation {
		if ev.kind == eventOpened && ev.transport != nil {
			ev.transport.Close()
		}
		m.logger.Debug("Ignoring event from a replaced connection",
			zap.Uint64("generation", ev.generation),
			zap.Uint64("current", m.generation),
		)
		return
	}

	switch ev.kind {
	case eventOpened:
		m.opened(ev.transport)
	case eventFrame:
		m.handleFrame(ev.data)
	case eventClosed:
		if IsNormalClosure(ev.err) {
			m.handleClose()
		} else {
			m.failTransport("read", ev.err)
		}
	case eventDialFailed:
		m.failTransport("dial", ev.err)
	}
}

func (m *Manager) opened(t Transport) {
	m.transport = t
	m.setState(StateOpenUnsecured)
	m.emit(Info{Message: "WebSocket connection opened"})

	if m.token == "" {
		// Left open: the owner may still supply a token with a new Init.
		m.emit(Error{Err: ErrMissingToken})
		return
	}

	if err := m.write(wire.TypeAuthenticate, wire.NewAuthenticate(m.token)); err != nil {
		m.failTransport("write", err)
	}
}

func (m *Manager) handleFrame(data []byte) {
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		m.metrics.recordDecodeError(m.ctx)
		m.logger.Warn("Dropping undecodable frame", zap.Error(err), zap.Int("size", len(data)))
		m.emit(Error{Err: fmt.Errorf("failed to decode frame: %w", err)})
		return
	}

	m.metrics.recordReceived(m.ctx, frame.Type(), len(data))

	if frame.Type() != wire.TypeAck {
		m.emit(Event{Frame: frame})
		return
	}

	if m.State() != StateOpenUnsecured {
		m.logger.Debug("Ignoring ack", zap.Stringer("state", m.State()))
		return
	}

	m.setState(StateOpenSecured)
	m.attempts = 0
	m.emit(Info{Message: "WebSocket connection secured"})

	sent, err := m.mux.Drain(m.link)
	m.metrics.recordQueued(m.ctx, len(m.mux.Queued()))
	if sent > 0 {
		m.logger.Info("Flushed queued subscriptions", zap.Int("count", sent))
	}
	if err != nil {
		m.failTransport("write", err)
	}
}

func (m *Manager) sendCommand(command string, data any) {
	if m.State() != StateOpenSecured || m.transport == nil {
		m.logger.Warn("Dropping command on unsecured connection", zap.String("command", command))
		m.emit(Error{Err: fmt.Errorf("cannot send command %q: %w", command, ErrNotSecured)})
		return
	}

	if err := m.write(wire.TypeCommand, wire.NewCommand(command, data)); err != nil {
		m.failTransport("write", err)
	}
}

func (m *Manager) write(frameType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
	defer cancel()

	if err := m.transport.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frameType, err)
	}

	m.metrics.recordSent(m.ctx, frameType, len(data))
	return nil
}

// failTransport reports a transport error and then closes the connection as
// if the transport had closed by itself.
func (m *Manager) failTransport(op string, err error) {
	m.metrics.recordTransportError(m.ctx, op)
	m.logger.Warn("Transport error", zap.String("op", op), zap.Error(err))
	m.emit(Error{Err: err})
	m.handleClose()
}

// handleClose destroys the connection and schedules a single reconnect
// advisory unless one is already pending.
func (m *Manager) handleClose() {
	m.destroyTransport()
	m.generation++
	m.connectionLost()
	m.setState(StateClosed)
	m.emit(Info{Message: "WebSocket connection closed"})
	m.scheduleReconnect()
}

func (m *Manager) disconnect() {
	m.cancelReconnect()
	if m.transport == nil && m.State() == StateClosed {
		return
	}

	m.destroyTransport()
	// Close events from the old transport are now stale.
	m.generation++
	m.connectionLost()
	m.setState(StateClosed)
	m.emit(Info{Message: "WebSocket disconnected"})
}

func (m *Manager) destroyTransport() {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Debug("Error closing transport", zap.Error(err))
		}
		m.transport = nil
	}
}

// connectionLost invalidates the active subscriptions.
func (m *Manager) connectionLost() {
	lost := m.mux.Reset()
	if m.resubscribe && len(lost) > 0 {
		n := m.mux.Requeue(lost)
		m.logger.Debug("Re-queued subscriptions", zap.Int("count", n))
		m.metrics.recordQueued(m.ctx, len(m.mux.Queued()))
	}
}

func (m *Manager) scheduleReconnect() {
	if m.reconnectPending {
		return
	}

	delay, ok := m.policy.Delay(m.attempts + 1)
	if !ok {
		m.logger.Warn("Giving up on reconnect", zap.Int("attempts", m.attempts))
		m.emit(Error{Err: ErrReconnectExhausted})
		return
	}

	m.attempts++
	m.reconnectPending = true
	m.reconnectSeq++
	seq := m.reconnectSeq
	ctx := m.ctx

	m.logger.Info("Scheduling reconnect advisory",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts),
	)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.postEvent(ctx, transportEvent{kind: eventReconnectDue, seq: seq})
	})
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectPending = false
}

func (m *Manager) reconnectDue(seq uint64) {
	if !m.reconnectPending || seq != m.reconnectSeq {
		return
	}

	m.reconnectPending = false
	m.reconnectTimer = nil
	m.metrics.recordReconnect(m.ctx)
	m.emit(Reconnect{Attempt: m.attempts})
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}

	m.logger.Debug("Connection state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	m.metrics.recordState(m.ctx, to)
	m.emit(StateChanged{From: from, To: to})
}

// emit delivers n in order, blocking while the notification buffer is full.
func (m *Manager) emit(n Notification) {
	select {
	case m.notifications <- n:
	case <-m.ctx.Done():
	}
}

// managerLink exposes the current transport to the multiplexer.
type managerLink struct {
	m *Manager
}

func (l managerLink) Secured() bool {
	return l.m.transport != nil && l.m.State() == StateOpenSecured
}

func (l managerLink) SendSubscription(sub wire.Subscription) error {
	frame := wire.NewSubscription(sub.Type, sub.Mode, sub.Elements...)
	return l.m.write(wire.TypeSubscription, frame)
}
