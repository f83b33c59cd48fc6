package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/altan/realtime/pkg/realtime/clock"
	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const waitTimeout = 2 * time.Second

// fakeTransport is an in-memory Transport. Tests push inbound payloads with
// deliver and end the connection with remoteClose.
type fakeTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu        sync.Mutex
	closeErr  error
	written   [][]byte
	writeErr  error
	closeCall int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, t.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closeCall++
	t.mu.Unlock()
	t.shut(io.EOF)
	return nil
}

func (t *fakeTransport) shut(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeErr = err
		t.mu.Unlock()
		close(t.closed)
	})
}

// remoteClose simulates the gateway ending the connection.
func (t *fakeTransport) remoteClose(err error) {
	t.shut(err)
}

func (t *fakeTransport) deliver(tb testing.TB, v any) {
	tb.Helper()
	data, err := wire.EncodeFrame(v)
	require.NoError(tb, err)
	t.incoming <- data
}

func (t *fakeTransport) deliverRaw(data []byte) {
	t.incoming <- data
}

// frames decodes every written frame as a generic JSON object.
func (t *fakeTransport) frames(tb testing.TB) []map[string]any {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]map[string]any, 0, len(t.written))
	for _, data := range t.written {
		var frame map[string]any
		require.NoError(tb, json.Unmarshal(data, &frame))
		out = append(out, frame)
	}
	return out
}

func (t *fakeTransport) wasClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCall > 0
}

// fakeDialer hands out a fresh fakeTransport for each dial.
type fakeDialer struct {
	mu        sync.Mutex
	endpoints []string
	failWith  error
	dials     chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	err := d.failWith
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	t := newFakeTransport()
	d.dials <- t
	return t, nil
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	d.failWith = err
	d.mu.Unlock()
}

func (d *fakeDialer) next(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case t := <-d.dials:
		return t
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

type harness struct {
	manager *Manager
	dialer  *fakeDialer
	clock   *clock.Fake
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, configure ...func(*ManagerBuilder)) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	dialer := newFakeDialer()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	b := NewManager().
		WithGatewayURL("wss://gateway.test").
		WithLogger(zap.New(core)).
		WithDialer(dialer).
		WithClock(fake)
	for _, fn := range configure {
		fn(b)
	}

	m, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })

	return &harness{manager: m, dialer: dialer, clock: fake, logs: logs}
}

func (h *harness) post(t *testing.T, req Request) {
	t.Helper()
	require.NoError(t, h.manager.Post(req))
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := h.manager.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

// connect runs Init and waits until the transport is open.
func (h *harness) connect(t *testing.T, token string) *fakeTransport {
	t.Helper()
	h.post(t, Init{Token: token, AccountID: "acc-1"})
	tr := h.dialer.next(t)
	waitForState(t, h.manager, StateOpenUnsecured)
	return tr
}

// secure runs connect and acknowledges authentication.
func (h *harness) secure(t *testing.T) *fakeTransport {
	t.Helper()
	tr := h.connect(t, "tok")
	tr.deliver(t, map[string]any{"type": wire.TypeAck})
	waitForState(t, h.manager, StateOpenSecured)
	return tr
}

// waitFor returns the next notification of type T, skipping others.
func waitFor[T Notification](t *testing.T, m *Manager) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n, ok := <-m.Notifications():
			if !ok {
				t.Fatal("notification channel closed")
			}
			if v, ok := n.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n, ok := <-m.Notifications():
			if !ok {
				t.Fatal("notification channel closed")
			}
			if sc, ok := n.(StateChanged); ok && sc.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (now %s)", want, m.State())
		}
	}
}

// drain returns every notification currently buffered.
func drain(m *Manager) []Notification {
	var out []Notification
	for {
		select {
		case n, ok := <-m.Notifications():
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func countOf[T Notification](ns []Notification) int {
	count := 0
	for _, n := range ns {
		if _, ok := n.(T); ok {
			count++
		}
	}
	return count
}

var errBoom = errors.New("boom")
