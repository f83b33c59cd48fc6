package conn

import (
	"context"

	"github.com/altan/realtime/pkg/realtime/o11y"
)

// managerMetrics holds the instruments recorded by the Manager. A nil
// *managerMetrics records nothing.
type managerMetrics struct {
	connections    o11y.Counter   // Connection attempts started by Init
	state          o11y.Gauge     // Current State as a number
	framesReceived o11y.Counter   // Decoded inbound frames by type
	decodeErrors   o11y.Counter   // Inbound frames that failed to decode
	framesSent     o11y.Counter   // Outbound frames by type
	frameSize      o11y.Histogram // Message size in bytes by direction
	transportErrs  o11y.Counter   // Dial, read and write failures
	reconnects     o11y.Counter   // Reconnect advisories emitted
	queued         o11y.Gauge     // Subscriptions waiting for the ack
}

func newManagerMetrics(provider o11y.MetricsProvider) *managerMetrics {
	if provider == nil {
		return nil
	}

	return &managerMetrics{
		connections:    provider.Counter("realtime_connections_total"),
		state:          provider.Gauge("realtime_connection_state"),
		framesReceived: provider.Counter("realtime_frames_received_total"),
		decodeErrors:   provider.Counter("realtime_frame_decode_errors_total"),
		framesSent:     provider.Counter("realtime_frames_sent_total"),
		frameSize:      provider.Histogram("realtime_frame_size_bytes"),
		transportErrs:  provider.Counter("realtime_transport_errors_total"),
		reconnects:     provider.Counter("realtime_reconnect_advisories_total"),
		queued:         provider.Gauge("realtime_subscriptions_queued"),
	}
}

func (m *managerMetrics) recordConnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *managerMetrics) recordState(ctx context.Context, s State) {
	if m == nil {
		return
	}
	m.state.Set(ctx, float64(s))
}

func (m *managerMetrics) recordReceived(ctx context.Context, frameType string, size int) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.Label{Key: "type", Value: frameType})
	m.frameSize.Record(ctx, float64(size), o11y.Label{Key: "direction", Value: "received"})
}

func (m *managerMetrics) recordDecodeError(ctx context.Context) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1)
}

func (m *managerMetrics) recordSent(ctx context.Context, frameType string, size int) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, o11y.Label{Key: "type", Value: frameType})
	m.frameSize.Record(ctx, float64(size), o11y.Label{Key: "direction", Value: "sent"})
}

func (m *managerMetrics) recordTransportError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.transportErrs.Add(ctx, 1, o11y.Label{Key: "op", Value: op})
}

func (m *managerMetrics) recordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *managerMetrics) recordQueued(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.queued.Set(ctx, float64(n))
}
