// Package subscriptions defers channel subscriptions until the gateway
// connection has been authenticated.
package subscriptions

import (
	"github.com/altan/realtime/pkg/realtime/wire"
	"go.uber.org/zap"
)

// Request is a subscribe or unsubscribe intent for one channel. Notify asks
// for a Sent report once the request has been written.
type Request struct {
	Channel string
	Kind    wire.Kind
	Mode    wire.Mode
	Notify  bool
}

func (r Request) normalized() Request {
	r.Kind = r.Kind.OrDefault()
	r.Mode = r.Mode.OrDefault()
	return r
}

// Sent lists the notified channels carried by one subscription frame.
type Sent struct {
	Channels []string
	Kind     wire.Kind
	Mode     wire.Mode
}

// Link is the multiplexer's view of the connection.
type Link interface {
	// Secured reports whether the transport is open and authenticated.
	Secured() bool
	SendSubscription(sub wire.Subscription) error
}

// Multiplexer tracks queued and active subscriptions. It is not safe for
// concurrent use; the connection manager's loop owns it.
//
// A channel is either queued or active, never both: requests are queued only
// while the link is unsecured, and the active set is emptied whenever the
// connection is destroyed.
type Multiplexer struct {
	logger *zap.Logger
	queue  []Request
	active []activeEntry
	onSent func(Sent)
}

type activeEntry struct {
	channel string
	kind    wire.Kind
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{logger: logger}
}

// OnSent sets the function called after a frame carrying notified requests
// has been written. It runs on the caller's goroutine.
func (m *Multiplexer) OnSent(fn func(Sent)) {
	m.onSent = fn
}

func secured(link Link) bool {
	return link != nil && link.Secured()
}

// Subscribe sends reqs immediately when the link is secured, otherwise
// appends them to the queue one entry per channel. Queued entries are not
// de-duplicated. While secured, consecutive requests sharing a kind and mode
// go out as one frame.
func (m *Multiplexer) Subscribe(link Link, reqs ...Request) error {
	if !secured(link) {
		for _, req := range reqs {
			req = req.normalized()
			m.queue = append(m.queue, req)
			m.logger.Debug("Queued subscription",
				zap.String("channel", req.Channel),
				zap.String("kind", string(req.Kind)),
				zap.String("mode", string(req.Mode)),
				zap.Int("queueLength", len(m.queue)),
			)
		}
		return nil
	}

	for _, batch := range batches(reqs) {
		if err := m.send(link, batch); err != nil {
			return err
		}
		for _, req := range batch {
			m.apply(req)
		}
	}
	return nil
}

// Unsubscribe removes the channels of reqs from the gateway when the link is
// secured, batched like Subscribe. Otherwise it drops every queued entry for
// those channels and nothing is reported as sent.
func (m *Multiplexer) Unsubscribe(link Link, reqs ...Request) error {
	if !secured(link) {
		for _, req := range reqs {
			m.dropQueued(req.Channel)
		}
		return nil
	}

	unsubs := make([]Request, len(reqs))
	for i, req := range reqs {
		req.Mode = wire.ModeUnsubscribe
		unsubs[i] = req
	}
	for _, batch := range batches(unsubs) {
		if err := m.send(link, batch); err != nil {
			return err
		}
		for _, req := range batch {
			m.apply(req)
		}
	}
	return nil
}

func (m *Multiplexer) dropQueued(channel string) {
	kept := m.queue[:0]
	for _, req := range m.queue {
		if req.Channel != channel {
			kept = append(kept, req)
		}
	}
	removed := len(m.queue) - len(kept)
	m.queue = kept
	if removed > 0 {
		m.logger.Debug("Removed queued subscriptions",
			zap.String("channel", channel),
			zap.Int("removed", removed),
		)
	}
}

// batches normalizes reqs and groups consecutive requests with the same kind
// and mode.
func batches(reqs []Request) [][]Request {
	var out [][]Request
	for _, req := range reqs {
		req = req.normalized()
		if n := len(out); n > 0 {
			last := out[n-1][0]
			if last.Kind == req.Kind && last.Mode == req.Mode {
				out[n-1] = append(out[n-1], req)
				continue
			}
		}
		out = append(out, []Request{req})
	}
	return out
}

// Drain sends every queued request in insertion order. It does nothing unless
// the link is secured. If a send fails, that request and everything after it
// stay queued.
func (m *Multiplexer) Drain(link Link) (int, error) {
	if !secured(link) || len(m.queue) == 0 {
		return 0, nil
	}

	sent := 0
	for _, req := range m.queue {
		if err := m.send(link, []Request{req}); err != nil {
			m.queue = append([]Request(nil), m.queue[sent:]...)
			return sent, err
		}
		m.apply(req)
		sent++
	}

	m.logger.Debug("Drained subscription queue",
		zap.Int("sent", sent),
		zap.Int("active", len(m.active)),
	)
	m.queue = nil
	return sent, nil
}

// Reset forgets the active set after the connection is destroyed and returns
// what was active, in subscription order. The queue is kept.
func (m *Multiplexer) Reset() []Request {
	lost := make([]Request, 0, len(m.active))
	for _, entry := range m.active {
		lost = append(lost, Request{Channel: entry.channel, Kind: entry.kind, Mode: wire.ModeSubscribe})
	}
	m.active = nil
	return lost
}

// Requeue appends requests whose channel is not already queued. It is used to
// restore subscriptions lost with a previous connection.
func (m *Multiplexer) Requeue(reqs []Request) int {
	added := 0
	for _, req := range reqs {
		if m.isQueued(req.Channel) || m.IsActive(req.Channel) {
			continue
		}
		m.queue = append(m.queue, req.normalized())
		added++
	}
	return added
}

// Queued returns a copy of the pending queue.
func (m *Multiplexer) Queued() []Request {
	out := make([]Request, len(m.queue))
	copy(out, m.queue)
	return out
}

// Active returns the active channels in subscription order.
func (m *Multiplexer) Active() []string {
	out := make([]string, len(m.active))
	for i, entry := range m.active {
		out[i] = entry.channel
	}
	return out
}

// IsActive reports whether channel is in the active set.
func (m *Multiplexer) IsActive(channel string) bool {
	return m.activeIndex(channel) >= 0
}

func (m *Multiplexer) send(link Link, batch []Request) error {
	channels := make([]string, len(batch))
	var notified []string
	for i, req := range batch {
		channels[i] = req.Channel
		if req.Notify {
			notified = append(notified, req.Channel)
		}
	}

	first := batch[0]
	if err := link.SendSubscription(wire.Subscription{
		Type:     first.Kind,
		Mode:     first.Mode,
		Elements: channels,
	}); err != nil {
		return err
	}

	if len(notified) > 0 && m.onSent != nil {
		m.onSent(Sent{Channels: notified, Kind: first.Kind, Mode: first.Mode})
	}
	return nil
}

func (m *Multiplexer) apply(req Request) {
	idx := m.activeIndex(req.Channel)

	switch req.Mode {
	case wire.ModeUnsubscribe:
		if idx >= 0 {
			m.active = append(m.active[:idx], m.active[idx+1:]...)
		}
	default:
		if idx < 0 {
			m.active = append(m.active, activeEntry{channel: req.Channel, kind: req.Kind})
		}
	}
}

func (m *Multiplexer) activeIndex(channel string) int {
	for i, entry := range m.active {
		if entry.channel == channel {
			return i
		}
	}
	return -1
}

func (m *Multiplexer) isQueued(channel string) bool {
	for _, req := range m.queue {
		if req.Channel == channel {
			return true
		}
	}
	return false
}
