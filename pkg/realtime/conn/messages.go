package conn

import (
	"errors"

	"github.com/altan/realtime/pkg/realtime/subscriptions"
	"github.com/altan/realtime/pkg/realtime/wire"
)

var (
	ErrMissingAccountID   = errors.New("account id is required")
	ErrMissingToken       = errors.New("no token provided, waiting for authentication")
	ErrNotSecured         = errors.New("connection is not secured")
	ErrMailboxFull        = errors.New("manager mailbox is full")
	ErrClosed             = errors.New("manager is closed")
	ErrAlreadyStarted     = errors.New("manager is already started")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Request is a message from the owning context to the Manager.
type Request interface {
	request()
}

// Init opens a connection for an account, replacing any existing one.
type Init struct {
	Token     string
	AccountID string
}

// Subscribe adds Channel and Channels. Until the connection is secured they
// are queued one entry per channel; once secured they go out as one frame.
// Notify asks for a Subscribed notification when the channels are written.
type Subscribe struct {
	Channel  string
	Channels []string
	Kind     wire.Kind
	Mode     wire.Mode
	Notify   bool
}

// Unsubscribe removes Channel and Channels, or drops them from the queue.
// Notify only applies to a secured connection.
type Unsubscribe struct {
	Channel  string
	Channels []string
	Kind     wire.Kind
	Notify   bool
}

func (s Subscribe) requests() []subscriptions.Request {
	return channelRequests(s.Channel, s.Channels, s.Kind, s.Mode, s.Notify)
}

func (u Unsubscribe) requests() []subscriptions.Request {
	return channelRequests(u.Channel, u.Channels, u.Kind, wire.ModeUnsubscribe, u.Notify)
}

// channelRequests skips empty channel names.
func channelRequests(channel string, channels []string, kind wire.Kind, mode wire.Mode, notify bool) []subscriptions.Request {
	reqs := make([]subscriptions.Request, 0, len(channels)+1)
	for _, c := range append([]string{channel}, channels...) {
		if c == "" {
			continue
		}
		reqs = append(reqs, subscriptions.Request{Channel: c, Kind: kind, Mode: mode, Notify: notify})
	}
	return reqs
}

// SendCommand forwards an application command. Dropped unless secured.
type SendCommand struct {
	Command string
	Data    any
}

// Disconnect tears the connection down and suppresses the reconnect advisory.
type Disconnect struct{}

func (Init) request()        {}
func (Subscribe) request()   {}
func (Unsubscribe) request() {}
func (SendCommand) request() {}
func (Disconnect) request()  {}

// Notification is a message from the Manager to the owning context.
// Notifications are delivered in the order they were produced.
type Notification interface {
	notification()
}

// Info reports a connection milestone.
type Info struct {
	Message string
}

// Error reports a failure. None of them are fatal to the Manager.
type Error struct {
	Err error
}

// Reconnect advises the owner to call Init again. The Manager never
// re-dials on its own.
type Reconnect struct {
	Attempt int
}

// Event carries an inbound frame other than the authentication ack.
type Event struct {
	Frame wire.Frame
}

// Subscribed acknowledges a Subscribe or Unsubscribe sent with Notify once
// its channels have been written to the gateway. Queued channels are
// acknowledged one at a time as the queue drains.
type Subscribed struct {
	Channels []string
	Kind     wire.Kind
	Mode     wire.Mode
}

// StateChanged reports a connection state transition.
type StateChanged struct {
	From State
	To   State
}

func (Info) notification()         {}
func (Error) notification()        {}
func (Reconnect) notification()    {}
func (Event) notification()        {}
func (Subscribed) notification()   {}
func (StateChanged) notification() {}

func (e Error) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}
