package wire

// Frame type constants for the gateway protocol.
const (
	// Client to gateway
	TypeAuthenticate = "authenticate"
	TypeSubscription = "subscription"
	TypeCommand      = "command"

	// Gateway to client
	TypeAck = "ack" // Authentication accepted, connection is secured
)

// Kind selects how the gateway interprets a subscribed channel.
type Kind string

const (
	KindLive    Kind = "l" // Live events for an exact channel
	KindPattern Kind = "p" // Channel is a pattern (e.g. "sa-service-metrics:*")
)

// Mode tells the gateway whether to add or remove the listed channels.
type Mode string

const (
	ModeSubscribe   Mode = "s"
	ModeUnsubscribe Mode = "u"
)

// OrDefault returns KindLive for the zero value.
func (k Kind) OrDefault() Kind {
	if k == "" {
		return KindLive
	}
	return k
}

// OrDefault returns ModeSubscribe for the zero value.
func (m Mode) OrDefault() Mode {
	if m == "" {
		return ModeSubscribe
	}
	return m
}

// Authenticate is the first frame sent once the transport is open.
type Authenticate struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// NewAuthenticate builds an authenticate frame for the given bearer token.
func NewAuthenticate(token string) Authenticate {
	return Authenticate{Type: TypeAuthenticate, Token: token}
}

// Subscription is the body of a subscription frame.
type Subscription struct {
	Type     Kind     `json:"type"`
	Mode     Mode     `json:"mode"`
	Elements []string `json:"elements"`
}

// SubscriptionFrame wraps a Subscription for the wire.
type SubscriptionFrame struct {
	Type         string       `json:"type"`
	Subscription Subscription `json:"subscription"`
}

// NewSubscription builds a subscription frame, filling in the default kind and
// mode when they are left empty.
func NewSubscription(kind Kind, mode Mode, channels ...string) SubscriptionFrame {
	elements := make([]string, len(channels))
	copy(elements, channels)

	return SubscriptionFrame{
		Type: TypeSubscription,
		Subscription: Subscription{
			Type:     kind.OrDefault(),
			Mode:     mode.OrDefault(),
			Elements: elements,
		},
	}
}

// Command carries an application command through the gateway.
type Command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Payload any    `json:"payload"`
}

// NewCommand builds a command frame.
func NewCommand(command string, payload any) Command {
	return Command{Type: TypeCommand, Command: command, Payload: payload}
}
