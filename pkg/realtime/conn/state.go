package conn

// State is the connection state machine:
//
//	Closed --init--> Connecting --open--> OpenUnsecured --ack--> OpenSecured
//
// and any state returns to Closed on close or error.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpenUnsecured
	StateOpenSecured
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpenUnsecured:
		return "open-unsecured"
	case StateOpenSecured:
		return "open-secured"
	default:
		return "unknown"
	}
}

// Open reports whether a transport is established.
func (s State) Open() bool {
	return s == StateOpenUnsecured || s == StateOpenSecured
}
