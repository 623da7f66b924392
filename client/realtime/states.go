package realtime

// ConnectionState is the realtime connection lifecycle state. Transitions
// are validated: an illegal transition is ignored rather than corrupting
// the state machine.
type ConnectionState int

const (
	// Disconnected is the resting state: no transport, no goroutines.
	Disconnected ConnectionState = iota
	// Connecting means a dial is in flight.
	Connecting
	// Connected means the transport is live and frames flow.
	Connected
	// Faulted means the transport failed. The manager stays here until the
	// consumer disconnects or reconnects; it never retries on its own.
	Faulted
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// validTransition reports whether from -> to is a legal edge.
// Any state may fault; recovery from Faulted goes through Disconnected.
func validTransition(from, to ConnectionState) bool {
	if from == to {
		return false
	}
	switch to {
	case Connecting:
		return from == Disconnected
	case Connected:
		return from == Connecting
	case Disconnected:
		return true
	case Faulted:
		return from != Disconnected
	default:
		return false
	}
}
