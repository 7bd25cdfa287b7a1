package relay

// Status is the connection state of a relay. Transitions are serialized by
// the relay's own task; readers observe it atomically.
type Status int32

const (
	// StatusInitialized: created, never asked to connect.
	StatusInitialized Status = iota
	// StatusPending: connect requested, task not yet dialing.
	StatusPending
	// StatusConnecting: dial in progress.
	StatusConnecting
	// StatusConnected: session established.
	StatusConnected
	// StatusDisconnected: session lost; reconnection pending.
	StatusDisconnected
	// StatusTerminated: explicitly disconnected; no reconnection.
	StatusTerminated
	// StatusBanned: policy violation; terminal.
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusPending:
		return "pending"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusTerminated:
		return "terminated"
	case StatusBanned:
		return "banned"
	}
	return "unknown"
}

// CanConnect reports whether a connect request is admissible in this state.
func (s Status) CanConnect() bool {
	switch s {
	case StatusInitialized, StatusDisconnected, StatusTerminated:
		return true
	}
	return false
}
