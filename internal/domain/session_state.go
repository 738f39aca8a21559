package domain

// SessionState is the session manager's connection lifecycle.
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	ConnectedUnauthenticated
	Authenticating
	Authenticated
	Rejected
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectedUnauthenticated:
		return "connected_unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
