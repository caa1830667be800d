package agent

// State is a phase of the agent lifecycle.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateAuthenticated
	StateReporting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateReporting:
		return "reporting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StateHook observes every transition. err is the cause for transitions
// into Idle or Disconnected, nil otherwise.
type StateHook func(from, to State, err error)
