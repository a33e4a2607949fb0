package agent

// State is where the agent is in its connect/reconnect cycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Registered
	Attached
	Detached
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
