package node

// NodeState is the engine lifecycle state.
type NodeState int32

const (
	// StateStarting is the initial state; nothing is running yet.
	StateStarting NodeState = iota
	// StateSyncing means the startup sync round is in flight.
	StateSyncing
	// StateRunning means the production, sync and evaluation timers are live.
	StateRunning
	// StateStopped means Run has returned.
	StateStopped
)

// IsServing reports whether the engine accepts work from its timers. Status
// exposes it so health checks can tell a live node from one still starting.
func (s NodeState) IsServing() bool {
	return s == StateSyncing || s == StateRunning
}

func (s NodeState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSyncing:
		return "syncing"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
