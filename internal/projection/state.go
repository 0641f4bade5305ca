package projection

// State is the lifecycle state of a Runner.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateRestartBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateRestartBackoff:
		return "restart_backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Idle reports whether nothing is writing on behalf of the runner, which is
// the precondition for offset management.
func (s State) Idle() bool {
	return s == StateStopped || s == StateFailed
}
