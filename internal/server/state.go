package server

// State is the lifecycle state of a Manager.
type State int32

// Lifecycle states. Idle -> Starting -> Running -> Stopping -> Idle.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}
