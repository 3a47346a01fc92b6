package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// IsTerminal reports whether no further transition is allowed out of s
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunError, RunStopped:
		return true
	}
	return false
}

// IsActive reports whether s counts towards the active set (pending or running)
func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

// Valid reports whether s is one of the known statuses
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunError, RunStopped:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
// running -> running is the continuation self-loop.
func CanTransition(from, to RunStatus) bool {
	if !to.Valid() {
		return false
	}
	switch from {
	case RunPending:
		return to == RunRunning || to == RunStopped || to == RunError
	case RunRunning:
		return to == RunRunning || to.IsTerminal()
	default:
		return false
	}
}

// ParseRunStatus converts a string into a RunStatus
func ParseRunStatus(s string) (RunStatus, bool) {
	st := RunStatus(s)
	return st, st.Valid()
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}
