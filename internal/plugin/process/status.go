package process

// Status is the lifecycle state of one plugin worker. Failed is
// absorbing: a plugin that exhausted its restart budget or died during
// startup stays Failed until an operator removes and re-registers it.
type Status string

const (
	// StatusStarting covers registration through the IPC handshake.
	StatusStarting Status = "Starting"

	// StatusRunning means the worker answered the handshake and serves
	// hooks.
	StatusRunning Status = "Running"

	// StatusUnhealthy means liveness checks are failing; the restart
	// path is about to run.
	StatusUnhealthy Status = "Unhealthy"

	// StatusTerminating means a graceful shutdown is in progress.
	StatusTerminating Status = "Terminating"

	// StatusTerminated means the worker exited and its resources were
	// released. A terminated plugin can be started again.
	StatusTerminated Status = "Terminated"

	// StatusFailed is terminal: startup failed or the restart budget
	// ran out.
	StatusFailed Status = "Failed"
)

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no further transitions happen without
// operator action.
func (s Status) Terminal() bool {
	return s == StatusFailed
}

// startable reports whether Start may run from this state.
func (s Status) startable() bool {
	return s == StatusStarting || s == StatusTerminated
}
