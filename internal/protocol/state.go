package protocol

// ProcessState is the canonical name of a debuggee state as it travels on
// the wire.
type ProcessState string

const (
	StateInvalid   ProcessState = "invalid"
	StateConnected ProcessState = "connected"
	StateAttaching ProcessState = "attaching"
	StateLaunching ProcessState = "launching"
	StateRunning   ProcessState = "running"
	StateStepping  ProcessState = "stepping"
	StateStopped   ProcessState = "stopped"
	StateCrashed   ProcessState = "crashed"
	StateDetached  ProcessState = "detached"
	StateExited    ProcessState = "exited"
	StateSuspended ProcessState = "suspended"
	StateUnloaded  ProcessState = "unloaded"
)

var knownStates = map[ProcessState]struct{}{
	StateInvalid: {}, StateConnected: {}, StateAttaching: {}, StateLaunching: {},
	StateRunning: {}, StateStepping: {}, StateStopped: {}, StateCrashed: {},
	StateDetached: {}, StateExited: {}, StateSuspended: {}, StateUnloaded: {},
}

func (s ProcessState) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Terminal reports whether no further engine transitions follow.
func (s ProcessState) Terminal() bool {
	switch s {
	case StateExited, StateDetached, StateCrashed:
		return true
	}
	return false
}

// HasFrame reports whether a selected execution frame exists in this state,
// which is the only time a location is meaningful.
func (s ProcessState) HasFrame() bool {
	return s == StateStopped
}

// LineEntry is a resolved source location of the selected frame.
type LineEntry struct {
	Directory string `json:"directory"`
	Filename  string `json:"filename"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
}
