package app

// State is the lifecycle state of one app session
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateRunning      State = "RUNNING"
	StateGracePeriod  State = "GRACE_PERIOD"
	StateResurrecting State = "RESURRECTING"
	StateStopping     State = "STOPPING"
	StateDisconnected State = "DISCONNECTED"
)

var transitions = map[State][]State{
	StateConnecting:   {StateRunning, StateStopping, StateDisconnected},
	StateRunning:      {StateGracePeriod, StateStopping},
	StateGracePeriod:  {StateRunning, StateDisconnected, StateStopping},
	StateDisconnected: {StateResurrecting, StateConnecting, StateStopping},
	StateResurrecting: {StateConnecting, StateDisconnected, StateStopping},
	StateStopping:     {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsLive reports whether the app counts as running. A session in its grace
// period is still running as far as the user is concerned.
func (s State) IsLive() bool {
	return s == StateRunning || s == StateGracePeriod
}

// IsLoading reports whether the app is being brought up
func (s State) IsLoading() bool {
	return s == StateConnecting || s == StateResurrecting
}

// acceptsSends reports whether frames may be queued. Frames queued while
// no transport is bound are flushed on the next attach.
func (s State) acceptsSends() bool {
	return s.IsLive() || s.IsLoading()
}
