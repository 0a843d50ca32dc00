// Package supervisor keeps each transport link alive with its own
// reconnection state machine.
//
// Ownership boundary:
// - per-link state (Disconnected, Connecting, Connected, Degraded)
// - unbounded retries with capped backoff
// - post-connect hooks (macro refresh) and fault intake
package supervisor

import "time"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded means the link is up but its post-connect hook has not
	// succeeded yet.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Usable reports whether calls may use a link in this state.
func (s State) Usable() bool {
	return s == Connected || s == Degraded
}

// Snapshot is an immutable view of one link's state.
type Snapshot struct {
	Link        string
	State       State
	Retries     int
	NextRetryAt time.Time
	Since       time.Time
	LastError   string
	Connects    uint64
}
