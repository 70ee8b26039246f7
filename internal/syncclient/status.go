package syncclient

import (
	"time"

	"github.com/roach88/eventvault/internal/journal"
)

// State is the connection state of a client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Syncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the client.
type Status struct {
	State State
	// Vaults is the number of vaults currently linked.
	Vaults int
	// Err is the error that caused the last disconnect or failed cycle.
	Err error
	// Event is set on the status published when a sync cycle ends.
	Event      journal.SyncEventKind
	LastSyncAt time.Time
	At         time.Time
}

// Online reports whether the client holds a live connection.
func (s Status) Online() bool {
	return s.State == Connected || s.State == Syncing
}
