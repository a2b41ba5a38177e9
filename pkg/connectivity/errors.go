package connectivity

import (
	"errors"
	"fmt"
)

var (
	// ErrNoClient is returned by New when no client role is given.
	ErrNoClient = errors.New("connectivity: a client role is required")
	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("connectivity: not connected")
)

// InvariantError is the panic value raised when a role reports a connection
// count while no role is started. It means role bookkeeping and the state
// machine disagree, so the manager cannot continue.
type InvariantError struct {
	Role  string
	Count int
	State State
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("connectivity: %s reported %d connections in state %s with no connection threshold set", e.Role, e.Count, e.State)
}
