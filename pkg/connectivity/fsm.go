package connectivity

// State is the connectivity state of a node.
type State int32

const (
	Initialized State = iota
	Searching
	Connected
	Disconnecting
	Stopping
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Searching:
		return "searching"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type trigger int

const (
	trigStart trigger = iota
	trigConnected
	trigDisconnected
	trigStop
	trigStopped
)

func (t trigger) String() string {
	switch t {
	case trigStart:
		return "start"
	case trigConnected:
		return "connected"
	case trigDisconnected:
		return "disconnected"
	case trigStop:
		return "stop"
	case trigStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type transition struct {
	trigger trigger
	from    State
	to      State
}

// transitions is the complete table. Anything not listed is ignored.
var transitions = []transition{
	{trigStart, Initialized, Searching},
	{trigConnected, Searching, Connected},
	{trigDisconnected, Connected, Disconnecting},
	{trigStop, Searching, Stopping},
	{trigStop, Connected, Stopping},
	{trigStopped, Stopping, Initialized},
	{trigStopped, Disconnecting, Searching},
}

func next(t trigger, from State) (State, bool) {
	for _, tr := range transitions {
		if tr.trigger == t && tr.from == from {
			return tr.to, true
		}
	}
	return from, false
}
