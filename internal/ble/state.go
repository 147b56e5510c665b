package ble

// State is the transport session lifecycle state.
type State int

const (
	Disconnected State = iota
	ForceDisconnecting
	Discovering
	Connecting
	Ready
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ForceDisconnecting:
		return "force_disconnecting"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Connected reports whether the state allows exchanges.
func (s State) Connected() bool {
	return s == Ready
}
