package supervisor

// State is a supervisor lifecycle phase. Stopped is terminal.
type State int32

const (
	Idle State = iota
	Starting
	Handshaking
	Running
	ShuttingDownGraceful
	ShuttingDownForced
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Handshaking:
		return "handshaking"
	case Running:
		return "running"
	case ShuttingDownGraceful:
		return "shutting-down-graceful"
	case ShuttingDownForced:
		return "shutting-down-forced"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
