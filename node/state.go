package node

//go:generate enumer -type=State -trimprefix=State
type State int

const (
	StateUnconfigured State = iota
	StateInitialized
	StateStarted
	StateShuttingDown
	StateStopped
)
