package pipeline

// State is the orchestrator's position within a batch.
type State int

const (
	StatePending State = iota
	StateFetching
	StateCollecting
	StateWriting
	StateSleeping
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateCollecting:
		return "collecting"
	case StateWriting:
		return "writing"
	case StateSleeping:
		return "sleeping"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Transition records one state change of a batch.
type Transition struct {
	Batch int
	From  State
	To    State
}
