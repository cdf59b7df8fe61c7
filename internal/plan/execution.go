package plan

// ExecutionMode selects how far execution runs before control returns to the
// game manager.
type ExecutionMode string

const (
	// ModeOneRound executes a single round and stops.
	ModeOneRound ExecutionMode = "one_round"
	// ModeUntilEvent executes rounds until at least one task is delayed.
	ModeUntilEvent ExecutionMode = "until_event"
	// ModeContinuous executes rounds until the plan is exhausted or stopped.
	ModeContinuous ExecutionMode = "continuous"
)

// Valid reports whether the value names a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeOneRound, ModeUntilEvent, ModeContinuous:
		return true
	}
	return false
}

// ExecutionInfo configures an execution run started by the game manager.
type ExecutionInfo struct {
	Mode       ExecutionMode `json:"mode"`
	StartRound int           `json:"start_round"`
}

// StepPending is emitted by the server at the start of each execution round;
// it lists the tasks whose outcome the game manager must report back.
type StepPending struct {
	Round int      `json:"round"`
	Tasks []string `json:"tasks"`
}

// StepResult is the game manager's verdict on one execution round: which of
// the pending tasks finished and which slipped.
type StepResult struct {
	Round     int      `json:"round"`
	Completed []string `json:"completed,omitempty"`
	Delayed   []string `json:"delayed,omitempty"`
}
