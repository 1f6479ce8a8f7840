package agent

import (
	"time"

	"github.com/RedClaus/codepilot/internal/tools"
)

// State is the agent's position in the turn lifecycle.
type State string

const (
	// StateIdle means no turn is in flight.
	StateIdle State = "idle"
	// StatePerceiving gathers input and memory context.
	StatePerceiving State = "perceiving"
	// StateReasoning waits on the provider arbiter. At most one
	// reasoning request is outstanding at a time.
	StateReasoning State = "reasoning"
	// StateAwaitingToolResults runs requested tool invocations.
	StateAwaitingToolResults State = "awaiting-tool-results"
	// StateIntegrating folds tool results back into the conversation.
	StateIntegrating State = "integrating"
	// StateLearning distills the finished turn into memory.
	StateLearning State = "learning"
	// StateErrored is terminal for a turn: the turn failed and will not
	// progress further.
	StateErrored State = "errored"
)

// Turn is one user request processed end to end.
type Turn struct {
	ID       string          `json:"id"`
	Input    string          `json:"input"`
	Response string          `json:"response,omitempty"`
	State    State           `json:"state"`
	Depth    int             `json:"depth"`
	Results  []*tools.Result `json:"results,omitempty"`
	Err      error           `json:"-"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// pinned holds session record IDs pinned for the duration of the turn.
	pinned []string
}

// Failed reports whether the turn ended in the errored state.
func (t *Turn) Failed() bool {
	return t.State == StateErrored
}
