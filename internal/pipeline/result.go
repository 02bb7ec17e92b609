package pipeline

import (
	"fmt"
	"time"

	"oxdaily/internal/delivery"
)

const (
	StageFetch   = "fetch"
	StageProcess = "process"
	StageCommit  = "commit"
)

// StageError reports a failed source, processor or after-delivery call
// within a tick.
type StageError struct {
	Stage string // StageFetch | StageProcess | StageCommit
	Name  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Name, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type SourceRun struct {
	Name  string        `json:"name"`
	Items int           `json:"items"`
	Took  time.Duration `json:"took"`
	Err   string        `json:"err,omitempty"`
}

// ProcessorRun records the items remaining after one processor. A failed
// processor passes its input through, so Items is the input count then.
type ProcessorRun struct {
	Name  string        `json:"name"`
	Items int           `json:"items"`
	Took  time.Duration `json:"took"`
	Err   string        `json:"err,omitempty"`
}

// Outcome values for RunResult.Outcome.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// RunResult describes one tick. It is logged and exported, never persisted.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Sources    []SourceRun      `json:"sources"`
	Processors []ProcessorRun   `json:"processors"`
	Fetched    int              `json:"fetched"`
	Items      int              `json:"items"`
	Skipped    bool             `json:"skipped"`
	Delivery   *delivery.Result `json:"delivery,omitempty"`
	Errors     []error          `json:"-"`
}

func (r RunResult) Duration() time.Duration { return r.End.Sub(r.Start) }

// Outcome is "skipped" when nothing was left to send, else the delivery outcome.
func (r RunResult) Outcome() string {
	switch {
	case r.Skipped:
		return OutcomeSkipped
	case r.Delivery != nil && r.Delivery.OK():
		return OutcomeDelivered
	default:
		return OutcomeFailed
	}
}
