package engine

import "github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"

// OutcomeKind is how a stage handler reports back. No exceptions-as-control-
// flow: every handler run ends in exactly one of these.
type OutcomeKind int

const (
	// OutcomeWait leaves the job where it is until a later tick.
	OutcomeWait OutcomeKind = iota
	// OutcomeTransition advances the job to Next.
	OutcomeTransition
	// OutcomeRetry re-enters the current stage, charged against the stage's
	// retry budget.
	OutcomeRetry
	// OutcomeFatal moves the job to DEAD immediately.
	OutcomeFatal
	// OutcomeCancelled records a cooperative cancellation: the job stays in
	// its stage with status "cancelled" and no retry counter change.
	OutcomeCancelled
)

type Outcome struct {
	Kind   OutcomeKind
	Next   types.Stage
	Reason string
	// Status optionally overrides the status string written on transition.
	Status string
}

func Wait() Outcome                       { return Outcome{Kind: OutcomeWait} }
func Transition(next types.Stage) Outcome { return Outcome{Kind: OutcomeTransition, Next: next} }
func Retry(reason string) Outcome         { return Outcome{Kind: OutcomeRetry, Reason: reason} }
func Fatal(reason string) Outcome         { return Outcome{Kind: OutcomeFatal, Reason: reason} }
func Cancelled() Outcome                  { return Outcome{Kind: OutcomeCancelled} }
