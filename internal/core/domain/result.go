package domain

// Outcome of the run phase, as seen by down.
type Outcome int

const (
	// OutcomeManual means run was never invoked in this process: a bare
	// down executes neither the success nor the failure scripts.
	OutcomeManual Outcome = iota

	// OutcomeSuccess selects the down.success scripts.
	OutcomeSuccess

	// OutcomeFailure selects the down.failure scripts.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "manual"
	}
}

// PhaseResult is the result of the run phase. It drives the down path.
type PhaseResult struct {
	Outcome Outcome

	// Cause of the failure, nil unless Outcome is OutcomeFailure.
	Cause error
}

// RunSucceeded builds the result of a successful run phase.
func RunSucceeded() PhaseResult {
	return PhaseResult{Outcome: OutcomeSuccess}
}

// RunFailed builds the result of a failed run phase.
func RunFailed(cause error) PhaseResult {
	return PhaseResult{Outcome: OutcomeFailure, Cause: cause}
}

// NoRun is the result threaded into a bare down.
func NoRun() PhaseResult {
	return PhaseResult{Outcome: OutcomeManual}
}
