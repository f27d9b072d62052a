package pipeline

import "time"

// Stage results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// StageOutcome is the recorded result of one executed stage.
type StageOutcome struct {
	Stage    StageName
	Result   string
	Duration time.Duration
	Error    string
}

// Report summarizes one pipeline run. On failure the failing stage is the
// last entry and every earlier entry is a completed stage, so both are
// identifiable from the report alone.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Outcome  string
	Stages   []StageOutcome
}

func (r *Report) addOutcome(stage StageName, result string, duration time.Duration, err error) {
	outcome := StageOutcome{Stage: stage, Result: result, Duration: duration}
	if err != nil {
		outcome.Error = err.Error()
	}
	r.Stages = append(r.Stages, outcome)
}

// LastSuccessful returns the name of the last stage that succeeded, or "".
func (r *Report) LastSuccessful() StageName {
	var last StageName
	for _, s := range r.Stages {
		if s.Result == ResultSuccess {
			last = s.Stage
		}
	}
	return last
}

// FailedStage returns the name of the failed stage, or "".
func (r *Report) FailedStage() StageName {
	for _, s := range r.Stages {
		if s.Result == ResultFailure {
			return s.Stage
		}
	}
	return ""
}
