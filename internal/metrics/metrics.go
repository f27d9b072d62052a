// Package metrics records build pipeline observations. Components receive a
// Recorder through dependency injection; the default NoopRecorder keeps
// one-shot CLI builds free of any metrics overhead, while the daemon swaps
// in the Prometheus implementation.
package metrics

import "time"

// Recorder receives pipeline observations.
type Recorder interface {
	// StageCompleted records one finished stage with its result
	// ("success", "failure" or "skipped") and duration.
	StageCompleted(stage, result string, duration time.Duration)
	// RunCompleted records one finished pipeline run with its outcome.
	RunCompleted(outcome string, duration time.Duration)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) StageCompleted(string, string, time.Duration) {}
func (NoopRecorder) RunCompleted(string, time.Duration)           {}
