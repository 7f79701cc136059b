package metrics

import "time"

// OutcomeLabel enumerates operation result categories for counters.
type OutcomeLabel string

const (
	OutcomeSuccess OutcomeLabel = "success"
	OutcomeWarning OutcomeLabel = "warning"
	OutcomeFailed  OutcomeLabel = "failed"
)

// Recorder defines observability hooks for the storage and timer layers.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder is the default when metrics are not configured.
type Recorder interface {
	ObserveSaveDuration(d time.Duration)
	ObserveLoadDuration(d time.Duration)
	IncSaveOutcome(outcome OutcomeLabel)
	IncDecodeDropped(n int)
	IncOversizedPage()
	IncCleanupFailure()
	IncLimitExceeded()
	SetArchivePages(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveSaveDuration(time.Duration) {}
func (NoopRecorder) ObserveLoadDuration(time.Duration) {}
func (NoopRecorder) IncSaveOutcome(OutcomeLabel)       {}
func (NoopRecorder) IncDecodeDropped(int)              {}
func (NoopRecorder) IncOversizedPage()                 {}
func (NoopRecorder) IncCleanupFailure()                {}
func (NoopRecorder) IncLimitExceeded()                 {}
func (NoopRecorder) SetArchivePages(int)               {}
