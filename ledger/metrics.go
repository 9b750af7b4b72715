package ledger

import "time"

// Metrics receives engine events. The metrics package provides a
// Prometheus implementation; NopMetrics is used when none is configured.
type Metrics interface {
	Mutation(op string, err error)
	Recompute(source string, d time.Duration, err error)
	HookFailed(hook string)
	HistoryWriteFailed(action HistoryAction)
}

type NopMetrics struct{}

func (NopMetrics) Mutation(string, error)                 {}
func (NopMetrics) Recompute(string, time.Duration, error) {}
func (NopMetrics) HookFailed(string)                      {}
func (NopMetrics) HistoryWriteFailed(HistoryAction)       {}
