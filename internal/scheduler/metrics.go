package scheduler

// Metrics receives observability side effects from the scheduler. Recording
// must never block or fail in a way that reaches the decision path;
// implementations are expected to buffer or drop.
type Metrics interface {
	RecordOutcome(o Outcome)
	RecordSettlement()
	SetTrackedAccounts(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOutcome(Outcome)  {}
func (NopMetrics) RecordSettlement()      {}
func (NopMetrics) SetTrackedAccounts(int) {}
