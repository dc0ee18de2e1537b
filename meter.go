package draftguard

import "time"

// Meter observes governance events for monitoring/logging.
type Meter interface {
	// OnAttempt is called before a model candidate is tried.
	OnAttempt(event AttemptEvent)

	// OnResult is called when a model candidate returns.
	OnResult(event ResultEvent)

	// OnLookup is called after a draft cache lookup.
	OnLookup(event LookupEvent)

	// OnQuota is called after a quota evaluation.
	OnQuota(event QuotaEvent)

	// OnRun is called after a usage run is written (or rejected).
	OnRun(event RunEvent)
}

// AttemptEvent describes a candidate about to be tried.
type AttemptEvent struct {
	Provider   string
	Model      string
	AttemptNum int
	Candidates int
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	Provider   string
	Model      string
	AttemptNum int
	Success    bool
	Retryable  bool
	StatusCode int
	Duration   time.Duration
	Usage      Usage
	Error      error
}

// LookupEvent describes a draft cache lookup.
type LookupEvent struct {
	Kind OperationKind
	Hit  bool
}

// QuotaEvent describes a quota decision.
type QuotaEvent struct {
	TenantID string
	Plan     Plan
	Action   RunType
	Status   QuotaStatus
	Reason   QuotaReason
}

// RunEvent describes a ledger write.
type RunEvent struct {
	TenantID  string
	Type      RunType
	AIUsed    bool
	Reused    bool
	Violation bool
	Rejected  bool
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAttempt(AttemptEvent) {}
func (noopMeter) OnResult(ResultEvent)   {}
func (noopMeter) OnLookup(LookupEvent)   {}
func (noopMeter) OnQuota(QuotaEvent)     {}
func (noopMeter) OnRun(RunEvent)         {}
