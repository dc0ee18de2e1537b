package meter

import "github.com/ineyio/draftguard"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ draftguard.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(draftguard.AttemptEvent) {}
func (m *NoopMeter) OnResult(draftguard.ResultEvent)   {}
func (m *NoopMeter) OnLookup(draftguard.LookupEvent)   {}
func (m *NoopMeter) OnQuota(draftguard.QuotaEvent)     {}
func (m *NoopMeter) OnRun(draftguard.RunEvent)         {}

// Multi fans events out to several meters.
type Multi []draftguard.Meter

var _ draftguard.Meter = Multi(nil)

func (m Multi) OnAttempt(e draftguard.AttemptEvent) {
	for _, x := range m {
		x.OnAttempt(e)
	}
}

func (m Multi) OnResult(e draftguard.ResultEvent) {
	for _, x := range m {
		x.OnResult(e)
	}
}

func (m Multi) OnLookup(e draftguard.LookupEvent) {
	for _, x := range m {
		x.OnLookup(e)
	}
}

func (m Multi) OnQuota(e draftguard.QuotaEvent) {
	for _, x := range m {
		x.OnQuota(e)
	}
}

func (m Multi) OnRun(e draftguard.RunEvent) {
	for _, x := range m {
		x.OnRun(e)
	}
}
