package policy

import (
	"context"
	"sync"

	"github.com/ineyio/draftguard"
)

// StaticSource serves policies from memory. Plans without an entry get the
// fallback policy, unlimited by default.
type StaticSource struct {
	mu       sync.RWMutex
	plans    map[draftguard.Plan]draftguard.QuotaPolicy
	fallback draftguard.QuotaPolicy
}

var _ draftguard.PolicySource = (*StaticSource)(nil)

// NewStaticSource creates a static source from plans.
func NewStaticSource(plans map[draftguard.Plan]draftguard.QuotaPolicy) *StaticSource {
	s := &StaticSource{
		plans:    make(map[draftguard.Plan]draftguard.QuotaPolicy, len(plans)),
		fallback: draftguard.UnlimitedPolicy(),
	}
	for k, v := range plans {
		s.plans[k] = v
	}
	return s
}

// Set replaces the policy of plan.
func (s *StaticSource) Set(plan draftguard.Plan, p draftguard.QuotaPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan] = p
}

// Policy returns the policy of plan.
func (s *StaticSource) Policy(_ context.Context, plan draftguard.Plan) (draftguard.QuotaPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.plans[plan]; ok {
		return p, nil
	}
	return s.fallback, nil
}

// Limit is a convenience for building a QuotaPolicy with a ceiling.
func Limit(n int64, hard bool) draftguard.QuotaPolicy {
	p := draftguard.UnlimitedPolicy()
	p.MonthlyLimit = &n
	p.HardEnforcement = hard
	return p
}
