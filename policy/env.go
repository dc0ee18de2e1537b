// Package policy provides draftguard.PolicySource implementations backed by
// the process environment, a watched YAML file, or a static map.
package policy

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/ineyio/draftguard"
)

// DefaultEnvPrefix is the variable prefix used when none is given.
const DefaultEnvPrefix = "AI_QUOTA"

// EnvSource reads plan policies from environment variables on every call:
//
//	{PREFIX}_LIMIT_{PLAN}              monthly ceiling, unset or non-positive = unlimited
//	{PREFIX}_SOFT_THRESHOLD_PERCENT    warning threshold, default 80
//	{PREFIX}_HARD_ENFORCEMENT_{PLAN}   true/1/yes/on to block at the ceiling
//
// PLAN is the plan name upper-cased with non-alphanumerics replaced by "_".
type EnvSource struct {
	prefix string
	lookup func(string) (string, bool)
}

var _ draftguard.PolicySource = (*EnvSource)(nil)

// NewEnvSource creates an environment source. An empty prefix uses
// DefaultEnvPrefix.
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvSource{prefix: strings.TrimSuffix(prefix, "_"), lookup: os.LookupEnv}
}

// Policy returns the policy of plan. Malformed values fall back to the safe
// default instead of failing.
func (s *EnvSource) Policy(_ context.Context, plan draftguard.Plan) (draftguard.QuotaPolicy, error) {
	name := envName(plan)

	p := draftguard.UnlimitedPolicy()
	p.MonthlyLimit = parseLimit(s.get(s.prefix + "_LIMIT_" + name))
	p.SoftThresholdPercent = parseThreshold(s.get(s.prefix + "_SOFT_THRESHOLD_PERCENT"))
	p.HardEnforcement = parseBool(s.get(s.prefix + "_HARD_ENFORCEMENT_" + name))
	return p, nil
}

func (s *EnvSource) get(key string) string {
	v, _ := s.lookup(key)
	return strings.TrimSpace(v)
}

func envName(plan draftguard.Plan) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(string(plan))) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func parseLimit(raw string) *int64 {
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func parseThreshold(raw string) float64 {
	if raw == "" {
		return draftguard.DefaultSoftThresholdPercent
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f > 100 {
		return draftguard.DefaultSoftThresholdPercent
	}
	return f
}

func parseBool(raw string) bool {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
