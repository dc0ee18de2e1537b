package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ineyio/draftguard"
)

// FileConfig is the parsed quota section of a policy file:
//
//	quota:
//	  soft_threshold_percent: 80
//	  plans:
//	    pro:
//	      monthly_limit: 500
//	      hard_enforcement: true
//
// Values are parsed one by one with the same rules as EnvSource, so a
// malformed entry only degrades its own plan.
type FileConfig struct {
	SoftThresholdPercent float64
	Plans                map[string]PlanConfig
}

// PlanConfig is one plan entry. A nil limit is unlimited.
type PlanConfig struct {
	MonthlyLimit    *int64
	HardEnforcement bool
}

// FileSource serves plan policies from a YAML file and reloads it when it
// changes on disk. A reload that is not valid YAML keeps the previous
// policies; malformed values inside valid YAML degrade to unlimited.
type FileSource struct {
	v       *viper.Viper
	logger  *slog.Logger
	current atomic.Value // FileConfig
}

var _ draftguard.PolicySource = (*FileSource)(nil)

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithFileLogger sets the logger used for reload events.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(s *FileSource) { s.logger = l }
}

// NewFileSource loads path and starts watching it.
func NewFileSource(path string, opts ...FileOption) (*FileSource, error) {
	s := &FileSource{v: viper.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	s.v.SetConfigFile(path)
	if err := s.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("draftguard/policy: read %s: %w", path, err)
	}

	s.current.Store(s.decode())

	s.v.OnConfigChange(func(e fsnotify.Event) {
		updated := s.decode()
		s.current.Store(updated)
		s.logger.Info("quota_policy_reloaded", "file", e.Name, "plans", len(updated.Plans))
	})
	s.v.WatchConfig()

	return s, nil
}

// decode never fails: anything malformed degrades to unlimited.
func (s *FileSource) decode() FileConfig {
	section, ok := s.v.Get("quota").(map[string]any)
	if !ok {
		if raw := s.v.Get("quota"); raw != nil {
			s.logger.Warn("quota_section_malformed", "value", raw)
		}
		return FileConfig{SoftThresholdPercent: draftguard.DefaultSoftThresholdPercent}
	}

	cfg := FileConfig{
		SoftThresholdPercent: parseThreshold(scalar(section["soft_threshold_percent"])),
		Plans:                make(map[string]PlanConfig),
	}
	plans, _ := section["plans"].(map[string]any)
	for name, v := range plans {
		entry, ok := v.(map[string]any)
		if !ok {
			s.logger.Warn("quota_plan_malformed", "plan", name, "value", v)
			cfg.Plans[strings.ToLower(name)] = PlanConfig{}
			continue
		}
		pc := PlanConfig{
			MonthlyLimit:    parseLimit(scalar(entry["monthly_limit"])),
			HardEnforcement: parseBool(scalar(entry["hard_enforcement"])),
		}
		if raw := scalar(entry["monthly_limit"]); raw != "" && pc.MonthlyLimit == nil {
			s.logger.Warn("quota_limit_unlimited", "plan", name, "monthly_limit", raw)
		}
		cfg.Plans[strings.ToLower(name)] = pc
	}
	return cfg
}

// scalar renders a decoded YAML scalar for the string parsers.
func scalar(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Config returns the currently loaded file contents.
func (s *FileSource) Config() FileConfig {
	return s.current.Load().(FileConfig)
}

// Policy returns the policy of plan from the latest loaded file. Unknown
// plans are unlimited.
func (s *FileSource) Policy(_ context.Context, plan draftguard.Plan) (draftguard.QuotaPolicy, error) {
	cfg := s.Config()

	p := draftguard.UnlimitedPolicy()
	p.SoftThresholdPercent = cfg.SoftThresholdPercent

	pc, ok := cfg.Plans[strings.ToLower(string(plan))]
	if !ok {
		return p, nil
	}
	if pc.MonthlyLimit != nil {
		limit := *pc.MonthlyLimit
		p.MonthlyLimit = &limit
	}
	p.HardEnforcement = pc.HardEnforcement
	return p, nil
}
