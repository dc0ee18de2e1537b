package draftguard

// Default model lists for the Gemini generateContent API.
var (
	DefaultModels       = []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-1.5-flash"}
	DefaultSafeFallback = []string{"gemini-2.0-flash", "gemini-1.5-flash"}
)

// DefaultSafeModel is substituted when filtering leaves nothing.
const DefaultSafeModel = "gemini-2.0-flash"

// CandidateConfig configures how the candidate list is built.
type CandidateConfig struct {
	// Priority is the explicit ordered model list. When set, LegacyModel and
	// Defaults are ignored.
	Priority []string `yaml:"model_priority"`

	// LegacyModel is a single model prepended to Defaults.
	LegacyModel string `yaml:"model"`

	// Defaults is the list used without Priority. Nil means DefaultModels.
	Defaults []string `yaml:"default_models"`

	// SafeFallbacks are appended to every list without checking discovery.
	// Nil means DefaultSafeFallback.
	SafeFallbacks []string `yaml:"safe_fallbacks"`

	// SafeDefault replaces an empty filtered list if it was discovered.
	// Empty means DefaultSafeModel.
	SafeDefault string `yaml:"safe_default"`
}

func (c CandidateConfig) withDefaults() CandidateConfig {
	if c.Defaults == nil {
		c.Defaults = DefaultModels
	}
	if c.SafeFallbacks == nil {
		c.SafeFallbacks = DefaultSafeFallback
	}
	if c.SafeDefault == "" {
		c.SafeDefault = DefaultSafeModel
	}
	return c
}

// baseModels returns the configured or default list, before filtering.
func (c CandidateConfig) baseModels() []string {
	c = c.withDefaults()
	if len(c.Priority) > 0 {
		return dedupe(c.Priority)
	}
	if c.LegacyModel != "" {
		return dedupe(append([]string{c.LegacyModel}, c.Defaults...))
	}
	return dedupe(c.Defaults)
}

// ResolveCandidates builds the ordered candidate list.
//
// When discovered is true the base list is filtered to available models. An
// empty result falls back to SafeDefault if available, else to the unfiltered
// base list. SafeFallbacks are always appended. Without discovery the base
// list is used as is.
func ResolveCandidates(cfg CandidateConfig, available map[string]bool, discovered bool) []string {
	cfg = cfg.withDefaults()
	base := cfg.baseModels()

	list := base
	if discovered {
		var filtered []string
		for _, m := range base {
			if available[m] {
				filtered = append(filtered, m)
			}
		}
		switch {
		case len(filtered) > 0:
			list = filtered
		case available[cfg.SafeDefault]:
			list = []string{cfg.SafeDefault}
		default:
			list = base
		}
	}

	out := make([]string, 0, len(list)+len(cfg.SafeFallbacks))
	out = append(out, list...)
	out = append(out, cfg.SafeFallbacks...)
	return dedupe(out)
}

func dedupe(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
