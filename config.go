package draftguard

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level draftguard configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Drafts   DraftsConfig   `yaml:"drafts"`
	Quota    QuotaConfig    `yaml:"quota"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Log      LogConfig      `yaml:"log"`
}

// ProviderConfig configures the generative-AI provider.
type ProviderConfig struct {
	Name       string          `yaml:"name"`
	Auth       Auth            `yaml:"auth"`
	BaseURL    string          `yaml:"base_url"`
	APIVersion string          `yaml:"api_version"`
	Timeout    time.Duration   `yaml:"timeout"`
	Candidates CandidateConfig `yaml:"candidates"`
}

// DraftsConfig configures the draft cache.
type DraftsConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
	Dedup      bool          `yaml:"dedup_in_flight"`
}

// Policy returns the draft TTL policy.
func (d DraftsConfig) Policy() DraftPolicy {
	return DraftPolicy{DefaultTTL: d.DefaultTTL, MaxTTL: d.MaxTTL}
}

// QuotaConfig selects where plan policies come from.
type QuotaConfig struct {
	// Source is "env", "file" or "static".
	Source    string `yaml:"source"`
	EnvPrefix string `yaml:"env_prefix"`
	File      string `yaml:"file"`
}

// LedgerConfig configures the usage ledger.
type LedgerConfig struct {
	StrictApplyInvariant bool `yaml:"strict_apply_invariant"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewLogger builds a slog logger writing to w. Unknown levels fall back to
// info, unknown formats to JSON.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Quota policy sources.
const (
	QuotaSourceEnv    = "env"
	QuotaSourceFile   = "file"
	QuotaSourceStatic = "static"
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Name:       "gemini",
			APIVersion: "v1beta",
			Timeout:    60 * time.Second,
		},
		Drafts: DraftsConfig{
			DefaultTTL: DefaultDraftPolicy().DefaultTTL,
			MaxTTL:     DefaultDraftPolicy().MaxTTL,
		},
		Quota: QuotaConfig{
			Source:    QuotaSourceEnv,
			EnvPrefix: "AI_QUOTA",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("draftguard: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("draftguard: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv returns DefaultConfig with the GEMINI_* variables applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overlays the GEMINI_* variables on the provider section. Missing
// variables leave the current values alone.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		c.Provider.Auth.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_VERSION")); v != "" {
		c.Provider.APIVersion = v
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_MODEL_PRIORITY")); v != "" {
		c.Provider.Candidates.Priority = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_MODEL")); v != "" {
		c.Provider.Candidates.LegacyModel = v
	}
}

// Validate checks the config for consistency. A missing provider credential
// is not an error: the client fails at call time instead.
func (c Config) Validate() error {
	if c.Drafts.DefaultTTL < 0 {
		return fmt.Errorf("draftguard: config: drafts.default_ttl must not be negative")
	}
	if c.Drafts.MaxTTL < 0 {
		return fmt.Errorf("draftguard: config: drafts.max_ttl must not be negative")
	}
	if c.Drafts.MaxTTL > 0 && c.Drafts.DefaultTTL > c.Drafts.MaxTTL {
		return fmt.Errorf("draftguard: config: drafts.default_ttl exceeds drafts.max_ttl")
	}

	switch c.Quota.Source {
	case "", QuotaSourceEnv, QuotaSourceStatic:
	case QuotaSourceFile:
		if c.Quota.File == "" {
			return fmt.Errorf("draftguard: config: quota.file is required for source %q", QuotaSourceFile)
		}
	default:
		return fmt.Errorf("draftguard: config: invalid quota.source %q", c.Quota.Source)
	}

	seen := make(map[string]bool, len(c.Provider.Candidates.Priority))
	for i, m := range c.Provider.Candidates.Priority {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("draftguard: config: provider.candidates.model_priority[%d] is empty", i)
		}
		if seen[m] {
			return fmt.Errorf("draftguard: config: duplicate model %q in provider.candidates.model_priority", m)
		}
		seen[m] = true
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
