package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/draftguard"
)

// LogMeter logs governance events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ draftguard.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e draftguard.AttemptEvent) {
	m.Logger.Debug("attempt",
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.AttemptNum,
		"candidates", e.Candidates,
	)
}

func (m *LogMeter) OnResult(e draftguard.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"provider", e.Provider,
			"model", e.Model,
			"attempt", e.AttemptNum,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
		return
	}
	m.Logger.Warn("result_error",
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.AttemptNum,
		"status", e.StatusCode,
		"retryable", e.Retryable,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnLookup(e draftguard.LookupEvent) {
	m.Logger.Debug("draft_lookup", "operation_kind", string(e.Kind), "hit", e.Hit)
}

func (m *LogMeter) OnQuota(e draftguard.QuotaEvent) {
	level := slog.LevelDebug
	if e.Status != draftguard.QuotaAllowed {
		level = slog.LevelInfo
	}
	m.Logger.Log(context.Background(), level, "quota",
		"tenant_id", e.TenantID,
		"plan", string(e.Plan),
		"action", string(e.Action),
		"status", string(e.Status),
		"reason", string(e.Reason),
	)
}

func (m *LogMeter) OnRun(e draftguard.RunEvent) {
	if e.Violation {
		m.Logger.Error("run_invariant_violation",
			"stage", "meter",
			"tenant_id", e.TenantID,
			"type", string(e.Type),
			"rejected", e.Rejected,
		)
		return
	}
	m.Logger.Debug("run",
		"tenant_id", e.TenantID,
		"type", string(e.Type),
		"ai_used", e.AIUsed,
		"reused", e.Reused,
	)
}
