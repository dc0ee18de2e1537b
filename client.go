package draftguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ineyio/draftguard"

// Client calls a provider across an ordered list of model candidates.
type Client struct {
	provider   Provider
	auth       Auth
	candidates CandidateConfig
	catalog    *ModelCatalog
	meter      Meter
	logger     *slog.Logger
	tracer     trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCandidates sets the candidate configuration.
func WithCandidates(cfg CandidateConfig) ClientOption {
	return func(c *Client) { c.candidates = cfg }
}

// WithCatalog injects a discovery catalog, e.g. to share it between clients.
func WithCatalog(cat *ModelCatalog) ClientOption {
	return func(c *Client) { c.catalog = cat }
}

// WithClientMeter sets the meter.
func WithClientMeter(m Meter) ClientOption {
	return func(c *Client) { c.meter = m }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a fallback client for provider.
func NewClient(provider Provider, auth Auth, opts ...ClientOption) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("draftguard: provider is required")
	}

	c := &Client{
		provider: provider,
		auth:     auth,
		meter:    noopMeter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.catalog == nil {
		c.catalog = NewModelCatalog(provider, auth, c.logger)
	}
	return c, nil
}

// Catalog returns the discovery catalog.
func (c *Client) Catalog() *ModelCatalog {
	return c.catalog
}

// Candidates resolves the ordered candidate list, running discovery on first
// use.
func (c *Client) Candidates(ctx context.Context) ([]string, error) {
	if !c.auth.Configured() {
		return ResolveCandidates(c.candidates, nil, false), nil
	}
	available, ok, err := c.catalog.Available(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		c.logger.Debug("candidates_unfiltered", "error", err)
	}
	return ResolveCandidates(c.candidates, available, ok), nil
}

// Generate tries each candidate in order. Retryable failures move on to the
// next candidate; a non-retryable failure stops the chain. When every
// candidate failed the error wraps ErrAllModelsExhausted.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	ctx, span := c.tracer.Start(ctx, "draftguard.Generate",
		trace.WithAttributes(attribute.String("provider", c.provider.Name())))
	defer span.End()

	if !c.auth.Configured() {
		span.SetStatus(codes.Error, ErrMissingCredential.Error())
		return GenerateResult{}, ErrMissingCredential
	}

	candidates, err := c.Candidates(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		return GenerateResult{}, fmt.Errorf("%w: %w", ErrNoCallIssued, err)
	}
	if len(candidates) == 0 {
		return GenerateResult{}, ErrNoCandidates
	}

	var (
		lastErr error
		tried   []string
	)
	for i, model := range candidates {
		attempt := i + 1
		tried = append(tried, model)

		c.meter.OnAttempt(AttemptEvent{
			Provider:   c.provider.Name(),
			Model:      model,
			AttemptNum: attempt,
			Candidates: len(candidates),
		})

		start := time.Now()
		resp, err := c.provider.GenerateContent(ctx, c.auth, model, req)
		duration := time.Since(start)

		if err == nil {
			c.meter.OnResult(ResultEvent{
				Provider:   c.provider.Name(),
				Model:      model,
				AttemptNum: attempt,
				Success:    true,
				Duration:   duration,
				Usage:      resp.Usage,
			})
			if resp.Model == "" {
				resp.Model = model
			}
			span.SetAttributes(
				attribute.String("model", model),
				attribute.Int("attempts", attempt),
			)
			return GenerateResult{
				Response:     resp,
				Model:        model,
				Attempts:     attempt,
				UsedFallback: i > 0,
				Tried:        tried,
			}, nil
		}

		retryable := IsRetryable(err)
		c.meter.OnResult(ResultEvent{
			Provider:   c.provider.Name(),
			Model:      model,
			AttemptNum: attempt,
			Success:    false,
			Retryable:  retryable,
			StatusCode: statusOf(err),
			Duration:   duration,
			Error:      err,
		})
		span.RecordError(err)
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return GenerateResult{}, ctxErr
		}

		if !retryable {
			span.SetStatus(codes.Error, err.Error())
			return GenerateResult{}, &FallbackError{
				Err:      err,
				Last:     err,
				Tried:    tried,
				Attempts: attempt,
			}
		}

		if i < len(candidates)-1 {
			c.logger.Warn("model_failed_trying_next",
				"provider", c.provider.Name(),
				"model", model,
				"next_model", candidates[i+1],
				"attempt", attempt,
				"status", statusOf(err),
				"error", err,
			)
		}
	}

	span.SetStatus(codes.Error, ErrAllModelsExhausted.Error())
	c.logger.Error("all_models_exhausted",
		"provider", c.provider.Name(),
		"tried", tried,
		"error", lastErr,
	)
	return GenerateResult{}, &FallbackError{
		Err:      ErrAllModelsExhausted,
		Last:     lastErr,
		Tried:    tried,
		Attempts: len(tried),
	}
}

func statusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind == FailureStatus {
		return pe.StatusCode
	}
	return 0
}
