// Package mock provides a scripted draftguard.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/draftguard"
)

// Provider is a mock generative provider. Responses and failures are scripted
// per model.
type Provider struct {
	name    string
	models  []string
	listErr error
	latency time.Duration
	usage   draftguard.Usage

	mu        sync.Mutex
	errs      map[string][]error
	calls     map[string]int
	order     []string
	listCalls atomic.Int64
	genCalls  atomic.Int64

	responseFunc func(model string, req draftguard.GenerateRequest) (draftguard.GenerateResponse, error)
}

var _ draftguard.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:   "mock",
		models: []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-1.5-flash"},
		usage: draftguard.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets the models returned by ListModels.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithListError makes ListModels fail.
func WithListError(err error) Option {
	return func(p *Provider) { p.listErr = err }
}

// WithLatency adds simulated latency to every call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithUsage sets the usage returned on success.
func WithUsage(u draftguard.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithModelError makes every call to model fail with err.
func WithModelError(model string, err error) Option {
	return func(p *Provider) { p.errs[model] = []error{err} }
}

// WithModelErrors scripts consecutive failures for model. Once the script is
// used up the model succeeds.
func WithModelErrors(model string, errs ...error) Option {
	return func(p *Provider) { p.errs[model] = append(p.errs[model], errs...) }
}

// WithResponseFunc sets a custom response function, called when no scripted
// error applies.
func WithResponseFunc(fn func(model string, req draftguard.GenerateRequest) (draftguard.GenerateResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// ListModels returns the configured models.
func (p *Provider) ListModels(ctx context.Context, _ draftguard.Auth) ([]string, error) {
	p.listCalls.Add(1)
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out, nil
}

// GenerateContent returns the scripted outcome for model.
func (p *Provider) GenerateContent(ctx context.Context, _ draftguard.Auth, model string, req draftguard.GenerateRequest) (draftguard.GenerateResponse, error) {
	p.genCalls.Add(1)

	p.mu.Lock()
	p.calls[model]++
	p.order = append(p.order, model)
	var scripted error
	if errs := p.errs[model]; len(errs) > 0 {
		scripted = errs[0]
		// A single error sticks; a longer script is consumed.
		if len(errs) > 1 {
			p.errs[model] = errs[1:]
		}
	}
	p.mu.Unlock()

	if err := p.wait(ctx); err != nil {
		return draftguard.GenerateResponse{}, err
	}
	if scripted != nil {
		return draftguard.GenerateResponse{}, scripted
	}
	if p.responseFunc != nil {
		return p.responseFunc(model, req)
	}

	return draftguard.GenerateResponse{
		Text:         fmt.Sprintf("mock response from %s", model),
		FinishReason: "stop",
		Model:        model,
		Usage:        p.usage,
	}, nil
}

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListCalls returns the number of ListModels calls.
func (p *Provider) ListCalls() int64 {
	return p.listCalls.Load()
}

// GenerateCalls returns the total number of GenerateContent calls.
func (p *Provider) GenerateCalls() int64 {
	return p.genCalls.Load()
}

// Calls returns the number of GenerateContent calls for model.
func (p *Provider) Calls(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[model]
}

// CallOrder returns the models in the order they were called.
func (p *Provider) CallOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}
