package draftguard

import "context"

// Provider is the interface that generative-AI adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini").
	Name() string

	// ListModels returns the ids of models that currently support content
	// generation, without any "models/" prefix.
	ListModels(ctx context.Context, auth Auth) ([]string, error)

	// GenerateContent performs one generation call against a single model.
	// Failures should be reported as *ProviderError.
	GenerateContent(ctx context.Context, auth Auth, model string, req GenerateRequest) (GenerateResponse, error)
}

// Auth holds the provider credential.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// Configured reports whether a credential is present.
func (a Auth) Configured() bool {
	return a.APIKey != ""
}
