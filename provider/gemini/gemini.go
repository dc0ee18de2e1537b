// Package gemini implements draftguard.Provider for the Google Generative
// Language API (models.list and models.generateContent).
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ineyio/draftguard"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultAPIVersion = "v1beta"
	listPageSize      = 1000
	maxErrorBody      = 1024
)

// Provider is the Gemini API adapter.
type Provider struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

var _ draftguard.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL (without the API version).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIVersion sets the API version path segment, e.g. "v1".
func WithAPIVersion(v string) Option {
	return func(p *Provider) {
		if v = strings.Trim(v, "/ "); v != "" {
			p.apiVersion = v
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

type listModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

// ListModels returns the models that support generateContent, following
// pagination, with the "models/" prefix stripped.
func (p *Provider) ListModels(ctx context.Context, auth draftguard.Auth) ([]string, error) {
	var (
		out       []string
		pageToken string
	)
	for {
		q := url.Values{}
		q.Set("key", auth.APIKey)
		q.Set("pageSize", fmt.Sprint(listPageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		endpoint := fmt.Sprintf("%s/%s/models?%s", p.baseURL, p.apiVersion, q.Encode())

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("draftguard: create gemini request: %w", err)
		}

		httpResp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return nil, draftguard.TransportError("", err)
		}

		var page listModelsResponse
		err = decodeResponse(httpResp, "", &page)
		if err != nil {
			return nil, err
		}

		for _, m := range page.Models {
			if !supportsGenerate(m.SupportedGenerationMethods) {
				continue
			}
			out = append(out, strings.TrimPrefix(m.Name, "models/"))
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

type generateResponse struct {
	Candidates []struct {
		Content      draftguard.Content `json:"content"`
		FinishReason string             `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// GenerateContent calls models/{model}:generateContent.
func (p *Provider) GenerateContent(ctx context.Context, auth draftguard.Auth, model string, req draftguard.GenerateRequest) (draftguard.GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return draftguard.GenerateResponse{}, fmt.Errorf("draftguard: marshal gemini request: %w", err)
	}

	q := url.Values{}
	q.Set("key", auth.APIKey)
	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent?%s",
		p.baseURL, p.apiVersion, url.PathEscape(model), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return draftguard.GenerateResponse{}, fmt.Errorf("draftguard: create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return draftguard.GenerateResponse{}, draftguard.TransportError(model, err)
	}

	var resp generateResponse
	if err := decodeResponse(httpResp, model, &resp); err != nil {
		return draftguard.GenerateResponse{}, err
	}

	if len(resp.Candidates) == 0 {
		return draftguard.GenerateResponse{}, fmt.Errorf("draftguard: empty candidates in gemini response for %s", model)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	served := resp.ModelVersion
	if served == "" {
		served = model
	}

	return draftguard.GenerateResponse{
		Text:         text.String(),
		FinishReason: strings.ToLower(resp.Candidates[0].FinishReason),
		Model:        served,
		Usage: draftguard.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// decodeResponse maps non-2xx responses to *draftguard.ProviderError and
// decodes successful bodies into v. It always closes the body.
func decodeResponse(resp *http.Response, model string, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return draftguard.StatusError(model, resp.StatusCode, errorMessage(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("draftguard: decode gemini response: %w", err)
	}
	return nil
}

// errorMessage extracts error.message from a Google API error body, falling
// back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return string(raw)
}

func supportsGenerate(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}
