package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/draftguard"
	"github.com/ineyio/draftguard/provider/gemini"
)

var auth = draftguard.Auth{APIKey: "test-key"}

func TestListModels_PaginatesAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		switch r.URL.Query().Get("pageToken") {
		case "":
			w.Write([]byte(`{"models":[
				{"name":"models/gemini-2.5-flash","supportedGenerationMethods":["generateContent","countTokens"]},
				{"name":"models/text-embedding-004","supportedGenerationMethods":["embedContent"]}
			],"nextPageToken":"p2"}`))
		case "p2":
			w.Write([]byte(`{"models":[
				{"name":"models/gemini-2.0-flash","supportedGenerationMethods":["generateContent"]}
			]}`))
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	}))
	defer srv.Close()

	p := gemini.New(gemini.WithBaseURL(srv.URL))
	models, err := p.ListModels(context.Background(), auth)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.0-flash"}, models)
}

func TestGenerateContent_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var req draftguard.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "hello", req.Contents[0].Parts[0].Text)
		require.NotNil(t, req.GenerationConfig)
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMIMEType)

		w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"Hi "},{"text":"there"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5},
			"modelVersion":"gemini-2.5-flash-001"
		}`))
	}))
	defer srv.Close()

	p := gemini.New(gemini.WithBaseURL(srv.URL+"/"), gemini.WithAPIVersion("v1"))
	req := draftguard.UserText("hello")
	req.GenerationConfig = &draftguard.GenerationConfig{ResponseMIMEType: "application/json"}

	resp, err := p.GenerateContent(context.Background(), auth, "gemini-2.5-flash", req)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "gemini-2.5-flash-001", resp.Model)
	assert.Equal(t, draftguard.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, resp.Usage)
}

func TestGenerateContent_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
		message   string
	}{
		{429, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`, true, "Resource has been exhausted"},
		{404, `{"error":{"code":404,"message":"models/x is not found"}}`, true, "models/x is not found"},
		{403, `{"error":{"code":403,"message":"permission denied"}}`, true, "permission denied"},
		{500, `internal`, true, "internal"},
		{400, `{"error":{"code":400,"message":"invalid argument"}}`, false, "invalid argument"},
		{401, ``, false, ""},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))

		_, err := gemini.New(gemini.WithBaseURL(srv.URL)).
			GenerateContent(context.Background(), auth, "x", draftguard.UserText("hi"))
		srv.Close()

		var pe *draftguard.ProviderError
		require.ErrorAs(t, err, &pe, "status %d", tt.status)
		assert.Equal(t, draftguard.FailureStatus, pe.Kind)
		assert.Equal(t, tt.status, pe.StatusCode)
		assert.Equal(t, "x", pe.Model)
		assert.Equal(t, tt.message, pe.Message)
		assert.Equal(t, tt.retryable, draftguard.IsRetryable(err), "status %d", tt.status)
	}
}

func TestGenerateContent_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := gemini.New(gemini.WithBaseURL(url)).
		GenerateContent(context.Background(), auth, "x", draftguard.UserText("hi"))

	var pe *draftguard.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, draftguard.FailureTransport, pe.Kind)
	assert.Zero(t, pe.StatusCode)
	assert.True(t, draftguard.IsRetryable(err))
}

func TestGenerateContent_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := gemini.New(gemini.WithBaseURL(srv.URL)).
		GenerateContent(context.Background(), auth, "x", draftguard.UserText("hi"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty candidates"))
}

func TestClientFallbackOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1beta/models":
			w.Write([]byte(`{"models":[
				{"name":"models/gemini-2.5-flash","supportedGenerationMethods":["generateContent"]},
				{"name":"models/gemini-2.0-flash","supportedGenerationMethods":["generateContent"]}
			]}`))
		case strings.HasPrefix(r.URL.Path, "/v1beta/models/gemini-2.5-flash:"):
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"quota"}}`))
		case strings.HasPrefix(r.URL.Path, "/v1beta/models/gemini-2.0-flash:"):
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := draftguard.NewClient(gemini.New(gemini.WithBaseURL(srv.URL)), auth)
	require.NoError(t, err)

	res, err := c.Generate(context.Background(), draftguard.UserText("hi"))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", res.Model)
	assert.Equal(t, "ok", res.Response.Text)
	assert.True(t, res.UsedFallback)
	assert.False(t, errors.Is(err, draftguard.ErrAllModelsExhausted))
}

func TestClientFallsBackAfterHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1beta/models":
			w.Write([]byte(`{"models":[
				{"name":"models/slow","supportedGenerationMethods":["generateContent"]},
				{"name":"models/fast","supportedGenerationMethods":["generateContent"]}
			]}`))
		case strings.HasPrefix(r.URL.Path, "/v1beta/models/slow:"):
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
		case strings.HasPrefix(r.URL.Path, "/v1beta/models/fast:"):
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"quick"}]},"finishReason":"STOP"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := gemini.New(
		gemini.WithBaseURL(srv.URL),
		gemini.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
	)
	c, err := draftguard.NewClient(p, auth, draftguard.WithCandidates(draftguard.CandidateConfig{
		Priority:      []string{"slow", "fast"},
		SafeFallbacks: []string{},
	}))
	require.NoError(t, err)

	res, err := c.Generate(context.Background(), draftguard.UserText("hi"))
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Model)
	assert.Equal(t, "quick", res.Response.Text)
	assert.Equal(t, []string{"slow", "fast"}, res.Tried)
}
