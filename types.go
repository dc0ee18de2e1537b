package draftguard

// GenerateRequest is a single content generation call.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Content is one turn of structured input.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a fragment of content.
type Part struct {
	Text string `json:"text"`
}

// GenerationConfig tunes sampling and output shape.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

// SafetySetting sets a blocking threshold for one harm category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GenerateResponse is the provider's answer.
type GenerateResponse struct {
	Text         string
	FinishReason string
	Model        string
	Usage        Usage
}

// Usage reports token counts for one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// GenerateResult describes which candidate served a request.
type GenerateResult struct {
	Response     GenerateResponse
	Model        string
	Attempts     int
	UsedFallback bool
	Tried        []string
}

// UserText is a shorthand for a single user turn.
func UserText(text string) GenerateRequest {
	return GenerateRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: text}}}},
	}
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr returns a pointer to the given int64.
func Int64Ptr(v int64) *int64 { return &v }
