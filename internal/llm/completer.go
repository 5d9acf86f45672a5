// Package llm provides thin HTTP clients for LLM provider APIs.
//
// The package exposes a single Completer port used by the generation layer
// for both text completion and vision OCR of rasterized PDF pages. Providers
// perform exactly one API call per Complete invocation; retry policy and
// temperature scheduling live in the caller.
//
// Example usage:
//
//	completer, err := llm.NewCompleter(llm.FactoryConfig{
//		Provider: "openai",
//		Timeout:  60 * time.Second,
//		OpenAI:   llm.OpenAIConfig{APIKey: key, Model: "gpt-4o"},
//	})
//	resp, err := completer.Complete(ctx, llm.CompletionRequest{
//		System:      "You are a research assistant.",
//		Prompt:      "Summarize the attached page.",
//		Temperature: 0.3,
//	})
package llm

import "context"

// ImageAttachment is a page image sent alongside the prompt for vision OCR.
type ImageAttachment struct {
	// MediaType is the MIME type of the image (e.g., "image/png").
	MediaType string

	// Data is the raw image bytes. Providers base64-encode as required.
	Data []byte
}

// CompletionRequest contains the parameters for a single completion call.
type CompletionRequest struct {
	// System is the system prompt (optional).
	System string

	// Prompt is the user prompt.
	Prompt string

	// Temperature is the sampling temperature for this call.
	Temperature float64

	// MaxTokens caps the response length. Zero means the provider default.
	MaxTokens int

	// Model overrides the provider's configured model (optional). Callers use
	// this to select a vision-capable model for OCR calls.
	Model string

	// Images are attached to the user message for vision requests.
	Images []ImageAttachment
}

// Usage contains token usage for a single completion call.
type Usage struct {
	// PromptTokens is the number of input tokens consumed.
	PromptTokens int

	// CompletionTokens is the number of output tokens generated.
	CompletionTokens int

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int
}

// CompletionResponse contains the completion text and metadata.
type CompletionResponse struct {
	// Text is the model's response text.
	Text string

	// Model is the model that produced the response.
	Model string

	// Usage is the token usage reported by the provider.
	Usage Usage
}

// Completer defines the interface for LLM completion providers.
//
// Implementations should handle provider-specific API calls, response parsing,
// and error handling while conforming to this unified interface.
type Completer interface {
	// Complete performs a single completion call. The context should be used
	// for cancellation and deadline propagation. Implementations do not retry;
	// a failed call returns an *APIError for provider and network failures.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Provider returns the name of the LLM provider (e.g., "openai", "anthropic").
	Provider() string

	// Model returns the default model identifier being used.
	Model() string
}
