package services

import (
	"context"
	"iter"
	"strings"
	"time"
)

const ResponseFormatJSON = "application/json"

type GenerationRequest struct {
	Prompt          string
	MaxTokens       int32
	Temperature     *float32
	SystemRole      string
	DisableThinking bool
	ResponseFormat  string
}

type GenerationResponse struct {
	Content        string
	TokensUsed     int
	FinishReason   string
	ProcessingTime time.Duration
}

// StreamChunk is one increment of a streamed completion. The final chunk
// carries FinishReason and TokensUsed.
type StreamChunk struct {
	Text         string
	FinishReason string
	TokensUsed   int
}

// CompletionProvider is the language-model capability the pipeline consumes.
type CompletionProvider interface {
	Complete(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
	Stream(ctx context.Context, req *GenerationRequest) iter.Seq2[StreamChunk, error]
	ModelName() string
}

func float32Ptr(f float32) *float32 {
	return &f
}

// stripCodeFence removes a surrounding markdown code fence, which models
// add around JSON even when asked not to.
func stripCodeFence(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
		response = strings.TrimSuffix(response, "```")
		response = strings.TrimSpace(response)
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		response = strings.TrimSuffix(response, "```")
		response = strings.TrimSpace(response)
	}
	return response
}

// estimateTokens is used when the provider reports no usage.
func estimateTokens(prompt, output string) int {
	return len(prompt)/4 + len(output)/4
}
