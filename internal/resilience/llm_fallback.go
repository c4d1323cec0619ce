package resilience

import (
	"context"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamChat opens a streaming completion against the first healthy provider.
// Only stream establishment participates in failover; once the channel is
// open, mid-stream errors belong to the caller's turn handling.
func (f *LLMFallback) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamChat(ctx, req)
	})
}

// Chat sends the request to the first healthy provider and returns the full
// response.
func (f *LLMFallback) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// Respond sends the request to the responses endpoint of the first healthy
// provider. A provider without a responses surface fails fast with
// [llm.ErrResponsesUnsupported], letting a capable fallback take the call.
func (f *LLMFallback) Respond(ctx context.Context, req llm.RespondRequest) (*llm.RespondResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.RespondResponse, error) {
		return p.Respond(ctx, req)
	})
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the first entry (the primary).
// This does not participate in failover because capabilities are static metadata.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
