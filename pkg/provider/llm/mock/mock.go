// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the orchestrator sends correct
// requests and to feed controlled responses without a live LLM backend.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    ChatResponse: &llm.ChatResponse{Content: "Hello!"},
//	}
//	resp, err := p.Chat(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

// StreamCall records a single invocation of StreamChat.
type StreamCall struct {
	// Ctx is the context passed to StreamChat.
	Ctx context.Context
	// Req is the ChatRequest passed to StreamChat.
	Req llm.ChatRequest
}

// ChatCall records a single invocation of Chat.
type ChatCall struct {
	// Ctx is the context passed to Chat.
	Ctx context.Context
	// Req is the ChatRequest passed to Chat.
	Req llm.ChatRequest
}

// RespondCall records a single invocation of Respond.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Req is the RespondRequest passed to Respond.
	Req llm.RespondRequest
}

// CountTokensCall records a single invocation of CountTokens.
type CountTokensCall struct {
	// Messages is the slice passed to CountTokens.
	Messages []types.Message
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamChat. All chunks are sent before the channel is closed.
	StreamChunks []llm.Chunk

	// StreamChunksByCall, if non-empty, overrides StreamChunks per invocation:
	// the first StreamChat call emits StreamChunksByCall[0], the second
	// StreamChunksByCall[1], and so on. Calls beyond the end fall back to
	// StreamChunks. Use this to script multi-hop tool-calling turns.
	StreamChunksByCall [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamChat instead
	// of starting a channel.
	StreamErr error

	// StreamErrByCall, if non-empty, injects an error on specific invocations:
	// call i fails with StreamErrByCall[i] when that entry is non-nil. Use
	// this to script transient faults that succeed on retry.
	StreamErrByCall []error

	// ChatResponse is returned by Chat. May be nil (returns nil, nil).
	ChatResponse *llm.ChatResponse

	// ChatErr, if non-nil, is returned as the error from Chat.
	ChatErr error

	// RespondResponse is returned by Respond. May be nil (returns nil, nil).
	RespondResponse *llm.RespondResponse

	// RespondResponseByCall, if non-empty, overrides RespondResponse per
	// invocation, falling back to RespondResponse past the end.
	RespondResponseByCall []*llm.RespondResponse

	// RespondErr, if non-nil, is returned as the error from Respond.
	RespondErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamChat in order.
	StreamCalls []StreamCall

	// ChatCalls records every invocation of Chat in order.
	ChatCalls []ChatCall

	// RespondCalls records every invocation of Respond in order.
	RespondCalls []RespondCall

	// CountTokensCalls records every invocation of CountTokens in order.
	CountTokensCalls []CountTokensCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// StreamChat records the call and returns a channel that emits the scripted
// chunks. If an error is scripted for this invocation, it returns nil and the
// error without opening a channel.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	callIdx := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})

	if callIdx < len(p.StreamErrByCall) && p.StreamErrByCall[callIdx] != nil {
		err := p.StreamErrByCall[callIdx]
		p.mu.Unlock()
		return nil, err
	}
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}

	source := p.StreamChunks
	if callIdx < len(p.StreamChunksByCall) {
		source = p.StreamChunksByCall[callIdx]
	}
	chunks := make([]llm.Chunk, len(source))
	copy(chunks, source)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Chat records the call and returns ChatResponse, ChatErr.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChatCalls = append(p.ChatCalls, ChatCall{Ctx: ctx, Req: req})
	return p.ChatResponse, p.ChatErr
}

// Respond records the call and returns the scripted response for this
// invocation, or RespondResponse/RespondErr.
func (p *Provider) Respond(ctx context.Context, req llm.RespondRequest) (*llm.RespondResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	callIdx := len(p.RespondCalls)
	p.RespondCalls = append(p.RespondCalls, RespondCall{Ctx: ctx, Req: req})
	if p.RespondErr != nil {
		return nil, p.RespondErr
	}
	if callIdx < len(p.RespondResponseByCall) {
		return p.RespondResponseByCall[callIdx], nil
	}
	return p.RespondResponse, nil
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]types.Message, len(messages))
	copy(msgs, messages)
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{Messages: msgs})
	return p.TokenCount, p.CountTokensErr
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.ChatCalls = nil
	p.RespondCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
