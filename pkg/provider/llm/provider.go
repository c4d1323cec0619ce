// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a hosted or local model API and exposes two call
// shapes to the orchestrator: a streaming chat endpoint that emits text and
// tool-call deltas as they arrive, and a stateful responses endpoint that
// accepts per-turn additional instructions and continues a server-side
// conversation by id. Agents choose between them with an Endpoint preference;
// SelectEndpoint implements the runtime's selection rule.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamChat must be closed by the implementation when the stream ends or
// when the supplied context is cancelled. Errors should carry a fault.Kind
// so retry policy can distinguish transient upstream faults from fatal ones.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/parlancehq/parlance/pkg/types"
)

// ErrResponsesUnsupported is returned by Respond on providers whose backend
// has no responses endpoint. Callers should check
// Capabilities().SupportsResponses before selecting the responses endpoint.
var ErrResponsesUnsupported = errors.New("llm: provider does not support the responses endpoint")

// Endpoint names a model call shape. Agents carry an Endpoint preference in
// their model config; EndpointRealtime selects the speech-to-speech pipeline
// and never reaches a chat or responses call.
type Endpoint string

const (
	// EndpointAuto lets the runtime pick: chat for streaming turns,
	// responses for non-streaming turns on models that support it.
	EndpointAuto Endpoint = "auto"

	// EndpointChat forces the streaming chat-completion endpoint.
	EndpointChat Endpoint = "chat"

	// EndpointResponses forces the stateful responses endpoint.
	EndpointResponses Endpoint = "responses"

	// EndpointRealtime routes the whole session through a speech-to-speech
	// backend instead of the STT→LLM→TTS cascade.
	EndpointRealtime Endpoint = "realtime"
)

// ParseEndpoint validates a config string as an Endpoint. An empty string
// parses as EndpointAuto.
func ParseEndpoint(s string) (Endpoint, error) {
	switch Endpoint(s) {
	case "":
		return EndpointAuto, nil
	case EndpointAuto, EndpointChat, EndpointResponses, EndpointRealtime:
		return Endpoint(s), nil
	default:
		return "", fmt.Errorf("llm: unknown endpoint %q", s)
	}
}

// SelectEndpoint resolves the endpoint for one model call. An explicit chat
// or responses preference always wins. Auto picks chat when the turn streams
// text and responses otherwise, falling back to chat on models without a
// responses surface. EndpointRealtime never reaches a per-call selection and
// is resolved like auto if passed.
func SelectEndpoint(pref Endpoint, streaming bool, caps types.ModelCapabilities) Endpoint {
	switch pref {
	case EndpointChat, EndpointResponses:
		return pref
	}
	if streaming {
		return EndpointChat
	}
	if caps.SupportsResponses {
		return EndpointResponses
	}
	return EndpointChat
}

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly rather than computing it
	// from the parts.
	TotalTokens int
}

// ChatRequest carries everything the chat endpoint needs to produce a
// response. Callers should treat a zero-value request as invalid; at minimum
// Messages must be non-empty.
type ChatRequest struct {
	// Model overrides the provider's configured model or deployment for this
	// call. Empty uses the provider default. Agents with a per-endpoint
	// deployment map set it from their resolved deployment.
	Model string

	// Messages is the ordered conversation window. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function schemas offered to the model. The model
	// may choose to call one or more of them in its response. Providers that
	// do not support tool calling should return an error; callers should
	// check Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. A value
	// of 0.0 typically requests greedy decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is the rendered agent prompt injected before the
	// conversation window. Providers without a dedicated system slot should
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming chat call. A chunk may
// carry text, a finish signal, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (MaxTokens
	// reached), "tool_calls" (model wants to invoke tools), "error" (the
	// stream failed after opening) and "" (non-final chunk).
	FinishReason string

	// ToolCalls contains complete tool invocations the model is requesting.
	// Implementations accumulate provider-side fragments and emit whole calls
	// on the finishing chunk, in the model's declared order.
	ToolCalls []types.ToolCall
}

// ChatResponse is returned by the non-streaming Chat method.
type ChatResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model, in order.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ToolOutput feeds one executed tool result back into a responses-endpoint
// continuation.
type ToolOutput struct {
	// CallID identifies the function call this output answers.
	CallID string

	// Output is the JSON-encoded structured result.
	Output string
}

// RespondRequest carries one call to the responses endpoint. Conversation
// state lives server-side: chain turns by passing the previous response's ID
// instead of resending history.
type RespondRequest struct {
	// Model overrides the provider's configured model or deployment for this
	// call. Empty uses the provider default.
	Model string

	// Input is the user utterance driving this response. Empty when the call
	// only feeds back ToolOutputs from the previous response.
	Input string

	// ToolOutputs carries executed tool results when continuing a response
	// that requested function calls.
	ToolOutputs []ToolOutput

	// Instructions is the rendered agent system prompt for this turn.
	Instructions string

	// AdditionalInstructions is a per-turn payload appended after
	// Instructions, never stored in server-side state. Discrete handoffs use
	// it to carry the user's verbatim utterance to the new agent.
	AdditionalInstructions string

	// PreviousResponseID chains this call onto the server-side conversation.
	// Empty starts a fresh conversation.
	PreviousResponseID string

	// Tools is the set of function schemas offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps generated output tokens. Zero means provider default.
	MaxTokens int
}

// RespondResponse is returned by Respond.
type RespondResponse struct {
	// ID is the server-side response id. Pass it as PreviousResponseID on the
	// next call to continue the conversation.
	ID string

	// Content is the full text of the assistant's reply.
	Content string

	// ToolCalls lists function calls the model requested. Execute them and
	// feed the results back via ToolOutputs with PreviousResponseID = ID.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this call.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamChat sends req to the chat endpoint and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or when ctx is
	// cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Chunk, error)

	// Chat sends req to the chat endpoint and waits for the full response.
	// It is a convenience wrapper for callers that do not need incremental
	// output and do not want to manage a channel.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Respond sends req to the responses endpoint and waits for the full
	// response. Providers without a responses surface return
	// ErrResponsesUnsupported.
	Respond(ctx context.Context, req RespondRequest) (*RespondResponse, error)

	// CountTokens estimates the number of tokens the given message list would
	// consume in the model's context window. The result need not be exact
	// but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. The result is assumed to be constant for the
	// lifetime of the Provider instance.
	Capabilities() types.ModelCapabilities
}
