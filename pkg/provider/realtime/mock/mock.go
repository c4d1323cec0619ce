// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions.
// Use Session to drive the audio/event streams and inspect which methods the
// realtime pipeline invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EventsCh <- realtime.Event{Type: realtime.EventSessionUpdated}
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session with buffered channels.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities realtime.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// UpdateSessionCall records a single invocation of Session.UpdateSession.
type UpdateSessionCall struct {
	// Cfg is the SessionConfig passed to UpdateSession.
	Cfg realtime.SessionConfig
}

// InjectContextCall records a single invocation of Session.InjectContext.
type InjectContextCall struct {
	// Items is a copy of the context items passed to InjectContext.
	Items []realtime.ContextItem
}

// ToolOutputCall records a single invocation of Session.SendToolOutput.
type ToolOutputCall struct {
	// CallID is the provider call id passed to SendToolOutput.
	CallID string
	// Output is the JSON result passed to SendToolOutput.
	Output string
}

// CreateResponseCall records a single invocation of Session.CreateResponse.
type CreateResponseCall struct {
	// AdditionalInstructions is the per-response payload passed to
	// CreateResponse.
	AdditionalInstructions string
}

// Session is a mock implementation of realtime.SessionHandle.
// Tests push events into EventsCh and audio into AudioCh, then close both to
// signal end-of-session.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Callers own this channel.
	AudioCh chan []byte

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan realtime.Event

	// ErrVal is returned by Err.
	ErrVal error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// UpdateSessionErr, if non-nil, is returned by every UpdateSession call.
	UpdateSessionErr error

	// InjectContextErr, if non-nil, is returned by every InjectContext call.
	InjectContextErr error

	// SendToolOutputErr, if non-nil, is returned by every SendToolOutput call.
	SendToolOutputErr error

	// CreateResponseErr, if non-nil, is returned by every CreateResponse call.
	CreateResponseErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// UpdateSessionCalls records every call to UpdateSession in order.
	UpdateSessionCalls []UpdateSessionCall

	// InjectContextCalls records every call to InjectContext in order.
	InjectContextCalls []InjectContextCall

	// ToolOutputCalls records every call to SendToolOutput in order.
	ToolOutputCalls []ToolOutputCall

	// CreateResponseCalls records every call to CreateResponse in order.
	CreateResponseCalls []CreateResponseCall

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with buffered Audio and Events channels.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan realtime.Event, 32),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// UpdateSession records the call, returns UpdateSessionErr and, on success,
// acknowledges asynchronously with an EventSessionUpdated if the events
// channel has room. That mirrors the real service's asynchronous apply.
func (s *Session) UpdateSession(cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateSessionCalls = append(s.UpdateSessionCalls, UpdateSessionCall{Cfg: cfg})
	if s.UpdateSessionErr != nil {
		return s.UpdateSessionErr
	}
	select {
	case s.EventsCh <- realtime.Event{Type: realtime.EventSessionUpdated}:
	default:
	}
	return nil
}

// InjectContext records the call and returns InjectContextErr.
func (s *Session) InjectContext(items []realtime.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]realtime.ContextItem, len(items))
	copy(cp, items)
	s.InjectContextCalls = append(s.InjectContextCalls, InjectContextCall{Items: cp})
	return s.InjectContextErr
}

// SendToolOutput records the call and returns SendToolOutputErr.
func (s *Session) SendToolOutput(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolOutputCalls = append(s.ToolOutputCalls, ToolOutputCall{CallID: callID, Output: output})
	return s.SendToolOutputErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (s *Session) CreateResponse(additionalInstructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateResponseCalls = append(s.CreateResponseCalls, CreateResponseCall{AdditionalInstructions: additionalInstructions})
	return s.CreateResponseErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.UpdateSessionCalls = nil
	s.InjectContextCalls = nil
	s.ToolOutputCalls = nil
	s.CreateResponseCalls = nil
	s.InterruptCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.SessionHandle at compile time.
var _ realtime.SessionHandle = (*Session)(nil)
