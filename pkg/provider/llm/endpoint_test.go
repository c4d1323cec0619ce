package llm_test

import (
	"testing"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

func TestSelectEndpoint(t *testing.T) {
	t.Parallel()

	withResponses := types.ModelCapabilities{SupportsResponses: true, SupportsStreaming: true}
	chatOnly := types.ModelCapabilities{SupportsStreaming: true}

	tests := []struct {
		name      string
		pref      llm.Endpoint
		streaming bool
		caps      types.ModelCapabilities
		want      llm.Endpoint
	}{
		{
			name:      "explicit chat wins even for non-streaming turn",
			pref:      llm.EndpointChat,
			streaming: false,
			caps:      withResponses,
			want:      llm.EndpointChat,
		},
		{
			name:      "explicit responses wins even for streaming turn",
			pref:      llm.EndpointResponses,
			streaming: true,
			caps:      withResponses,
			want:      llm.EndpointResponses,
		},
		{
			name:      "auto streaming picks chat",
			pref:      llm.EndpointAuto,
			streaming: true,
			caps:      withResponses,
			want:      llm.EndpointChat,
		},
		{
			name:      "auto non-streaming picks responses when supported",
			pref:      llm.EndpointAuto,
			streaming: false,
			caps:      withResponses,
			want:      llm.EndpointResponses,
		},
		{
			name:      "auto non-streaming falls back to chat without responses support",
			pref:      llm.EndpointAuto,
			streaming: false,
			caps:      chatOnly,
			want:      llm.EndpointChat,
		},
		{
			name:      "empty preference behaves like auto",
			pref:      "",
			streaming: true,
			caps:      withResponses,
			want:      llm.EndpointChat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := llm.SelectEndpoint(tt.pref, tt.streaming, tt.caps)
			if got != tt.want {
				t.Errorf("SelectEndpoint(%q, %v) = %q, want %q", tt.pref, tt.streaming, got, tt.want)
			}
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"", "auto", "chat", "responses", "realtime"} {
		if _, err := llm.ParseEndpoint(valid); err != nil {
			t.Errorf("ParseEndpoint(%q) returned error: %v", valid, err)
		}
	}

	got, err := llm.ParseEndpoint("")
	if err != nil {
		t.Fatalf("ParseEndpoint(\"\") returned error: %v", err)
	}
	if got != llm.EndpointAuto {
		t.Errorf("empty string should parse as auto, got %q", got)
	}

	if _, err := llm.ParseEndpoint("websocket"); err == nil {
		t.Error("expected error for unknown endpoint name")
	}
}
