package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/pkg/fault"
)

func TestTransport_IsValid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		transport Transport
		want      bool
	}{
		{TransportStdio, true},
		{TransportStreamableHTTP, true},
		{Transport("http"), false},
		{Transport(""), false},
	}
	for _, tc := range cases {
		if got := tc.transport.IsValid(); got != tc.want {
			t.Errorf("IsValid(%q) = %v, want %v", tc.transport, got, tc.want)
		}
	}
}

func TestRegisterServer_Validation(t *testing.T) {
	t.Parallel()
	h := NewHost()
	reg := tool.NewRegistry()

	cases := []struct {
		name string
		cfg  ServerConfig
	}{
		{"empty name", ServerConfig{Transport: TransportStdio, Command: "/bin/tool"}},
		{"invalid transport", ServerConfig{Name: "x", Transport: "carrier-pigeon"}},
		{"stdio without command", ServerConfig{Name: "x", Transport: TransportStdio}},
		{"http without url", ServerConfig{Name: "x", Transport: TransportStreamableHTTP}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.RegisterServer(context.Background(), tc.cfg, reg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in       string
		wantExec string
		wantArgs int
	}{
		{"/usr/local/bin/mcp-tools", "/usr/local/bin/mcp-tools", 0},
		{"/bin/server --config /etc/mcp.json", "/bin/server", 2},
		{"", "", 0},
		{"   ", "", 0},
	}
	for _, tc := range cases {
		exec, args := splitCommand(tc.in)
		if exec != tc.wantExec || len(args) != tc.wantArgs {
			t.Errorf("splitCommand(%q) = %q, %d args; want %q, %d", tc.in, exec, len(args), tc.wantExec, tc.wantArgs)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	if got := schemaToMap(nil); got["type"] != "object" {
		t.Errorf("nil schema = %v, want bare object", got)
	}

	direct := map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}}
	if got := schemaToMap(direct); got["properties"] == nil {
		t.Errorf("map schema lost properties: %v", got)
	}

	// Structured schemas round-trip through JSON.
	type schema struct {
		Type string `json:"type"`
	}
	if got := schemaToMap(schema{Type: "object"}); got["type"] != "object" {
		t.Errorf("struct schema = %v", got)
	}

	if got := schemaToMap(func() {}); got["type"] != "object" {
		t.Errorf("unmarshalable schema should degrade to bare object, got %v", got)
	}
}

func TestToJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{`{"ok":true}`, `{"ok":true}`},
		{`[1,2,3]`, `[1,2,3]`},
		{"plain text", `"plain text"`},
		{"", `""`},
	}
	for _, tc := range cases {
		if got := string(toJSON(tc.in)); got != tc.want {
			t.Errorf("toJSON(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestBuildEntry_BridgesAsRegularTool(t *testing.T) {
	t.Parallel()
	h := NewHost(WithToolTimeout(3 * time.Second))

	entry := h.buildEntry("crm", &mcpsdk.Tool{
		Name:        "lookup_customer",
		Description: "Look up a customer record.",
	})

	if entry.Name != "lookup_customer" {
		t.Errorf("name = %q", entry.Name)
	}
	if entry.IsHandoff {
		t.Error("bridged tools must never be handoff triggers")
	}
	if entry.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", entry.Timeout)
	}
	if len(entry.Tags) != 2 || entry.Tags[0] != "mcp" || entry.Tags[1] != "crm" {
		t.Errorf("tags = %v", entry.Tags)
	}
	if entry.Parameters["type"] != "object" {
		t.Errorf("parameters = %v", entry.Parameters)
	}
	if entry.Executor == nil {
		t.Fatal("executor not set")
	}
}

func TestCall_DisconnectedServer(t *testing.T) {
	t.Parallel()
	h := NewHost()

	entry := h.buildEntry("gone", &mcpsdk.Tool{Name: "orphan"})
	_, err := entry.Executor(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for disconnected server")
	}
	if !fault.Is(err, fault.ToolExecution) {
		t.Errorf("expected ToolExecution fault, got: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	h := NewHost()
	if err := h.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
