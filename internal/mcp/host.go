// Package mcp connects Model Context Protocol servers and bridges their
// tools into the runtime's tool registry.
//
// The host manages client sessions to one or more MCP servers (stdio
// subprocesses or streamable-HTTP endpoints) using the official MCP Go SDK.
// Each server's discovered tools are registered as regular registry entries
// whose executors route back through the live session. Bridged tools are
// never handoff triggers; an MCP server cannot switch the active agent.
//
// Lifecycle: call [Host.RegisterServer] for each configured server during
// startup, then [Host.Close] at shutdown to release all connections.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/pkg/fault"
)

// defaultToolTimeout bounds a bridged tool execution when the host is not
// configured otherwise.
const defaultToolTimeout = 10 * time.Second

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server. Must be unique
	// within a single [Host]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is "stdio".
	// Example: "/usr/local/bin/mcp-server --config /etc/mcp.json"
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	URL string

	// Token is a static Bearer token sent with every request to a
	// streamable-http server. Empty sends unauthenticated requests.
	Token string

	// Env holds additional environment variables injected into the server
	// process when Transport is "stdio". May be nil.
	Env map[string]string
}

// Option configures a [Host].
type Option func(*Host)

// WithLogger sets the host's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithToolTimeout sets the per-execution deadline applied to bridged tools.
func WithToolTimeout(d time.Duration) Option {
	return func(h *Host) { h.toolTimeout = d }
}

// Host manages MCP server connections and the bridge into the tool
// registry. Safe for concurrent use.
type Host struct {
	client      *mcpsdk.Client
	log         *slog.Logger
	toolTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewHost creates a ready-to-use Host.
func NewHost(opts ...Option) *Host {
	h := &Host{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parlance", Version: "1.0.0"},
			nil,
		),
		log:         slog.Default(),
		toolTimeout: defaultToolTimeout,
		sessions:    make(map[string]*mcpsdk.ClientSession),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterServer connects to the MCP server described by cfg, discovers its
// tools and registers them into reg. It returns the number of tools bridged.
//
// For [TransportStdio]: cfg.Command is split on spaces into executable +
// args; cfg.Env is passed as additional environment variables. For
// [TransportStreamableHTTP]: cfg.URL is the endpoint; cfg.Token, when set,
// is sent as a Bearer token.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig, reg *tool.Registry) (int, error) {
	if cfg.Name == "" {
		return 0, errors.New("mcp: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return 0, fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	h.mu.Lock()
	_, dup := h.sessions[cfg.Name]
	h.mu.Unlock()
	if dup {
		return 0, fmt.Errorf("mcp: server %q already registered", cfg.Name)
	}

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return 0, err
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return 0, fmt.Errorf("mcp: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, t)
	}

	h.mu.Lock()
	h.sessions[cfg.Name] = session
	h.mu.Unlock()

	bridged := 0
	for _, t := range discovered {
		entry := h.buildEntry(cfg.Name, t)
		if err := reg.Register(entry); err != nil {
			h.log.Warn("mcp tool skipped", "server", cfg.Name, "tool", t.Name, "error", err)
			continue
		}
		bridged++
	}
	h.log.Info("mcp server bridged", "server", cfg.Name, "tools", bridged)
	return bridged, nil
}

// buildTransport maps a ServerConfig onto an SDK transport.
func buildTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcp: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			t.HTTPClient = &http.Client{Transport: bearerTransport{token: cfg.Token}}
		}
		return t, nil
	}
	return nil, fmt.Errorf("mcp: unknown transport %q", cfg.Transport)
}

// buildEntry converts a discovered SDK tool into a registry entry whose
// executor routes through the server session.
func (h *Host) buildEntry(serverName string, t *mcpsdk.Tool) tool.Entry {
	name := t.Name
	return tool.Entry{
		Name:        name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
		Tags:        []string{"mcp", serverName},
		Timeout:     h.toolTimeout,
		Executor: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return h.call(ctx, serverName, name, args)
		},
	}
}

// call executes a bridged tool on its server session.
func (h *Host) call(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	session, ok := h.sessions[serverName]
	h.mu.Unlock()
	if !ok {
		return nil, fault.Errorf(fault.ToolExecution, "mcp: server %q not connected", serverName)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return nil, fault.Errorf(fault.ToolExecution, "mcp: invalid args for tool %q: %v", toolName, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fault.Wrap(fault.ToolExecution, fmt.Errorf("mcp: call %q on %q: %w", toolName, serverName, err))
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, fault.Errorf(fault.ToolExecution, "mcp: tool %q reported error: %s", toolName, sb.String())
	}
	return toJSON(sb.String()), nil
}

// Close terminates all server sessions. Safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp: close server %q: %w", name, err))
		}
		delete(h.sessions, name)
	}
	return errors.Join(errs...)
}

// bearerTransport adds a static Authorization header to every request.
type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap normalizes a tool's input schema into the JSON-schema map the
// model expects. Unparseable schemas degrade to a bare object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// toJSON wraps tool output as a JSON value: raw JSON passes through, plain
// text is quoted.
func toJSON(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
