package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/parlancehq/parlance/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "any-llm"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs"},
	"realtime":   {"openai-realtime"},
	"embeddings": {"openai"},
	"vad":        {"energy"},
}

// envRefRe matches ${VAR} references in the raw config text.
var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path, expands ${VAR} environment
// references, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} with the environment value. Unset variables
// expand to the empty string so missing secrets surface as empty fields, not
// literal placeholders.
func expandEnv(raw []byte) []byte {
	return envRefRe.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := envRefRe.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyDefaults fills zero values with the documented runtime defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Session.Mode == "" {
		c.Session.Mode = ModeCascade
	}
	if c.Session.MaxToolHops <= 0 {
		c.Session.MaxToolHops = 6
	}
	if c.Pipeline.QueueCapacity <= 0 {
		c.Pipeline.QueueCapacity = 16
	}
	if c.Pipeline.FillerPhrase == "" {
		c.Pipeline.FillerPhrase = "One moment."
	}
	if c.Pipeline.FillerDelay <= 0 {
		c.Pipeline.FillerDelay = 800 * time.Millisecond
	}
	if c.Pipeline.UpdateTimeout <= 0 {
		c.Pipeline.UpdateTimeout = 5 * time.Second
	}
	if c.Timeouts.LLMConnect <= 0 {
		c.Timeouts.LLMConnect = 5 * time.Second
	}
	if c.Timeouts.FirstToken <= 0 {
		c.Timeouts.FirstToken = 3 * time.Second
	}
	if c.Timeouts.InterToken <= 0 {
		c.Timeouts.InterToken = 8 * time.Second
	}
	if c.Timeouts.Turn <= 0 {
		c.Timeouts.Turn = 60 * time.Second
	}
	if c.Timeouts.Tool <= 0 {
		c.Timeouts.Tool = 10 * time.Second
	}
	if c.Timeouts.TTSChunk <= 0 {
		c.Timeouts.TTSChunk = 2 * time.Second
	}
	if c.Timeouts.DrainMemory <= 0 {
		c.Timeouts.DrainMemory = 2 * time.Second
	}
	if c.Timeouts.DrainTools <= 0 {
		c.Timeouts.DrainTools = 5 * time.Second
	}
	if c.Memory.FlushInterval <= 0 {
		c.Memory.FlushInterval = 500 * time.Millisecond
	}
	if c.Memory.HistoryLimit <= 0 {
		c.Memory.HistoryLimit = 64
	}
	if c.Memory.EmbeddingDimensions <= 0 {
		c.Memory.EmbeddingDimensions = 1536
	}
	if c.Resilience.RetryAttempts <= 0 {
		c.Resilience.RetryAttempts = 3
	}
	if c.Resilience.RetryBaseDelay <= 0 {
		c.Resilience.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.Resilience.BreakerFailureThreshold <= 0 {
		c.Resilience.BreakerFailureThreshold = 5
	}
	if c.Resilience.BreakerCooldown <= 0 {
		c.Resilience.BreakerCooldown = 30 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Session.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: cascade, realtime", cfg.Session.Mode))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}

	// Mode ↔ provider cross-validation.
	switch cfg.Session.Mode {
	case ModeCascade:
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("session.mode cascade requires providers.llm"))
		}
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("session.mode cascade requires providers.stt"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("session.mode cascade requires providers.tts"))
		}
	case ModeRealtime:
		if cfg.Providers.Realtime.Name == "" {
			errs = append(errs, errors.New("session.mode realtime requires providers.realtime"))
		}
	}

	if cfg.Catalogs.AgentsFile == "" {
		errs = append(errs, errors.New("catalogs.agents_file is required"))
	}

	// Embeddings ↔ memory coupling.
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.PostgresDSN == "" {
		slog.Warn("providers.embeddings is configured but memory.postgres_dsn is empty; semantic recall will use recency only")
	}

	for _, p := range []struct {
		name string
		cfg  PoolConfig
	}{
		{"pools.stt", cfg.Pools.STT},
		{"pools.tts", cfg.Pools.TTS},
		{"pools.llm", cfg.Pools.LLM},
	} {
		if p.cfg.Warm < 0 || p.cfg.Max < 0 {
			errs = append(errs, fmt.Errorf("%s: warm and max must be non-negative", p.name))
		}
		if p.cfg.Max > 0 && p.cfg.Warm > p.cfg.Max {
			errs = append(errs, fmt.Errorf("%s: warm %d exceeds max %d", p.name, p.cfg.Warm, p.cfg.Max))
		}
	}

	// MCP servers.
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
