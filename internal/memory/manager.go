package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// DefaultHistoryLimit bounds the per-agent prompt history window.
	DefaultHistoryLimit = 64

	// DefaultFlushInterval is the write-behind batch interval.
	DefaultFlushInterval = 500 * time.Millisecond

	// DefaultFinalFlushTimeout bounds the flush at session end.
	DefaultFinalFlushTimeout = 2 * time.Second
)

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithHistoryLimit sets the per-agent history window size.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) { m.historyLimit = n }
}

// WithFlushInterval sets the write-behind flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) { m.flushInterval = d }
}

// WithFinalFlushTimeout bounds the final flush at Close.
func WithFinalFlushTimeout(d time.Duration) Option {
	return func(m *Manager) { m.finalTimeout = d }
}

// WithLogger sets the logger used for flush failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// ─── Manager ──────────────────────────────────────────────────────────────────

// Manager owns one session's memory. Safe for concurrent use; the background
// flusher runs until Close.
type Manager struct {
	sessionID string
	store     Store

	historyLimit  int
	flushInterval time.Duration
	finalTimeout  time.Duration
	log           *slog.Logger

	mu           sync.Mutex
	kv           map[string][]byte
	history      map[string][]types.Message
	pendingAudit []AuditEntry
	kvDirty      bool
	closed       bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a manager for the session and starts the write-behind
// flusher.
func NewManager(sessionID string, store Store, opts ...Option) *Manager {
	m := &Manager{
		sessionID:     sessionID,
		store:         store,
		historyLimit:  DefaultHistoryLimit,
		flushInterval: DefaultFlushInterval,
		finalTimeout:  DefaultFinalFlushTimeout,
		log:           slog.Default(),
		kv:            make(map[string][]byte),
		history:       make(map[string][]types.Message),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.flushLoop()
	return m
}

// Set stores value under key. value is marshalled to JSON.
func (m *Manager) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: marshal value for %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory: manager closed")
	}
	m.kv[key] = data
	m.kvDirty = true
	return nil
}

// Get unmarshals the value stored under key into out. Returns false when the
// key is absent. The stored bytes are never aliased by the caller.
func (m *Manager) Get(key string, out any) (bool, error) {
	m.mu.Lock()
	data, ok := m.kv[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("memory: unmarshal value for %q: %w", key, err)
	}
	return true, nil
}

// Keys returns all stored KV keys.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.kv))
	for k := range m.kv {
		keys = append(keys, k)
	}
	return keys
}

// AppendHistory records a prompt-history message for the agent, trimming the
// window to the configured limit (oldest first). The same content should also
// be recorded to the audit log; history is only the prompt window.
func (m *Manager) AppendHistory(agentName string, msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[agentName], msg)
	if over := len(h) - m.historyLimit; over > 0 {
		h = h[over:]
	}
	m.history[agentName] = h
}

// History returns a copy of the agent's prompt window, oldest first.
func (m *Manager) History(agentName string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[agentName]
	out := make([]types.Message, len(h))
	copy(out, h)
	return out
}

// AppendAudit records an entry in the append-only audit log. A zero timestamp
// is filled with the current time.
func (m *Manager) AppendAudit(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAudit = append(m.pendingAudit, entry)
}

// Recall queries the store for entries relevant to query. Unflushed entries
// are flushed first so recall sees the full log.
func (m *Manager) Recall(ctx context.Context, query string, limit int) ([]RecallResult, error) {
	if err := m.Flush(ctx); err != nil {
		return nil, err
	}
	return m.store.Recall(ctx, m.sessionID, query, limit)
}

// Flush pushes all pending state to the store synchronously.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	var kvSnapshot map[string][]byte
	if m.kvDirty {
		kvSnapshot = make(map[string][]byte, len(m.kv))
		for k, v := range m.kv {
			kvSnapshot[k] = v
		}
	}
	audit := m.pendingAudit
	m.pendingAudit = nil
	m.kvDirty = false
	m.mu.Unlock()

	var firstErr error
	if len(audit) > 0 {
		if err := m.store.AppendAudit(ctx, m.sessionID, audit); err != nil {
			firstErr = fmt.Errorf("memory: flush audit: %w", err)
			// Requeue in front so order is preserved on the next attempt.
			m.mu.Lock()
			m.pendingAudit = append(audit, m.pendingAudit...)
			m.mu.Unlock()
		}
	}
	if kvSnapshot != nil {
		if err := m.store.SaveKV(ctx, m.sessionID, kvSnapshot); err != nil {
			m.mu.Lock()
			m.kvDirty = true
			m.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("memory: flush kv: %w", err)
			}
		}
	}
	return firstErr
}

// Close stops the flusher and performs the final bounded flush. The
// in-memory view stays authoritative if the flush times out.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.finalTimeout)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		m.log.Warn("final memory flush failed; in-memory state discarded unpersisted",
			"session_id", m.sessionID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.flushInterval)
			if err := m.Flush(ctx); err != nil {
				m.log.Warn("write-behind memory flush failed",
					"session_id", m.sessionID, "error", err)
			}
			cancel()
		case <-m.stop:
			return
		}
	}
}
