// Package memory implements per-session memory: a JSON key-value map, a
// bounded per-agent history window for prompt assembly, and an append-only
// audit log of everything said.
//
// All writes land in memory first and are flushed to a persistence Store
// write-behind on a fixed interval, plus a final bounded flush at session
// end. The in-memory view is authoritative: a store failure or flush timeout
// never loses data visible to the session.
//
// Two stores exist: an in-memory store (tests, default) and a Postgres store
// (internal/memory/postgres) that additionally maintains a pgvector embedding
// index over audit rows for semantic recall.
package memory

import (
	"context"
	"time"
)

// AuditEntry is one record in the append-only session audit log.
type AuditEntry struct {
	// Role is the speaker role: user, assistant, tool, or system.
	Role string

	// Agent is the active agent when the entry was recorded.
	Agent string

	// Text is the spoken or generated content.
	Text string

	// ToolName is set for tool-result entries.
	ToolName string

	// Timestamp is when the entry was recorded.
	Timestamp time.Time
}

// RecallResult pairs an audit entry with its retrieval relevance. Lower
// Distance means more relevant; the in-memory store reports recency rank.
type RecallResult struct {
	Entry    AuditEntry
	Distance float64
}

// Store is the persistence backend the Manager flushes into.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveKV persists the full key-value snapshot for the session. The
	// snapshot replaces any previously saved state.
	SaveKV(ctx context.Context, sessionID string, kv map[string][]byte) error

	// AppendAudit persists a batch of audit entries in order.
	AppendAudit(ctx context.Context, sessionID string, entries []AuditEntry) error

	// Recall returns up to limit audit entries relevant to query, most
	// relevant first. Implementations without semantic search return the most
	// recent entries.
	Recall(ctx context.Context, sessionID, query string, limit int) ([]RecallResult, error)

	// Close releases store resources.
	Close() error
}
