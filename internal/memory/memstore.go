package memory

import (
	"context"
	"strings"
	"sync"
)

// MemStore is the in-memory Store used by tests and by deployments without
// Postgres. Recall is recency-based with a trivial substring boost.
type MemStore struct {
	mu    sync.Mutex
	kv    map[string]map[string][]byte // session → key → value
	audit map[string][]AuditEntry      // session → entries
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:    make(map[string]map[string][]byte),
		audit: make(map[string][]AuditEntry),
	}
}

// SaveKV replaces the session's key-value snapshot.
func (s *MemStore) SaveKV(_ context.Context, sessionID string, kv map[string][]byte) error {
	snapshot := make(map[string][]byte, len(kv))
	for k, v := range kv {
		cp := make([]byte, len(v))
		copy(cp, v)
		snapshot[k] = cp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[sessionID] = snapshot
	return nil
}

// AppendAudit appends entries to the session's audit log.
func (s *MemStore) AppendAudit(_ context.Context, sessionID string, entries []AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[sessionID] = append(s.audit[sessionID], entries...)
	return nil
}

// Recall returns the most recent entries, preferring those containing the
// query text. Distance is the recency rank (0 = newest).
func (s *MemStore) Recall(_ context.Context, sessionID, query string, limit int) ([]RecallResult, error) {
	s.mu.Lock()
	log := s.audit[sessionID]
	entries := make([]AuditEntry, len(log))
	copy(entries, log)
	s.mu.Unlock()

	if limit <= 0 {
		limit = 5
	}
	q := strings.ToLower(query)

	results := make([]RecallResult, 0, limit)
	// Newest first; substring matches outrank pure recency.
	for rank, i := 0, len(entries)-1; i >= 0; i-- {
		e := entries[i]
		dist := float64(rank)
		if q != "" && strings.Contains(strings.ToLower(e.Text), q) {
			dist = -1
		}
		results = append(results, RecallResult{Entry: e, Distance: dist})
		rank++
	}
	// Stable selection: matches first, then recency.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// KV returns a copy of the session's persisted snapshot (test helper).
func (s *MemStore) KV(sessionID string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.kv[sessionID]))
	for k, v := range s.kv[sessionID] {
		out[k] = v
	}
	return out
}

// AuditLen returns the number of persisted audit entries for the session.
func (s *MemStore) AuditLen(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audit[sessionID])
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }
