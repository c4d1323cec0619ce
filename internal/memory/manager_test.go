package memory

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// failingStore wraps a MemStore and fails the first n AppendAudit calls.
type failingStore struct {
	*MemStore

	mu       sync.Mutex
	failLeft int
	batches  [][]AuditEntry
}

func (s *failingStore) AppendAudit(ctx context.Context, sessionID string, entries []AuditEntry) error {
	s.mu.Lock()
	fail := s.failLeft > 0
	if fail {
		s.failLeft--
	} else {
		s.batches = append(s.batches, append([]AuditEntry(nil), entries...))
	}
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.MemStore.AppendAudit(ctx, sessionID, entries)
}

func newManager(t *testing.T, store Store, opts ...Option) *Manager {
	t.Helper()
	// Long interval so tests drive flushing explicitly.
	opts = append([]Option{WithFlushInterval(time.Hour)}, opts...)
	m := NewManager("sess-1", store, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_FlushRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	m := newManager(t, store)

	if err := m.Set("caller_name", "Ada"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("attempts", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var name string
	ok, err := m.Get("caller_name", &name)
	if err != nil || !ok {
		t.Fatalf("Get after flush: ok=%v err=%v", ok, err)
	}
	if name != "Ada" {
		t.Errorf("caller_name = %q, want %q", name, "Ada")
	}

	kv := store.KV("sess-1")
	if string(kv["caller_name"]) != `"Ada"` {
		t.Errorf("persisted caller_name = %s, want %q", kv["caller_name"], `"Ada"`)
	}
	if string(kv["attempts"]) != "3" {
		t.Errorf("persisted attempts = %s, want 3", kv["attempts"])
	}
}

func TestManager_GetMissingKey(t *testing.T) {
	t.Parallel()

	m := newManager(t, NewMemStore())

	var v string
	ok, err := m.Get("nope", &v)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok for a missing key")
	}
}

func TestManager_HistoryWindowTrimsOldest(t *testing.T) {
	t.Parallel()

	m := newManager(t, NewMemStore(), WithHistoryLimit(3))

	for _, c := range []string{"one", "two", "three", "four", "five"} {
		m.AppendHistory("triage", types.Message{Role: "user", Content: c})
	}

	got := m.History("triage")
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	want := []string{"three", "four", "five"}
	for i, msg := range got {
		if msg.Content != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, msg.Content, want[i])
		}
	}
}

func TestManager_HistoryPerAgent(t *testing.T) {
	t.Parallel()

	m := newManager(t, NewMemStore())
	m.AppendHistory("triage", types.Message{Role: "user", Content: "hi"})
	m.AppendHistory("billing", types.Message{Role: "user", Content: "bill me"})

	if got := m.History("triage"); len(got) != 1 || got[0].Content != "hi" {
		t.Errorf("triage history = %+v", got)
	}
	if got := m.History("billing"); len(got) != 1 || got[0].Content != "bill me" {
		t.Errorf("billing history = %+v", got)
	}
	if got := m.History("unknown"); len(got) != 0 {
		t.Errorf("unknown agent history = %+v, want empty", got)
	}
}

func TestManager_HistoryCopyOnRead(t *testing.T) {
	t.Parallel()

	m := newManager(t, NewMemStore())
	m.AppendHistory("triage", types.Message{Role: "user", Content: "original"})

	got := m.History("triage")
	got[0].Content = "mutated"

	again := m.History("triage")
	if again[0].Content != "original" {
		t.Errorf("history mutated through returned slice: %q", again[0].Content)
	}
}

func TestManager_AuditFlushPreservesOrder(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	m := newManager(t, store)

	m.AppendAudit(AuditEntry{Role: "user", Text: "first"})
	m.AppendAudit(AuditEntry{Role: "assistant", Agent: "triage", Text: "second"})
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if n := store.AuditLen("sess-1"); n != 2 {
		t.Fatalf("audit length = %d, want 2", n)
	}
}

func TestManager_AuditRequeuedInOrderAfterStoreFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{MemStore: NewMemStore(), failLeft: 1}
	m := newManager(t, store)

	m.AppendAudit(AuditEntry{Role: "user", Text: "first"})
	if err := m.Flush(context.Background()); err == nil {
		t.Fatal("Flush succeeded, want store error")
	}

	// Entries appended after the failed flush must land after the requeued batch.
	m.AppendAudit(AuditEntry{Role: "assistant", Text: "second"})
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 {
		t.Fatalf("successful batches = %d, want 1", len(store.batches))
	}
	texts := []string{store.batches[0][0].Text, store.batches[0][1].Text}
	if !reflect.DeepEqual(texts, []string{"first", "second"}) {
		t.Errorf("flushed order = %v, want [first second]", texts)
	}
}

func TestManager_AuditTimestampDefaulted(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	m := newManager(t, store)

	before := time.Now()
	m.AppendAudit(AuditEntry{Role: "user", Text: "hello"})
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	results, err := store.Recall(context.Background(), "sess-1", "", 1)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("recall results = %d, want 1", len(results))
	}
	ts := results[0].Entry.Timestamp
	if ts.Before(before) || ts.After(time.Now()) {
		t.Errorf("timestamp %v not defaulted to flush window", ts)
	}
}

func TestManager_RecallFlushesFirst(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	m := newManager(t, store)

	m.AppendAudit(AuditEntry{Role: "user", Text: "my order number is 42"})
	m.AppendAudit(AuditEntry{Role: "assistant", Text: "noted"})

	// No explicit Flush: Recall must surface pending entries.
	results, err := m.Recall(context.Background(), "order number", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Recall returned nothing for pending audit entries")
	}
	if results[0].Entry.Text != "my order number is 42" {
		t.Errorf("top result = %q, want the matching entry", results[0].Entry.Text)
	}
}

func TestManager_CloseFinalFlushAndReject(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	m := NewManager("sess-close", store, WithFlushInterval(time.Hour))

	if err := m.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	m.AppendAudit(AuditEntry{Role: "user", Text: "bye"})

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if kv := store.KV("sess-close"); string(kv["k"]) != `"v"` {
		t.Errorf("kv not flushed on close: %s", kv["k"])
	}
	if n := store.AuditLen("sess-close"); n != 1 {
		t.Errorf("audit not flushed on close: %d entries", n)
	}

	if err := m.Set("k2", "v2"); err == nil {
		t.Error("Set after Close succeeded, want error")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestManager_PeriodicFlush(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	m := NewManager("sess-periodic", store, WithFlushInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Set("auto", true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if kv := store.KV("sess-periodic"); len(kv) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("background flush never persisted the snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMemStore_RecallMatchRanksFirst(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	ctx := context.Background()
	entries := []AuditEntry{
		{Role: "user", Text: "hello there", Timestamp: time.Now().Add(-3 * time.Minute)},
		{Role: "user", Text: "my flight is AC123", Timestamp: time.Now().Add(-2 * time.Minute)},
		{Role: "assistant", Text: "anything else?", Timestamp: time.Now().Add(-time.Minute)},
	}
	if err := store.AppendAudit(ctx, "s", entries); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	results, err := store.Recall(ctx, "s", "flight", 2)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Entry.Text != "my flight is AC123" {
		t.Errorf("top result = %q, want the substring match", results[0].Entry.Text)
	}
	if results[0].Distance >= results[1].Distance {
		t.Errorf("match distance %v not below non-match %v", results[0].Distance, results[1].Distance)
	}
}

func TestMemStore_SaveKVDeepCopies(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	src := map[string][]byte{"k": []byte("orig")}
	if err := store.SaveKV(context.Background(), "s", src); err != nil {
		t.Fatalf("SaveKV: %v", err)
	}
	src["k"][0] = 'X'

	if got := store.KV("s"); string(got["k"]) != "orig" {
		t.Errorf("stored value aliased caller slice: %s", got["k"])
	}
}
