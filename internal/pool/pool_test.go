package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
)

// fakeConn stands in for a provider connection.
type fakeConn struct {
	id     int64
	closed atomic.Bool
}

type connTracker struct {
	created atomic.Int64
	closed  atomic.Int64
	failNew atomic.Bool
}

func (t *connTracker) factory(_ context.Context) (*fakeConn, error) {
	if t.failNew.Load() {
		return nil, errors.New("upstream refused")
	}
	return &fakeConn{id: t.created.Add(1)}, nil
}

func (t *connTracker) closer(c *fakeConn) {
	c.closed.Store(true)
	t.closed.Add(1)
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeConn], *connTracker) {
	t.Helper()
	tracker := &connTracker{}
	p, err := New(context.Background(), "stt", cfg, tracker.factory, tracker.closer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, tracker
}

func TestNew_WarmsPool(t *testing.T) {
	t.Parallel()

	p, tracker := newTestPool(t, Config{Warm: 3, Max: 5, ReapInterval: time.Hour})

	if got := tracker.created.Load(); got != 3 {
		t.Errorf("created = %d, want 3 warm resources", got)
	}
	stats := p.Stats()
	if stats.Total != 3 || stats.Idle != 3 || stats.Acquired != 0 {
		t.Errorf("stats = %+v, want 3 total idle", stats)
	}
}

func TestNew_WarmupFailure(t *testing.T) {
	t.Parallel()

	tracker := &connTracker{}
	tracker.failNew.Store(true)
	_, err := New(context.Background(), "tts", Config{Warm: 1}, tracker.factory, tracker.closer)
	if err == nil {
		t.Fatal("New succeeded with a failing factory")
	}
	if !fault.Is(err, fault.TransientUpstream) {
		t.Errorf("warm-up error = %v, want transient upstream fault", err)
	}
}

func TestAcquire_ReusesWarmResource(t *testing.T) {
	t.Parallel()

	p, tracker := newTestPool(t, Config{Warm: 1, Max: 2, ReapInterval: time.Hour})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := lease.Value().id
	lease.Release()

	lease2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer lease2.Release()

	if lease2.Value().id != first {
		t.Errorf("got resource %d, want reused warm resource %d", lease2.Value().id, first)
	}
	if tracker.created.Load() != 1 {
		t.Errorf("created = %d, want 1", tracker.created.Load())
	}
}

func TestAcquire_ExclusiveLeases(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Warm: 2, Max: 2, ReapInterval: time.Hour})

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer a.Release()
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	defer b.Release()

	if a.Value() == b.Value() {
		t.Error("two concurrent leases share a resource")
	}
	if stats := p.Stats(); stats.Acquired != 2 {
		t.Errorf("acquired = %d, want 2", stats.Acquired)
	}
}

func TestAcquire_PoolExhausted(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{
		Warm: 1, Max: 1,
		LeaseTimeout: 50 * time.Millisecond,
		ReapInterval: time.Hour,
	})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("Acquire succeeded on a saturated pool")
	}
	if !fault.Is(err, fault.PoolExhausted) {
		t.Errorf("error = %v, want pool exhausted fault", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("gave up after %v, want the lease timeout to elapse", elapsed)
	}
}

func TestAcquire_UnblocksOnRelease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{
		Warm: 1, Max: 1,
		LeaseTimeout: 2 * time.Second,
		ReapInterval: time.Hour,
	})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		lease.Release()
	}()

	lease2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("waiting Acquire: %v", err)
	}
	lease2.Release()
}

func TestLease_DestroyClosesResource(t *testing.T) {
	t.Parallel()

	p, tracker := newTestPool(t, Config{Warm: 1, Max: 2, ReapInterval: time.Hour})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	conn := lease.Value()
	lease.Destroy()

	if !conn.closed.Load() {
		t.Error("destroyed resource was not closed")
	}
	if tracker.closed.Load() != 1 {
		t.Errorf("closed = %d, want 1", tracker.closed.Load())
	}

	// A new acquire should build a fresh resource, not hand back the dead one.
	lease2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after destroy: %v", err)
	}
	defer lease2.Release()
	if lease2.Value() == conn {
		t.Error("destroyed resource was leased again")
	}
}

func TestLease_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Warm: 1, Max: 1, ReapInterval: time.Hour})

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()
	lease.Release()
	lease.Destroy()

	if stats := p.Stats(); stats.Total != 1 || stats.Idle != 1 {
		t.Errorf("stats after double release = %+v", stats)
	}
}

func TestReaper_EvictsIdleBeyondWarm(t *testing.T) {
	t.Parallel()

	p, tracker := newTestPool(t, Config{
		Warm: 1, Max: 4,
		IdleTimeout:  10 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})

	// Grow the pool past its warm size, then release everything.
	var leases []*Lease[*fakeConn]
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}

	deadline := time.After(2 * time.Second)
	for {
		if p.Stats().Total <= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reaper never shrank pool: stats=%+v", p.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if tracker.closed.Load() < 2 {
		t.Errorf("closed = %d, want at least 2 evictions", tracker.closed.Load())
	}
}

func TestClose_DestroysIdleResources(t *testing.T) {
	t.Parallel()

	tracker := &connTracker{}
	p, err := New(context.Background(), "llm", Config{Warm: 2, ReapInterval: time.Hour}, tracker.factory, tracker.closer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tracker.closed.Load() != 2 {
		t.Errorf("closed = %d, want both warm resources destroyed", tracker.closed.Load())
	}
}
