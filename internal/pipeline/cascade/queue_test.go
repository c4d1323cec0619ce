package cascade

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
	"github.com/parlancehq/parlance/pkg/types"
)

func transcript(text string) types.Transcript {
	return types.Transcript{Text: text}
}

func mustDequeue(t *testing.T, q *speechQueue) speechEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := q.dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return ev
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := newSpeechQueue(4, nil)
	q.enqueuePartial(transcript("a"))
	if err := q.enqueueFinal(context.Background(), transcript("b"), time.Second); err != nil {
		t.Fatalf("enqueueFinal: %v", err)
	}
	q.enqueuePartial(transcript("c"))

	for i, want := range []string{"a", "b", "c"} {
		if got := mustDequeue(t, q).transcript.Text; got != want {
			t.Errorf("dequeue %d = %q, want %q", i, got, want)
		}
	}
}

func TestQueue_OverflowEvictsOldestPartial(t *testing.T) {
	t.Parallel()

	var evictions atomic.Int64
	q := newSpeechQueue(3, func() { evictions.Add(1) })
	q.enqueuePartial(transcript("a"))
	q.enqueuePartial(transcript("b"))
	q.enqueuePartial(transcript("c"))
	q.enqueuePartial(transcript("d"))

	if got := evictions.Load(); got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
	for i, want := range []string{"b", "c", "d"} {
		if got := mustDequeue(t, q).transcript.Text; got != want {
			t.Errorf("dequeue %d = %q, want %q", i, got, want)
		}
	}
}

func TestQueue_PartialDroppedWhenFullOfFinals(t *testing.T) {
	t.Parallel()

	var evictions atomic.Int64
	q := newSpeechQueue(2, func() { evictions.Add(1) })
	ctx := context.Background()
	if err := q.enqueueFinal(ctx, transcript("f1"), time.Second); err != nil {
		t.Fatalf("enqueueFinal: %v", err)
	}
	if err := q.enqueueFinal(ctx, transcript("f2"), time.Second); err != nil {
		t.Fatalf("enqueueFinal: %v", err)
	}

	// Finals outrank the incoming partial: it is dropped, they survive.
	q.enqueuePartial(transcript("p"))

	if got := q.depth(); got != 2 {
		t.Errorf("depth = %d, want 2", got)
	}
	if got := evictions.Load(); got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
	for i, want := range []string{"f1", "f2"} {
		if got := mustDequeue(t, q).transcript.Text; got != want {
			t.Errorf("dequeue %d = %q, want %q", i, got, want)
		}
	}
}

func TestQueue_FinalEvictsPartialForRoom(t *testing.T) {
	t.Parallel()

	q := newSpeechQueue(2, nil)
	ctx := context.Background()
	q.enqueuePartial(transcript("p"))
	if err := q.enqueueFinal(ctx, transcript("f1"), time.Second); err != nil {
		t.Fatalf("enqueueFinal: %v", err)
	}
	if err := q.enqueueFinal(ctx, transcript("f2"), time.Second); err != nil {
		t.Fatalf("enqueueFinal f2: %v", err)
	}

	for i, want := range []string{"f1", "f2"} {
		ev := mustDequeue(t, q)
		if ev.kind != finalEvent || ev.transcript.Text != want {
			t.Errorf("dequeue %d = %v %q, want final %q", i, ev.kind, ev.transcript.Text, want)
		}
	}
}

func TestQueue_FinalBlocksUntilRoom(t *testing.T) {
	t.Parallel()

	q := newSpeechQueue(1, nil)
	ctx := context.Background()
	if err := q.enqueueFinal(ctx, transcript("f1"), time.Second); err != nil {
		t.Fatalf("enqueueFinal: %v", err)
	}

	landed := make(chan error, 1)
	go func() {
		landed <- q.enqueueFinal(ctx, transcript("f2"), 5*time.Second)
	}()

	// The blocked enqueue must not resolve before room opens.
	select {
	case err := <-landed:
		t.Fatalf("enqueue resolved early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if got := mustDequeue(t, q).transcript.Text; got != "f1" {
		t.Fatalf("dequeue = %q, want f1", got)
	}
	select {
	case err := <-landed:
		if err != nil {
			t.Fatalf("blocked enqueue failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked enqueue never landed")
	}
	if got := mustDequeue(t, q).transcript.Text; got != "f2" {
		t.Errorf("dequeue = %q, want f2", got)
	}
}

func TestQueue_FinalTimesOut(t *testing.T) {
	t.Parallel()

	q := newSpeechQueue(1, nil)
	ctx := context.Background()
	if err := q.enqueueFinal(ctx, transcript("f1"), time.Second); err != nil {
		t.Fatalf("enqueueFinal: %v", err)
	}

	start := time.Now()
	err := q.enqueueFinal(ctx, transcript("f2"), 30*time.Millisecond)
	if !fault.Is(err, fault.TransientUpstream) {
		t.Fatalf("err = %v, want TransientUpstream", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("enqueue gave up before the timeout")
	}
	// f1 was never evicted.
	if got := mustDequeue(t, q).transcript.Text; got != "f1" {
		t.Errorf("dequeue = %q, want f1", got)
	}
}

func TestQueue_DequeueCancelled(t *testing.T) {
	t.Parallel()

	q := newSpeechQueue(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.dequeue(ctx)
	if !fault.IsCancelled(err) {
		t.Errorf("err = %v, want Cancelled", err)
	}
}
