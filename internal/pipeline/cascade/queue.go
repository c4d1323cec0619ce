package cascade

import (
	"context"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
	"github.com/parlancehq/parlance/pkg/types"
)

// eventKind orders speech events by importance: finals drive turns, partials
// are display-only and expendable.
type eventKind int

const (
	partialEvent eventKind = iota
	finalEvent
)

// speechEvent is one recognizer output queued for the driver stage.
type speechEvent struct {
	kind       eventKind
	transcript types.Transcript
}

// speechQueue is the bounded queue between the recognizer and the driver.
//
// Discipline: partials overflow by evicting the oldest queued partial (or
// dropping the incoming one when only finals are queued). A final is never
// evicted; when the queue is full of finals the enqueue blocks, bounded by
// the caller's timeout. FIFO order is preserved among survivors.
type speechQueue struct {
	capacity int

	// sig pulses when the queue may have become non-empty, room when it may
	// have gained space. Each carries at most one pending pulse.
	sig  chan struct{}
	room chan struct{}

	mu    sync.Mutex
	items []speechEvent

	// onEvict is called, outside the lock, for each partial lost to
	// overflow.
	onEvict func()
}

func newSpeechQueue(capacity int, onEvict func()) *speechQueue {
	return &speechQueue{
		capacity: capacity,
		sig:      make(chan struct{}, 1),
		room:     make(chan struct{}, 1),
		onEvict:  onEvict,
	}
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enqueuePartial adds a partial, evicting the oldest queued partial when the
// queue is full. When the queue is full of finals the incoming partial is
// dropped instead; finals outrank it.
func (q *speechQueue) enqueuePartial(t types.Transcript) {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		if !q.evictOldestPartialLocked() {
			q.mu.Unlock()
			if q.onEvict != nil {
				q.onEvict()
			}
			return
		}
		dropped = true
	}
	q.items = append(q.items, speechEvent{kind: partialEvent, transcript: t})
	q.mu.Unlock()

	if dropped && q.onEvict != nil {
		q.onEvict()
	}
	pulse(q.sig)
}

// enqueueFinal adds a final, evicting a partial for room if needed. When the
// queue is full of finals it blocks until space frees up or timeout elapses;
// the caller drops the turn on timeout.
func (q *speechQueue) enqueueFinal(ctx context.Context, t types.Transcript, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		dropped := false
		if len(q.items) >= q.capacity {
			if !q.evictOldestPartialLocked() {
				q.mu.Unlock()
				select {
				case <-q.room:
					continue
				case <-deadline.C:
					return fault.Errorf(fault.TransientUpstream, "cascade: speech queue full of finals for %s", timeout)
				case <-ctx.Done():
					return fault.Wrap(fault.Cancelled, ctx.Err())
				}
			}
			dropped = true
		}
		q.items = append(q.items, speechEvent{kind: finalEvent, transcript: t})
		q.mu.Unlock()

		if dropped && q.onEvict != nil {
			q.onEvict()
		}
		pulse(q.sig)
		return nil
	}
}

// dequeue removes and returns the oldest event, blocking until one exists or
// ctx ends.
func (q *speechQueue) dequeue(ctx context.Context) (speechEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			pulse(q.room)
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.sig:
		case <-ctx.Done():
			return speechEvent{}, fault.Wrap(fault.Cancelled, ctx.Err())
		}
	}
}

// evictOldestPartialLocked removes the oldest partial, reporting whether one
// existed.
func (q *speechQueue) evictOldestPartialLocked() bool {
	for i, ev := range q.items {
		if ev.kind == partialEvent {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// depth reports the current queue length.
func (q *speechQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
