// Package queue implements the bounded priority work queues between the
// listener, the main arbiter, and the I/O worker pool (§5, §4.5, §4.6):
// a listener-to-main pair (set_q/get_q, one producer each), a worker-to-
// main pub_q (many producers), and a main-to-workers pair (set_q/poll_q)
// shared by every worker in the pool rather than partitioned per worker,
// per the original architecture's single shared IO_Work_Q.
package queue

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/semaphore"

	"github.com/modbusgw/gateway/internal/work"
)

// Signal is a counting wakeup: Post adds one unit of available work, Wait
// blocks until at least one unit is available and consumes it. Built on
// x/sync/semaphore's weighted semaphore with an arbitrarily large capacity
// that is immediately drained to zero, so it behaves as an unbounded
// counting semaphore rather than a mutual-exclusion lock.
type Signal struct {
	sem *semaphore.Weighted
}

const signalCapacity = math.MaxInt32

// NewSignal returns a Signal starting at zero — nothing to wait for until
// the first Post.
func NewSignal() *Signal {
	s := &Signal{sem: semaphore.NewWeighted(signalCapacity)}
	_ = s.sem.Acquire(context.Background(), signalCapacity)
	return s
}

// Post adds one unit of available work.
func (s *Signal) Post() {
	s.sem.Release(1)
}

// Wait blocks until a unit is available or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryWait consumes a unit if one is immediately available, without
// blocking.
func (s *Signal) TryWait() bool {
	return s.sem.TryAcquire(1)
}

// Queue is a bounded FIFO of T. Push is fatal on overflow (§5 "a queue
// reaching capacity is a configuration/sizing error, not a runtime
// condition to recover from") — the daemon is meant to be sized so this
// never happens in practice, and silently dropping work would violate the
// "every request gets exactly one reply" contract (§6).
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a Queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues v, panicking if the queue is already full.
func (q *Queue[T]) Push(v T) {
	select {
	case q.ch <- v:
	default:
		panic(fmt.Sprintf("queue overflow: capacity %d exceeded", cap(q.ch)))
	}
}

// TryPop removes and returns the oldest item, reporting false if the queue
// is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len reports the number of items currently queued.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// MainWorkQ carries work into the main arbiter: set and get requests from
// the listener (each SPSC — one listener goroutine produces, main
// consumes) and pub results from the worker pool (MPSC — every worker
// produces, main consumes). One Signal covers all three so main can block
// on "anything at all to do" with a single Wait.
type MainWorkQ struct {
	SetQ   *Queue[work.SetWork]
	GetQ   *Queue[work.GetWork]
	PubQ   *Queue[work.PubWork]
	Signal *Signal
}

// NewMainWorkQ builds a MainWorkQ with the given per-sub-queue capacities.
func NewMainWorkQ(setCap, getCap, pubCap int) *MainWorkQ {
	return &MainWorkQ{
		SetQ:   NewQueue[work.SetWork](setCap),
		GetQ:   NewQueue[work.GetWork](getCap),
		PubQ:   NewQueue[work.PubWork](pubCap),
		Signal: NewSignal(),
	}
}

// PushSet enqueues a set request and wakes main.
func (q *MainWorkQ) PushSet(w work.SetWork) {
	q.SetQ.Push(w)
	q.Signal.Post()
}

// PushGet enqueues a get request and wakes main.
func (q *MainWorkQ) PushGet(w work.GetWork) {
	q.GetQ.Push(w)
	q.Signal.Post()
}

// PushPub enqueues a worker's poll result and wakes main.
func (q *MainWorkQ) PushPub(w work.PubWork) {
	q.PubQ.Push(w)
	q.Signal.Post()
}

// IOWorkQ carries work out to the worker pool: sets and polls, both SPMC
// since main is the sole producer but every worker in the pool competes to
// consume from the same pair of queues (§5/§9 "a shared work queue pair,
// not one queue per worker" — mirroring the original's single IO_Work_Q
// design rather than statically partitioning work across workers).
type IOWorkQ struct {
	SetQ   *Queue[work.SetWork]
	PollQ  *Queue[work.PollWork]
	Signal *Signal
}

// NewIOWorkQ builds an IOWorkQ with the given per-sub-queue capacities.
func NewIOWorkQ(setCap, pollCap int) *IOWorkQ {
	return &IOWorkQ{
		SetQ:   NewQueue[work.SetWork](setCap),
		PollQ:  NewQueue[work.PollWork](pollCap),
		Signal: NewSignal(),
	}
}

// PushSet enqueues a set for the worker pool and wakes one worker.
func (q *IOWorkQ) PushSet(w work.SetWork) {
	q.SetQ.Push(w)
	q.Signal.Post()
}

// PushPoll enqueues a poll for the worker pool and wakes one worker.
func (q *IOWorkQ) PushPoll(w work.PollWork) {
	q.PollQ.Push(w)
	q.Signal.Post()
}

// Pop blocks until either sub-queue has work (sets take priority over
// polls, per §4.6's "sets before polls" ordering), or ctx is done. The
// bool result is false only if ctx expired with nothing to do.
func (q *IOWorkQ) Pop(ctx context.Context) (setWork *work.SetWork, pollWork *work.PollWork, ok bool) {
	if err := q.Signal.Wait(ctx); err != nil {
		return nil, nil, false
	}
	if w, got := q.SetQ.TryPop(); got {
		return &w, nil, true
	}
	if w, got := q.PollQ.TryPop(); got {
		return nil, &w, true
	}
	// Signal fired but another worker already drained the item: no work
	// for this caller this round, not an error.
	return nil, nil, true
}
