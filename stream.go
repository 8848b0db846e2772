package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// The two stream types below couple a blocking goroutine to a context-aware
// one in opposite directions. They are deliberately distinct: each side's
// wait/wake discipline (plain blocking vs. context cancellation) admits a
// simpler correct implementation than a single symmetric primitive.
//
// Both are bounded FIFOs. Producers block or suspend when all slots are
// full, consumers when the stream is empty, so neither side can run ahead of
// the other by more than the configured capacity. Items enqueued before
// Close are always drained before the consumer observes EOF or the attached
// error; an attached error is delivered exactly once, after which further
// reads observe io.EOF.

// SyncToAsyncStream carries items from a blocking producer to a
// context-aware consumer.
type SyncToAsyncStream[T any] struct {
	ch   chan T
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	err      error
	errTaken bool
}

// NewSyncToAsyncStream creates a stream with the given slot capacity.
// Capacities below one are treated as one.
func NewSyncToAsyncStream[T any](capacity int) *SyncToAsyncStream[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &SyncToAsyncStream[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Put enqueues an item, blocking until a slot is free. It fails with
// ErrStreamClosed once the stream is closed, wrapping the close cause when
// one was attached.
func (s *SyncToAsyncStream[T]) Put(v T) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return s.closedErr()
	}
}

// Close closes the stream, waking any pending consumer with EOF, or with err
// once the buffered items are drained when err is non-nil. Close is
// idempotent; later calls (and their errors) are ignored.
func (s *SyncToAsyncStream[T]) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// AGet dequeues the next item, suspending until one is available, the stream
// is closed, or ctx is done. After close and drain it returns the attached
// error once, then io.EOF.
func (s *SyncToAsyncStream[T]) AGet(ctx context.Context) (T, error) {
	var zero T
	// Buffered items win over both closure and cancellation.
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		select {
		case v := <-s.ch:
			return v, nil
		default:
		}
		return zero, s.takeErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *SyncToAsyncStream[T]) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %w", ErrStreamClosed, s.err)
	}
	return ErrStreamClosed
}

func (s *SyncToAsyncStream[T]) takeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && !s.errTaken {
		s.errTaken = true
		return s.err
	}
	return io.EOF
}

// AsyncToSyncStream carries items from a context-aware producer to a
// blocking consumer.
type AsyncToSyncStream[T any] struct {
	ch    chan T
	done  chan struct{}
	clock clockwork.Clock

	mu       sync.Mutex
	closed   bool
	err      error
	errTaken bool
}

// NewAsyncToSyncStream creates a stream with the given slot capacity.
// A nil clock selects the real clock; tests inject a fake one to exercise
// Get timeouts.
func NewAsyncToSyncStream[T any](capacity int, clock clockwork.Clock) *AsyncToSyncStream[T] {
	if capacity < 1 {
		capacity = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AsyncToSyncStream[T]{
		ch:    make(chan T, capacity),
		done:  make(chan struct{}),
		clock: clock,
	}
}

// APut enqueues an item, suspending until a slot is free, the stream is
// closed, or ctx is done.
func (s *AsyncToSyncStream[T]) APut(ctx context.Context, v T) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next item, blocking until one is available or the stream
// is closed. A positive timeout bounds the wait; expiry returns
// ErrGetTimeout. After close and drain it returns the attached error once,
// then io.EOF.
func (s *AsyncToSyncStream[T]) Get(timeout time.Duration) (T, error) {
	var zero T
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}
	var expiry <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		expiry = timer.Chan()
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		select {
		case v := <-s.ch:
			return v, nil
		default:
		}
		return zero, s.takeErr()
	case <-expiry:
		return zero, ErrGetTimeout
	}
}

// AClose closes the stream from the producing task, waking a pending
// consumer with EOF or, when err is non-nil, with err after the buffered
// items are drained. Idempotent.
func (s *AsyncToSyncStream[T]) AClose(err error) {
	s.close(err)
}

// Close closes the stream from the consuming side so an abandoned consumer
// unblocks the producer. Idempotent with AClose; the first close wins.
func (s *AsyncToSyncStream[T]) Close(err error) {
	s.close(err)
}

func (s *AsyncToSyncStream[T]) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *AsyncToSyncStream[T]) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %w", ErrStreamClosed, s.err)
	}
	return ErrStreamClosed
}

func (s *AsyncToSyncStream[T]) takeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && !s.errTaken {
		s.errTaken = true
		return s.err
	}
	return io.EOF
}
