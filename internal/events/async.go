package events

import (
	"context"
	"sync"
)

// AsyncSink decouples event producers from a possibly slow downstream sink.
// Emit never blocks: events queue into a bounded in-memory deque consumed by
// a single background goroutine. When the queue is full the oldest
// non-critical event is evicted; if every queued event is critical the new
// event is dropped instead (critical events already queued are never lost to
// a newer one). Either way a drop counter records the loss.
type AsyncSink struct {
	downstream Sink
	capacity   int

	mu      sync.Mutex
	queue   []Event
	dropped uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewAsyncSink starts the consumer goroutine. capacity bounds the queue;
// values below 1 fall back to 1024. Call [AsyncSink.Close] to flush and stop.
func NewAsyncSink(downstream Sink, capacity int) *AsyncSink {
	if capacity < 1 {
		capacity = 1024
	}
	s := &AsyncSink{
		downstream: downstream,
		capacity:   capacity,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.consume()
	return s
}

// Emit enqueues e without blocking.
func (s *AsyncSink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		if !s.evictOldestNonCritical() {
			// Queue is all critical events; drop the newcomer unless it is
			// itself critical, in which case the oldest gives way anyway.
			if !e.Critical() {
				s.dropped++
				s.mu.Unlock()
				return
			}
			s.queue = s.queue[1:]
			s.dropped++
		}
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// evictOldestNonCritical removes the oldest droppable event from the queue,
// counting the drop. Returns false when every queued event is critical.
// Caller holds s.mu.
func (s *AsyncSink) evictOldestNonCritical() bool {
	for i, queued := range s.queue {
		if queued.Critical() {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.dropped++
		return true
	}
	return false
}

// Dropped reports how many events have been lost to overflow.
func (s *AsyncSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events, flushes the queue to the downstream sink,
// and waits for the consumer to finish.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

// consume drains the queue in batches until closed and empty.
func (s *AsyncSink) consume() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, e := range batch {
			s.downstream.Emit(context.Background(), e)
		}

		if closed {
			// One final sweep in case Emit raced with Close.
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, e := range rest {
				s.downstream.Emit(context.Background(), e)
			}
			return
		}
		<-s.wake
	}
}
