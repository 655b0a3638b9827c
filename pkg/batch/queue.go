package batch

import (
	"context"
	"errors"
	"sync"

	"github.com/intentd/intentd/pkg/models"
)

// ErrQueueClosed is returned by Push after Shutdown has begun.
var ErrQueueClosed = errors.New("batch: queue closed")

// Queue is an in-process scheduling queue. Jobs drain strictly by priority
// class, FIFO within a class. Push never blocks; Pop blocks until a job is
// available, the context ends, or the queue is closed.
type Queue struct {
	mu     sync.Mutex
	lanes  [3][]string
	wake   chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Push enqueues a job id under its priority class.
func (q *Queue) Push(jobID string, priority models.BatchPriority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	rank := priority.Rank()
	q.lanes[rank] = append(q.lanes[rank], jobID)
	q.broadcastLocked()
	return nil
}

// Pop dequeues the next job id, preferring higher priority classes. It
// reports false once the queue is closed or the context ends; jobs still
// queued at close time are abandoned.
func (q *Queue) Pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		for rank := len(q.lanes) - 1; rank >= 0; rank-- {
			if len(q.lanes[rank]) == 0 {
				continue
			}
			jobID := q.lanes[rank][0]
			q.lanes[rank] = q.lanes[rank][1:]
			q.mu.Unlock()
			return jobID, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

// Depth returns the number of queued jobs across all priority classes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// Close marks the queue closed and wakes all blocked Pop calls.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// broadcastLocked wakes every waiter by closing the current wake channel
// and replacing it. Callers must hold q.mu.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
