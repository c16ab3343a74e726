// Package queue moves webhook settlement tasks from the intake path to the
// worker pool. Two backends share one contract: an in-process channel
// queue for tests and single-node runs, and a Redis queue (delayed ZSET
// plus ready list) for deployments where intake and workers are separate
// processes.
package queue

import (
	"context"
	"time"
)

// Task is one webhook delivery awaiting settlement. NotBefore schedules
// delayed retries; the zero value means immediately ready.
type Task struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Payload       []byte    `json:"payload"`
	Signature     string    `json:"signature"`
	Attempt       int       `json:"attempt"`
	CorrelationID string    `json:"correlation_id"`
	NotBefore     time.Time `json:"not_before,omitempty"`
}

// Queue is the transport between intake and workers. Dequeue blocks until
// a task is ready or the context is cancelled.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// RetryPolicy is the bounded exponential backoff for transient settlement
// failures: base delay doubling per attempt, capped at MaxDelay, up to
// MaxAttempts total attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NextDelay returns the backoff before the attempt after the given one,
// and false once the attempt budget is exhausted.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}
