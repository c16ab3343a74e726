package queue

import (
	"context"
	"time"
)

// MemQueue is a channel-backed Queue. Delayed tasks are parked on a timer
// and land on the ready channel when due.
type MemQueue struct {
	ready chan Task
}

func NewMemQueue(buffer int) *MemQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemQueue{ready: make(chan Task, buffer)}
}

func (q *MemQueue) Enqueue(ctx context.Context, task Task) error {
	delay := time.Until(task.NotBefore)
	if delay <= 0 {
		select {
		case q.ready <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.AfterFunc(delay, func() { q.deliver(task) })
	return nil
}

// deliver hands a due task to the ready channel without ever blocking the
// timer goroutine: when the buffer is full it re-arms a short timer instead
// of parking, so the task still arrives once a consumer drains the channel.
func (q *MemQueue) deliver(task Task) {
	select {
	case q.ready <- task:
	default:
		time.AfterFunc(10*time.Millisecond, func() { q.deliver(task) })
	}
}

func (q *MemQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.ready:
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}
