package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/domain"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/service"
)

// Worker drains the settlement queue with a pool of goroutines. Transient
// settlement failures are re-enqueued with the retry policy's backoff;
// exhausting the attempt budget surfaces an operator-visible failure log
// instead of another retry.
type Worker struct {
	queue   Queue
	settler *service.Settler
	retry   RetryPolicy
	size    int
	log     *slog.Logger
}

func NewWorker(q Queue, settler *service.Settler, retry RetryPolicy, size int, log *slog.Logger) *Worker {
	if size <= 0 {
		size = 4
	}
	return &Worker{queue: q, settler: settler, retry: retry, size: size, log: log}
}

// Run blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(w.size)
	for i := 0; i < w.size; i++ {
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.log.ErrorContext(ctx, "settlement dequeue failed", "error", err)
			continue
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task Task) {
	if task.Attempt == 0 {
		task.Attempt = 1
	}

	_, err := w.settler.Settle(ctx, service.SettleRequest{
		Source:        task.Source,
		Payload:       task.Payload,
		Signature:     task.Signature,
		Attempt:       task.Attempt,
		CorrelationID: task.CorrelationID,
	})
	if err == nil {
		return
	}
	if !domain.IsTransient(err) {
		w.log.ErrorContext(ctx, "settlement task failed",
			"task_id", task.ID,
			"source", task.Source,
			"attempt", task.Attempt,
			"correlation_id", task.CorrelationID,
			"error", err,
		)
		return
	}

	delay, ok := w.retry.NextDelay(task.Attempt)
	if !ok {
		w.log.ErrorContext(ctx, "settlement retries exhausted",
			"task_id", task.ID,
			"source", task.Source,
			"attempts", task.Attempt,
			"correlation_id", task.CorrelationID,
			"error", err,
		)
		return
	}

	task.Attempt++
	task.NotBefore = time.Now().Add(delay)
	if enqErr := w.queue.Enqueue(ctx, task); enqErr != nil {
		w.log.ErrorContext(ctx, "settlement requeue failed",
			"task_id", task.ID,
			"source", task.Source,
			"attempt", task.Attempt,
			"error", enqErr,
		)
	}
}
