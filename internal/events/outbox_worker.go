package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

// OutboxWorker periodically claims unpublished outbox rows and hands them
// to the publisher. Rows that keep failing past the retry budget are dead
// lettered for operator attention rather than retried forever.
type OutboxWorker struct {
	outbox     store.OutboxStore
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	claimTTL   time.Duration
	maxRetries int
	log        *slog.Logger
}

func NewOutboxWorker(outbox store.OutboxStore, publisher Publisher, interval time.Duration, batchSize, maxRetries int, log *slog.Logger) *OutboxWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &OutboxWorker{
		outbox:     outbox,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		claimTTL:   30 * time.Second,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Run executes the publish loop until context cancellation.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.processOnce(ctx); err != nil {
			w.log.ErrorContext(ctx, "outbox iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *OutboxWorker) processOnce(ctx context.Context) error {
	claimToken := uuid.NewString()
	records, err := w.outbox.ClaimPending(ctx, w.batchSize, claimToken, time.Now().UTC().Add(w.claimTTL))
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.RetryCount >= w.maxRetries {
			_ = w.outbox.MarkDeadLettered(ctx, rec.ID, claimToken, "retry threshold reached before publish")
			w.log.ErrorContext(ctx, "outbox event dead lettered",
				"outbox_id", rec.ID,
				"event_type", rec.EventType,
				"retries", rec.RetryCount,
			)
			continue
		}

		if err := w.publisher.Publish(ctx, rec.EventType, rec.PartitionKey, rec.Payload); err != nil {
			_ = w.outbox.MarkFailed(ctx, rec.ID, claimToken, err.Error())
			w.log.WarnContext(ctx, "outbox publish failed",
				"outbox_id", rec.ID,
				"event_type", rec.EventType,
				"error", err,
			)
			continue
		}
		_ = w.outbox.MarkPublished(ctx, rec.ID, claimToken)
	}
	return nil
}
