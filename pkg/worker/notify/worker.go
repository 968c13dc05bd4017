// Package notify drains NOTIFY_* outbox topics: each message becomes a
// row in the notifications table, recorded exactly once by giving the
// row a unique outboxId.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/outbox"
)

const TopicPattern = "NOTIFY_%"

const workerName = "notify-worker"

type Worker struct {
	pool   *pgxpool.Pool
	outbox *outbox.Store
}

func New(pool *pgxpool.Pool, outboxStore *outbox.Store) *Worker {
	return &Worker{pool: pool, outbox: outboxStore}
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := w.outbox.ClaimLike(ctx, TopicPattern, workerName, batchSize)
	if err != nil {
		return 0, fmt.Errorf("notify.RunOnce claim: %w", err)
	}

	var done int
	for _, e := range entries {
		if err := w.process(ctx, e); err != nil {
			slog.Error("notify drain failed", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, e, err.Error()); markErr != nil {
				slog.Error("notify mark failed error", "outboxId", e.ID, "error", markErr)
			}
			continue
		}
		done++
	}
	return done, nil
}

func (w *Worker) process(ctx context.Context, e outbox.Entry) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO notifications (outbox_id, tenant_id, topic, payload, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (outbox_id) DO NOTHING`,
		e.ID, e.TenantID, e.Topic, e.PayloadJSON)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return w.outbox.MarkDone(ctx, e.ID)
}
