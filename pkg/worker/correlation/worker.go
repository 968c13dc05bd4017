// Package correlation drains the CORRELATION_APPLY outbox topic: each
// message validates and upserts a (siteId, correlationKey) -> jobId
// mapping. Conflicts are recorded as the outbox row's last_error rather
// than retried, since a correlation conflict is a business decision,
// not a transient fault.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bturcanu/OpenClause/pkg/correlation"
	"github.com/bturcanu/OpenClause/pkg/outbox"
)

const Topic = "CORRELATION_APPLY"

const workerName = "correlation-worker"

type Message struct {
	TenantID       string    `json:"tenantId"`
	SiteID         string    `json:"siteId"`
	CorrelationKey string    `json:"correlationKey"`
	JobID          string    `json:"jobId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Force          bool      `json:"force"`
}

type Worker struct {
	outbox      *outbox.Store
	correlation *correlation.Store
}

func New(outboxStore *outbox.Store, correlationStore *correlation.Store) *Worker {
	return &Worker{outbox: outboxStore, correlation: correlationStore}
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := w.outbox.Claim(ctx, Topic, workerName, batchSize)
	if err != nil {
		return 0, fmt.Errorf("correlation.RunOnce claim: %w", err)
	}

	var done int
	for _, e := range entries {
		var msg Message
		if err := json.Unmarshal(e.PayloadJSON, &msg); err != nil {
			slog.Error("correlation unmarshal failed", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, e, err.Error()); markErr != nil {
				slog.Error("correlation mark failed error", "outboxId", e.ID, "error", markErr)
			}
			continue
		}

		err = w.correlation.Upsert(ctx, msg.TenantID, msg.SiteID, msg.CorrelationKey, msg.JobID, msg.ExpiresAt, msg.Force)
		switch {
		case err == nil:
			if markErr := w.outbox.MarkDone(ctx, e.ID); markErr != nil {
				slog.Error("correlation mark done error", "outboxId", e.ID, "error", markErr)
				continue
			}
			done++
		case errors.Is(err, correlation.ErrConflict):
			// Business conflict, not a transient fault: record and move on.
			if markErr := w.outbox.MarkFailed(ctx, outbox.Entry{ID: e.ID, Attempts: e.MaxAttempts, MaxAttempts: e.MaxAttempts}, err.Error()); markErr != nil {
				slog.Error("correlation mark conflict error", "outboxId", e.ID, "error", markErr)
			}
		default:
			slog.Error("correlation apply failed", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, e, err.Error()); markErr != nil {
				slog.Error("correlation mark failed error", "outboxId", e.ID, "error", markErr)
			}
		}
	}
	return done, nil
}
