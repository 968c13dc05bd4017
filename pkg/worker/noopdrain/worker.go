// Package noopdrain processes purely informational outbox topics —
// ones nothing downstream consumes yet — by claiming and immediately
// marking them done, so they don't accumulate and don't block the
// claim queries' FOR UPDATE SKIP LOCKED scans.
package noopdrain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bturcanu/OpenClause/pkg/outbox"
)

var Topics = []string{"JOB_STATUS_CHANGED", "JOB_SETTLED"}

const workerName = "noopdrain-worker"

type Worker struct {
	outbox *outbox.Store
}

func New(outboxStore *outbox.Store) *Worker {
	return &Worker{outbox: outboxStore}
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	var done int
	for _, topic := range Topics {
		entries, err := w.outbox.Claim(ctx, topic, workerName, batchSize)
		if err != nil {
			return done, fmt.Errorf("noopdrain.RunOnce claim %s: %w", topic, err)
		}
		for _, e := range entries {
			if err := w.outbox.MarkDone(ctx, e.ID); err != nil {
				slog.Error("noopdrain mark done error", "outboxId", e.ID, "error", err)
				continue
			}
			done++
		}
	}
	return done, nil
}
