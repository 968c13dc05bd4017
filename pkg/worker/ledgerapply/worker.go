// Package ledgerapply drains the LEDGER_ENTRY_APPLY outbox topic: it
// applies a journal entry's postings to balances exactly once, then
// computes and inserts per-party allocations when the message names a
// job and the worker was given a non-nil allocation rules source.
package ledgerapply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/failpoint"
	"github.com/bturcanu/OpenClause/pkg/ledger"
	"github.com/bturcanu/OpenClause/pkg/outbox"
	"github.com/bturcanu/OpenClause/pkg/snapshot"
)

const Topic = "LEDGER_ENTRY_APPLY"

const workerName = "ledgerapply-worker"

// Message is the outbox payload shape for this topic.
type Message struct {
	TenantID    string               `json:"tenantId"`
	SourceEvent string               `json:"sourceEventId"`
	Entry       ledger.Entry         `json:"entry"`
	JobID       string               `json:"jobId,omitempty"`
	Rules       []ledger.AllocationRule `json:"allocationRules,omitempty"`
}

// AllocationRuleSource computes the allocation rules for a job's
// postings. Kept as an injectable function so business-specific rule
// lookup (contracts, payee splits) can evolve independently of the
// worker's crash-safety plumbing.
type AllocationRuleSource func(ctx context.Context, tenantID string, job snapshot.JobSnapshot) ([]ledger.AllocationRule, error)

type Worker struct {
	pool      *pgxpool.Pool
	outbox    *outbox.Store
	ledger    *ledger.Store
	snapshots *snapshot.Store
	rules     AllocationRuleSource
}

func New(pool *pgxpool.Pool, outboxStore *outbox.Store, ledgerStore *ledger.Store, snapshotStore *snapshot.Store, rules AllocationRuleSource) *Worker {
	return &Worker{pool: pool, outbox: outboxStore, ledger: ledgerStore, snapshots: snapshotStore, rules: rules}
}

// RunOnce claims up to batchSize messages and processes each in turn,
// returning the number successfully processed.
func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := w.outbox.Claim(ctx, Topic, workerName, batchSize)
	if err != nil {
		return 0, fmt.Errorf("ledgerapply.RunOnce claim: %w", err)
	}

	var done int
	for _, e := range entries {
		if err := w.process(ctx, e); err != nil {
			slog.Error("ledger apply failed", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, e, err.Error()); markErr != nil {
				slog.Error("ledger apply mark failed error", "outboxId", e.ID, "error", markErr)
			}
			continue
		}
		done++
	}
	return done, nil
}

func (w *Worker) process(ctx context.Context, e outbox.Entry) error {
	var msg Message
	if err := json.Unmarshal(e.PayloadJSON, &msg); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := w.ledger.ApplyEntry(ctx, tx, msg.TenantID, msg.SourceEvent, msg.Entry, nil)
	if err != nil {
		return fmt.Errorf("apply entry: %w", err)
	}
	_ = inserted // balances were applied (or this was a safe no-op replay)

	if err := failpoint.Hit(failpoint.LedgerApplyAfterInsertBeforeOutboxDone); err != nil {
		return err
	}

	if msg.JobID != "" && w.rules != nil {
		jobRow, err := w.snapshots.Get(ctx, msg.TenantID, snapshot.AggregateTypeJob, msg.JobID)
		if err != nil {
			return fmt.Errorf("load job snapshot: %w", err)
		}
		if jobRow != nil {
			var job snapshot.JobSnapshot
			if err := jobRow.Unmarshal(&job); err != nil {
				return fmt.Errorf("unmarshal job snapshot: %w", err)
			}
			rules, err := w.rules(ctx, msg.TenantID, job)
			if err != nil {
				return fmt.Errorf("resolve allocation rules: %w", err)
			}

			if err := failpoint.Hit(failpoint.LedgerApplyAfterPostingsBeforeAllocations); err != nil {
				return err
			}

			for _, p := range msg.Entry.Postings {
				allocs := ledger.Allocate(msg.Entry.ID, p, rules)
				if err := w.ledger.InsertAllocations(ctx, tx, msg.TenantID, allocs); err != nil {
					return fmt.Errorf("insert allocations: %w", err)
				}
			}
		}
	}

	if err := failpoint.Hit(failpoint.LedgerApplyAfterAllocationsBeforeOutboxDone); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return w.outbox.MarkDone(ctx, e.ID)
}
