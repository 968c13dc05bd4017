// Package txn implements the single atomic write boundary every mutating
// operation goes through: a list of heterogeneous, tagged operations
// (append events, apply ledger entries, register artifacts, enqueue
// outbox/delivery rows) committed together in one Postgres transaction,
// followed by an audit row and a best-effort nudge to process the
// outbox.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/artifact"
	"github.com/bturcanu/OpenClause/pkg/canon"
	"github.com/bturcanu/OpenClause/pkg/delivery"
	"github.com/bturcanu/OpenClause/pkg/eventstore"
	"github.com/bturcanu/OpenClause/pkg/failpoint"
	"github.com/bturcanu/OpenClause/pkg/idempotency"
	"github.com/bturcanu/OpenClause/pkg/ledger"
	"github.com/bturcanu/OpenClause/pkg/outbox"
	"github.com/bturcanu/OpenClause/pkg/signerkeys"
	"github.com/bturcanu/OpenClause/pkg/snapshot"
	correlationworker "github.com/bturcanu/OpenClause/pkg/worker/correlation"
	"github.com/bturcanu/OpenClause/pkg/worker/ledgerapply"
)

// Op is a tagged write against one of the substrate's stores. Exactly
// one of the fields is non-nil; Kind names which.
type Op struct {
	Kind string

	AppendEvents       *AppendEventsOp
	ApplyLedger        *ApplyLedgerOp
	PutArtifact        *artifact.Artifact
	Enqueue            *EnqueueOp
	DeliverTo          *delivery.Delivery
	PutIdempotency     *idempotency.Record
	ApplyCorrelation   *ApplyCorrelationOp
	PutSignerKey       *signerkeys.Key
	SetSignerKeyStatus *SetSignerKeyStatusOp
}

const (
	KindAppendEvents       = "append_events"
	KindApplyLedger        = "apply_ledger"
	KindPutArtifact        = "put_artifact"
	KindEnqueue            = "enqueue"
	KindDeliverTo          = "deliver_to"
	KindPutIdempotency     = "put_idempotency"
	KindApplyCorrelation   = "apply_correlation"
	KindPutSignerKey       = "put_signer_key"
	KindSetSignerKeyStatus = "set_signer_key_status"
)

// ApplyCorrelationOp does not upsert the correlation row inline; like
// ApplyLedgerOp, it enqueues a CORRELATION_APPLY outbox message in the
// same transaction as the business event that produced it, so the
// correlation worker is the one writer of correlation rows and conflict
// handling has a single seam.
type ApplyCorrelationOp struct {
	ID             string // outbox row id
	SiteID         string
	CorrelationKey string
	JobID          string
	ExpiresAt      time.Time
	Force          bool
	MaxAttempts    int
}

// SetSignerKeyStatusOp transitions a signer key's lifecycle status
// within the same transaction as the event that triggered the rotation
// or revocation.
type SetSignerKeyStatusOp struct {
	KeyID  string
	Status signerkeys.Status
	At     time.Time
}

type AppendEventsOp struct {
	AggregateType string
	AggregateID   string
	Drafts        []canon.Draft
	CanonPayloads [][]byte
}

// ApplyLedgerOp does not apply the entry inline; it enqueues a
// LEDGER_ENTRY_APPLY outbox message in the same transaction as the
// business event that produced it. The ledgerapply worker is the only
// writer of postings, balances, and allocations, so crash-recovery
// (failpoints, exactly-once application) has one seam instead of two.
type ApplyLedgerOp struct {
	ID            string // outbox row id
	SourceEventID string
	Entry         ledger.Entry
	JobID         string
	MaxAttempts   int
}

type EnqueueOp struct {
	ID           string
	Topic        string
	PartitionKey string
	PayloadJSON  []byte
	MaxAttempts  int
}

// Result collects what the batch's append_events ops produced, in the
// order those ops appeared, so callers can read back generated
// sequence numbers and chain hashes after commit.
type Result struct {
	Events []eventstore.Event
}

// Committer wires together the stores commitTx writes to.
type Committer struct {
	pool       *pgxpool.Pool
	events     *eventstore.Store
	snapshots  *snapshot.Store
	ledger     *ledger.Store
	outbox     *outbox.Store
	delivery   *delivery.Store
	signerkeys *signerkeys.Store

	// OnCommitted runs after a successful commit, best-effort: it
	// returns nothing, so it cannot fail the transaction that just
	// completed (outbox processing is nudged, not guaranteed, by a
	// commit).
	OnCommitted func(ctx context.Context)
}

func NewCommitter(pool *pgxpool.Pool, events *eventstore.Store, snapshots *snapshot.Store, ledgerStore *ledger.Store, outboxStore *outbox.Store, deliveryStore *delivery.Store, signerKeyStore *signerkeys.Store) *Committer {
	return &Committer{pool: pool, events: events, snapshots: snapshots, ledger: ledgerStore, outbox: outboxStore, delivery: deliveryStore, signerkeys: signerKeyStore}
}

// Commit applies every op in order inside one transaction, rebuilds
// snapshots for any aggregate touched by an append_events op, inserts
// an audit row, and commits. A failure anywhere rolls back the entire
// batch — partial application never reaches the database.
func (c *Committer) Commit(ctx context.Context, tenantID, actor string, ops []Op) (Result, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("txn.Commit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var res Result
	touched := map[[2]string]bool{} // aggregateType, aggregateID pairs needing a snapshot rebuild

	for _, op := range ops {
		switch op.Kind {
		case KindAppendEvents:
			o := op.AppendEvents
			evs, err := c.events.AppendEvents(ctx, tx, tenantID, o.AggregateType, o.AggregateID, o.Drafts, o.CanonPayloads)
			if err != nil {
				return Result{}, fmt.Errorf("txn.Commit append_events: %w", err)
			}
			res.Events = append(res.Events, evs...)
			touched[[2]string{o.AggregateType, o.AggregateID}] = true

		case KindApplyLedger:
			o := op.ApplyLedger
			payload, err := json.Marshal(ledgerapply.Message{
				TenantID:    tenantID,
				SourceEvent: o.SourceEventID,
				Entry:       o.Entry,
				JobID:       o.JobID,
			})
			if err != nil {
				return Result{}, fmt.Errorf("txn.Commit apply_ledger marshal: %w", err)
			}
			maxAttempts := o.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 25
			}
			if err := outbox.Enqueue(ctx, tx, o.ID, tenantID, ledgerapply.Topic, o.Entry.ID, payload, maxAttempts); err != nil {
				return Result{}, fmt.Errorf("txn.Commit apply_ledger enqueue: %w", err)
			}

		case KindPutArtifact:
			if _, err := artifact.Put(ctx, tx, *op.PutArtifact); err != nil {
				return Result{}, fmt.Errorf("txn.Commit put_artifact: %w", err)
			}

		case KindEnqueue:
			o := op.Enqueue
			if err := outbox.Enqueue(ctx, tx, o.ID, tenantID, o.Topic, o.PartitionKey, o.PayloadJSON, o.MaxAttempts); err != nil {
				return Result{}, fmt.Errorf("txn.Commit enqueue: %w", err)
			}

		case KindDeliverTo:
			if _, err := c.delivery.Enqueue(ctx, tx, *op.DeliverTo); err != nil {
				return Result{}, fmt.Errorf("txn.Commit deliver_to: %w", err)
			}

		case KindPutIdempotency:
			if _, err := idempotency.Put(ctx, tx, *op.PutIdempotency); err != nil {
				return Result{}, fmt.Errorf("txn.Commit put_idempotency: %w", err)
			}

		case KindApplyCorrelation:
			o := op.ApplyCorrelation
			payload, err := json.Marshal(correlationworker.Message{
				TenantID:       tenantID,
				SiteID:         o.SiteID,
				CorrelationKey: o.CorrelationKey,
				JobID:          o.JobID,
				ExpiresAt:      o.ExpiresAt,
				Force:          o.Force,
			})
			if err != nil {
				return Result{}, fmt.Errorf("txn.Commit apply_correlation marshal: %w", err)
			}
			maxAttempts := o.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 25
			}
			if err := outbox.Enqueue(ctx, tx, o.ID, tenantID, correlationworker.Topic, o.SiteID+":"+o.CorrelationKey, payload, maxAttempts); err != nil {
				return Result{}, fmt.Errorf("txn.Commit apply_correlation enqueue: %w", err)
			}

		case KindPutSignerKey:
			if err := c.signerkeys.PutTx(ctx, tx, *op.PutSignerKey); err != nil {
				return Result{}, fmt.Errorf("txn.Commit put_signer_key: %w", err)
			}

		case KindSetSignerKeyStatus:
			o := op.SetSignerKeyStatus
			if err := c.signerkeys.SetStatusTx(ctx, tx, tenantID, o.KeyID, o.Status, o.At); err != nil {
				return Result{}, fmt.Errorf("txn.Commit set_signer_key_status: %w", err)
			}

		default:
			return Result{}, fmt.Errorf("txn.Commit: unknown op kind %q", op.Kind)
		}
	}

	for key := range touched {
		if _, err := c.snapshots.RebuildSnapshot(ctx, tx, tenantID, key[0], key[1]); err != nil {
			return Result{}, fmt.Errorf("txn.Commit rebuild snapshot %s/%s: %w", key[0], key[1], err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ops_audit (tenant_id, actor, op_count, committed_at) VALUES ($1,$2,$3,$4)`,
		tenantID, actor, len(ops), time.Now().UTC(),
	); err != nil {
		return Result{}, fmt.Errorf("txn.Commit audit insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("txn.Commit commit: %w", err)
	}

	if err := failpoint.Hit(failpoint.PGAppendAfterCommit); err != nil {
		return Result{}, err
	}

	if c.OnCommitted != nil {
		c.OnCommitted(ctx)
	}
	return res, nil
}

