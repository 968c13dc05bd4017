package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bturcanu/OpenClause/pkg/eventstore"
	"github.com/jackc/pgx/v5"
)

const AggregateTypeJob = "job"

const (
	JobStatusActive  = "ACTIVE"
	JobStatusAborted = "ABORTED"
	JobStatusSettled = "SETTLED"
)

// JobReservation mirrors an active hold window on a job.
type JobReservation struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// JobSnapshot is the reduced state of a job aggregate.
type JobSnapshot struct {
	JobID       string          `json:"jobId"`
	PayeeID     string          `json:"payeeId"`
	AmountCents int64           `json:"amountCents"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Reservation *JobReservation `json:"reservation,omitempty"`
	SettledAt   *time.Time      `json:"settledAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type jobCreatedPayload struct {
	PayeeID     string `json:"payeeId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type jobReservationOpenedPayload struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type jobSettledPayload struct {
	SettledAt time.Time `json:"settledAt"`
}

// ReduceJob folds a job aggregate's event history into its current state.
func ReduceJob(events []eventstore.Event) (any, error) {
	var snap JobSnapshot
	for _, ev := range events {
		switch ev.Type {
		case "job.created":
			var p jobCreatedPayload
			if err := json.Unmarshal(ev.PayloadJSON, &p); err != nil {
				return nil, fmt.Errorf("reduce job.created: %w", err)
			}
			snap = JobSnapshot{
				JobID:       ev.AggregateID,
				PayeeID:     p.PayeeID,
				AmountCents: p.AmountCents,
				Currency:    p.Currency,
				Status:      JobStatusActive,
				CreatedAt:   ev.At,
			}
		case "job.reservation_opened":
			var p jobReservationOpenedPayload
			if err := json.Unmarshal(ev.PayloadJSON, &p); err != nil {
				return nil, fmt.Errorf("reduce job.reservation_opened: %w", err)
			}
			snap.Reservation = &JobReservation{ExpiresAt: p.ExpiresAt}
		case "job.reservation_closed":
			snap.Reservation = nil
		case "job.aborted":
			snap.Status = JobStatusAborted
			snap.Reservation = nil
		case "job.settled":
			var p jobSettledPayload
			if err := json.Unmarshal(ev.PayloadJSON, &p); err != nil {
				return nil, fmt.Errorf("reduce job.settled: %w", err)
			}
			snap.Status = JobStatusSettled
			snap.SettledAt = &p.SettledAt
			snap.Reservation = nil
		}
	}
	return snap, nil
}

// HasActiveReservation reports whether a job carries a live reservation
// window that should have a mirrored reservation row.
func (s JobSnapshot) HasActiveReservation() bool {
	if s.Status == JobStatusAborted || s.Status == JobStatusSettled {
		return false
	}
	return s.Reservation != nil
}

// ReservationSideEffect upserts or deletes the per-tenant job_reservations
// row mirrored from a job snapshot's reservation window: an active
// reservation upserts the row keyed by jobId, an inactive one deletes it.
func ReservationSideEffect(ctx context.Context, tx pgx.Tx, tenantID string, row Row, value any) error {
	snap, ok := value.(JobSnapshot)
	if !ok {
		return fmt.Errorf("snapshot.ReservationSideEffect: unexpected value type %T", value)
	}

	if snap.HasActiveReservation() {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_reservations (tenant_id, job_id, expires_at, updated_at)
			VALUES ($1,$2,$3,NOW())
			ON CONFLICT (tenant_id, job_id) DO UPDATE SET
				expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
			tenantID, snap.JobID, snap.Reservation.ExpiresAt)
		if err != nil {
			return fmt.Errorf("snapshot.ReservationSideEffect upsert: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(ctx, `DELETE FROM job_reservations WHERE tenant_id=$1 AND job_id=$2`, tenantID, snap.JobID)
	if err != nil {
		return fmt.Errorf("snapshot.ReservationSideEffect delete: %w", err)
	}
	return nil
}

// SettlementIndexSideEffect keeps a job_settlements row in sync with a
// job's settlement so month-close can select "jobs settled in
// [start,end)" with an indexed range query instead of scanning every
// job snapshot's JSON body.
func SettlementIndexSideEffect(ctx context.Context, tx pgx.Tx, tenantID string, row Row, value any) error {
	snap, ok := value.(JobSnapshot)
	if !ok {
		return fmt.Errorf("snapshot.SettlementIndexSideEffect: unexpected value type %T", value)
	}

	if snap.Status != JobStatusSettled || snap.SettledAt == nil {
		_, err := tx.Exec(ctx, `DELETE FROM job_settlements WHERE tenant_id=$1 AND job_id=$2`, tenantID, snap.JobID)
		if err != nil {
			return fmt.Errorf("snapshot.SettlementIndexSideEffect delete: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO job_settlements (tenant_id, job_id, payee_id, amount_cents, currency, settled_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, job_id) DO UPDATE SET
			payee_id = EXCLUDED.payee_id, amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency, settled_at = EXCLUDED.settled_at`,
		tenantID, snap.JobID, snap.PayeeID, snap.AmountCents, snap.Currency, *snap.SettledAt)
	if err != nil {
		return fmt.Errorf("snapshot.SettlementIndexSideEffect upsert: %w", err)
	}
	return nil
}
