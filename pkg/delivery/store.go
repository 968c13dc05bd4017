// Package delivery implements the per-destination delivery outbox:
// scope-ordered, deduplicated delivery of notifications/artifacts to a
// single external destination, leased by one worker at a time, with
// receipts and a per-tenant pending quota.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending   = "PENDING"
	StatusLeased    = "LEASED"
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
	StatusDLQ       = "DLQ"
)

const defaultMaxAttempts = 25

const maxBackoff = 5 * time.Minute

// dlqPrefix marks a terminal last_error the same way pkg/outbox does,
// so a dead-lettered delivery's cause is distinguishable from a
// plain retry-pending one.
const dlqPrefix = "DLQ:"

// ErrQuotaExceeded is returned when a tenant already has
// QuotaPlatformMaxPendingDelivs pending deliveries and attempts to
// enqueue another.
var ErrQuotaExceeded = errors.New("delivery: tenant pending delivery quota exceeded")

// ErrDuplicateKey names the case where an entry with this (tenant,
// destination, dedupeKey) already exists. Enqueue does not return it:
// a dedupe hit is a no-op success that Enqueue reports through its dup
// result, to keep callers idempotent.
var ErrDuplicateKey = errors.New("delivery: duplicate dedupe key")

type Delivery struct {
	ID            string
	TenantID      string
	DestinationID string
	ArtifactType  string
	ArtifactID    string
	ArtifactHash  string
	DedupeKey     string
	ScopeID       string // orders deliveries within a destination+scope, e.g. a job or month id
	OrderSeq      int64
	Priority      int
	PayloadJSON   []byte
	Status        string
	Attempts      int
	MaxAttempts   int
	LeaseOwner    string
	LeaseUntil    time.Time
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
	AckReceivedAt *time.Time
	ExpiresAt     *time.Time
	LastError     string
	CreatedAt     time.Time
}

// Destination is a registered external recipient, scoped to a subset
// of artifact types it wants delivered to it.
type Destination struct {
	ID            string
	TenantID      string
	ArtifactTypes []string
}

// Accepts reports whether this destination subscribes to artifactType.
func (d Destination) Accepts(artifactType string) bool {
	for _, t := range d.ArtifactTypes {
		if t == artifactType {
			return true
		}
	}
	return false
}

// DestinationsFor returns every destination registered for a tenant,
// used by month-close to fan artifacts out by subscription.
func (s *Store) DestinationsFor(ctx context.Context, tx pgx.Tx, tenantID string) ([]Destination, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, artifact_types FROM delivery_destinations WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("delivery.DestinationsFor: %w", err)
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var d Destination
		d.TenantID = tenantID
		if err := rows.Scan(&d.ID, &d.ArtifactTypes); err != nil {
			return nil, fmt.Errorf("delivery.DestinationsFor scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type Receipt struct {
	DeliveryID string
	AckedAt    time.Time
	AckedBy    string
	Detail     string
}

type Store struct {
	pool       *pgxpool.Pool
	maxPending int // 0 disables the quota check
}

func NewStore(pool *pgxpool.Pool, maxPendingPerTenant int) *Store {
	return &Store{pool: pool, maxPending: maxPendingPerTenant}
}

// Enqueue writes a delivery inside the caller's transaction. Returns
// (dup=true, nil) if the dedupe key already exists for this destination.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, d Delivery) (dup bool, err error) {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deliveries WHERE tenant_id=$1 AND destination_id=$2 AND dedupe_key=$3)`,
		d.TenantID, d.DestinationID, d.DedupeKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("delivery.Enqueue dedupe check: %w", err)
	}
	if exists {
		return true, nil
	}

	if s.maxPending > 0 {
		var pending int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM deliveries WHERE tenant_id=$1 AND status IN ($2,$3)`,
			d.TenantID, StatusPending, StatusLeased,
		).Scan(&pending); err != nil {
			return false, fmt.Errorf("delivery.Enqueue quota check: %w", err)
		}
		if pending >= s.maxPending {
			return false, ErrQuotaExceeded
		}
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deliveries (id, tenant_id, destination_id, artifact_type, artifact_id, artifact_hash, dedupe_key, scope_id, order_seq, priority, payload_json, status, attempts, max_attempts, next_attempt_at, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,NOW(),$14,NOW())`,
		d.ID, d.TenantID, d.DestinationID, d.ArtifactType, d.ArtifactID, d.ArtifactHash, d.DedupeKey, d.ScopeID, d.OrderSeq, d.Priority, d.PayloadJSON, StatusPending, maxAttempts, d.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("delivery.Enqueue insert: %w", err)
	}
	return false, nil
}

// Lease claims the next eligible, due delivery for a destination in
// strict scope order: lowest (orderSeq, priority, id) first within a
// scope, so downstream consumers observe events in the order they were
// produced and lower-numbered priority claims ahead of higher. A
// previously leased-but-expired row is eligible again, as is any row
// whose next_attempt_at has come due after a prior failed attempt.
func (s *Store) Lease(ctx context.Context, destinationID, owner string, leaseFor time.Duration) (*Delivery, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("delivery.Lease begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var d Delivery
	err = tx.QueryRow(ctx, `
		SELECT id, tenant_id, destination_id, artifact_type, artifact_id, artifact_hash, dedupe_key, scope_id, order_seq, priority, payload_json, status, attempts, max_attempts
		FROM deliveries
		WHERE destination_id = $1
		  AND next_attempt_at <= NOW()
		  AND (status = $2 OR (status = $3 AND lease_until < NOW()))
		ORDER BY scope_id, order_seq ASC, priority ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`,
		destinationID, StatusPending, StatusLeased,
	).Scan(&d.ID, &d.TenantID, &d.DestinationID, &d.ArtifactType, &d.ArtifactID, &d.ArtifactHash, &d.DedupeKey, &d.ScopeID, &d.OrderSeq, &d.Priority, &d.PayloadJSON, &d.Status, &d.Attempts, &d.MaxAttempts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delivery.Lease select: %w", err)
	}

	until := time.Now().UTC().Add(leaseFor)
	if _, err := tx.Exec(ctx,
		`UPDATE deliveries SET status=$1, lease_owner=$2, lease_until=$3, attempts=attempts+1 WHERE id=$4`,
		StatusLeased, owner, until, d.ID,
	); err != nil {
		return nil, fmt.Errorf("delivery.Lease update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("delivery.Lease commit: %w", err)
	}
	d.Status = StatusLeased
	d.LeaseOwner = owner
	d.LeaseUntil = until
	d.Attempts++
	return &d, nil
}

// ErrAckMismatch is returned when an ack names a destinationId or
// artifactHash that does not match the delivery it targets.
var ErrAckMismatch = errors.New("delivery: ack destination/hash does not match delivery")

// Ack records delivery and inserts exactly one receipt row per delivery,
// transactionally. Acking the same delivery twice — the retry case a
// flaky destination callback produces — is a no-op success the second
// time: ON CONFLICT DO NOTHING on the receipt insert plus leaving
// acked_at untouched once set makes the whole operation idempotent.
func (s *Store) Ack(ctx context.Context, r Receipt, destinationID, artifactHash string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delivery.Ack begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if destinationID != "" || artifactHash != "" {
		var gotDest, gotHash string
		err := tx.QueryRow(ctx,
			`SELECT destination_id, COALESCE(artifact_hash, '') FROM deliveries WHERE id=$1`, r.DeliveryID,
		).Scan(&gotDest, &gotHash)
		if err != nil {
			return fmt.Errorf("delivery.Ack lookup: %w", err)
		}
		if (destinationID != "" && destinationID != gotDest) || (artifactHash != "" && artifactHash != gotHash) {
			return ErrAckMismatch
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deliveries SET status=$1, acked_at=COALESCE(acked_at, $2), delivered_at=COALESCE(delivered_at, $2), ack_received_at=COALESCE(ack_received_at, $2) WHERE id=$3`,
		StatusDelivered, r.AckedAt, r.DeliveryID,
	); err != nil {
		return fmt.Errorf("delivery.Ack update: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO delivery_receipts (delivery_id, acked_at, acked_by, detail) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (delivery_id) DO NOTHING`,
		r.DeliveryID, r.AckedAt, r.AckedBy, r.Detail,
	); err != nil {
		return fmt.Errorf("delivery.Ack insert receipt: %w", err)
	}
	return tx.Commit(ctx)
}

// Fail releases the lease and schedules the next attempt with
// exponential backoff, the same shape as pkg/outbox.MarkFailed and the
// teacher's backoffForAttempt in pkg/approvals/notifier.go. Once
// d.Attempts reaches d.MaxAttempts the row moves to a terminal DLQ
// state instead, last_error prefixed "DLQ:", and RequeueDelivery is the
// only way back to pending.
func (s *Store) Fail(ctx context.Context, d Delivery, cause string) error {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	if d.Attempts >= maxAttempts {
		_, err := s.pool.Exec(ctx,
			`UPDATE deliveries SET status=$1, lease_owner='', last_error=$2 WHERE id=$3`,
			StatusDLQ, dlqPrefix+cause, d.ID)
		if err != nil {
			return fmt.Errorf("delivery.Fail deadletter: %w", err)
		}
		return nil
	}

	next := time.Now().UTC().Add(backoff(d.Attempts))
	_, err := s.pool.Exec(ctx,
		`UPDATE deliveries SET status=$1, lease_owner='', last_error=$2, next_attempt_at=$3 WHERE id=$4`,
		StatusPending, cause, next, d.ID)
	if err != nil {
		return fmt.Errorf("delivery.Fail retry: %w", err)
	}
	return nil
}

// RequeueDelivery resets a DLQ (or stuck) row to fresh PENDING,
// clearing attempts and last_error, for manual operator recovery —
// mirrors pkg/outbox.Requeue.
func (s *Store) RequeueDelivery(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET status=$1, attempts=0, last_error='', lease_owner='', lease_until=NULL, next_attempt_at=NOW()
		WHERE id=$2`, StatusPending, id)
	if err != nil {
		return fmt.Errorf("delivery.RequeueDelivery: %w", err)
	}
	return nil
}

// backoff doubles per attempt from 1s and stops growing at attempt 8
// (256s, below maxBackoff) — identical in shape to pkg/outbox.backoff and the teacher's
// backoffForAttempt.
func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	shift := attempt
	if shift > 8 {
		shift = 8
	}
	d := time.Second * time.Duration(int64(1)<<uint(shift))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
