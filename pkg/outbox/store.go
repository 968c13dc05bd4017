// Package outbox implements the generic transactional outbox queue: rows
// written inside the same transaction as the state change they announce,
// claimed under a named worker's lease, retried with backoff after a
// transient failure, reclaimed automatically if the claiming worker dies
// mid-lease, and dead-lettered after too many attempts.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/failpoint"
)

const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusDeadLetter = "DEAD_LETTER"
)

const maxBackoff = 5 * time.Minute

// dlqPrefix marks a terminal last_error: once attempts are exhausted the
// row is dead-lettered and Claim's status filter excludes it from every
// future reclaim.
const dlqPrefix = "DLQ:"

// Entry is one outbox row: an instruction to process something of Topic
// kind. PartitionKey is stored with the row; Claim and ClaimLike do not
// use it, so same-key entries are not serialized to a single claimer.
type Entry struct {
	ID            string
	TenantID      string
	Topic         string
	PartitionKey  string
	PayloadJSON   []byte
	Status        string
	Attempts      int
	MaxAttempts   int
	Worker        string
	ClaimedAt     *time.Time
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Store claims, processes, and retries outbox rows. reclaimAfter bounds
// how long a claimed-but-unfinished row may sit in PROCESSING before a
// different worker may reclaim it — the crash-recovery lease from
// spec.md §5 ("a per-claim reclaim interval ensures abandoned leases
// return to the pool").
type Store struct {
	pool         *pgxpool.Pool
	reclaimAfter time.Duration
}

func NewStore(pool *pgxpool.Pool, reclaimAfter time.Duration) *Store {
	if reclaimAfter <= 0 {
		reclaimAfter = 60 * time.Second
	}
	return &Store{pool: pool, reclaimAfter: reclaimAfter}
}

// Enqueue writes a new outbox row inside the caller's transaction (the
// same transaction as the domain write it announces).
func Enqueue(ctx context.Context, tx pgx.Tx, id, tenantID, topic, partitionKey string, payload []byte, maxAttempts int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, tenant_id, topic, partition_key, payload_json, status, attempts, max_attempts, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,NOW(),NOW())`,
		id, tenantID, topic, partitionKey, payload, StatusPending, maxAttempts)
	if err != nil {
		return fmt.Errorf("outbox.Enqueue: %w", err)
	}
	return nil
}

const claimCols = "o.id, o.tenant_id, o.topic, o.partition_key, o.payload_json, o.status, o.attempts, o.max_attempts, o.worker, o.claimed_at, o.next_attempt_at, o.last_error, o.created_at"

// Claim reserves up to limit due entries for a topic under worker's
// lease. A row is eligible if it is still PENDING and due, or if it has
// been stuck in PROCESSING past reclaimAfter — the latter is what lets a
// crashed worker's claim return to the pool without manual intervention.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever
// double-claiming a row.
func (s *Store) Claim(ctx context.Context, topic, worker string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox
			WHERE topic = $1
			  AND status NOT IN ($2, $3)
			  AND next_attempt_at <= NOW()
			  AND (status = $4 OR claimed_at < NOW() - $5::interval)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $6
		)
		UPDATE outbox o
		SET status = $7, worker = $8, claimed_at = NOW(), attempts = o.attempts + 1
		FROM due
		WHERE o.id = due.id
		RETURNING `+claimCols,
		topic, StatusDone, StatusDeadLetter, StatusPending, s.reclaimAfter, limit, StatusProcessing, worker)
	if err != nil {
		return nil, fmt.Errorf("outbox.Claim: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if err := failpoint.Hit(failpoint.OutboxClaimAfterLock); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimLike is Claim for a topic pattern (e.g. "NOTIFY_%") instead of an
// exact topic, used by workers that drain a family of topics.
func (s *Store) ClaimLike(ctx context.Context, topicPattern, worker string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox
			WHERE topic LIKE $1
			  AND status NOT IN ($2, $3)
			  AND next_attempt_at <= NOW()
			  AND (status = $4 OR claimed_at < NOW() - $5::interval)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $6
		)
		UPDATE outbox o
		SET status = $7, worker = $8, claimed_at = NOW(), attempts = o.attempts + 1
		FROM due
		WHERE o.id = due.id
		RETURNING `+claimCols,
		topicPattern, StatusDone, StatusDeadLetter, StatusPending, s.reclaimAfter, limit, StatusProcessing, worker)
	if err != nil {
		return nil, fmt.Errorf("outbox.ClaimLike: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Topic, &e.PartitionKey, &e.PayloadJSON, &e.Status, &e.Attempts, &e.MaxAttempts, &e.Worker, &e.ClaimedAt, &e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDone marks an entry as fully processed; it will never be reclaimed
// again.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status=$1, last_error='' WHERE id=$2`, StatusDone, id)
	if err != nil {
		return fmt.Errorf("outbox.MarkDone: %w", err)
	}
	return nil
}

// MarkFailed clears the worker's lease so the row becomes reclaimable and
// schedules the next attempt with exponential backoff. Once attempts
// reaches maxAttempts the row is dead-lettered instead: last_error is
// prefixed "DLQ:" (spec.md §4.7, §7) and Claim's status filter excludes
// DEAD_LETTER rows, so no further reclaim happens until an operator calls
// Requeue.
func (s *Store) MarkFailed(ctx context.Context, e Entry, cause string) error {
	if e.Attempts >= e.MaxAttempts {
		_, err := s.pool.Exec(ctx,
			`UPDATE outbox SET status=$1, last_error=$2, worker='', claimed_at=NULL WHERE id=$3`,
			StatusDeadLetter, dlqPrefix+cause, e.ID)
		if err != nil {
			return fmt.Errorf("outbox.MarkFailed deadletter: %w", err)
		}
		return nil
	}
	next := time.Now().UTC().Add(backoff(e.Attempts))
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status=$1, last_error=$2, worker='', claimed_at=NULL, next_attempt_at=$3 WHERE id=$4`,
		StatusPending, cause, next, e.ID)
	if err != nil {
		return fmt.Errorf("outbox.MarkFailed retry: %w", err)
	}
	return nil
}

// IsDLQ reports whether a last_error value marks a dead-lettered message.
func IsDLQ(lastError string) bool {
	return strings.HasPrefix(lastError, dlqPrefix)
}

// Requeue resets a dead-lettered (or stuck) row to fresh PENDING,
// clearing attempts and last_error, for manual operator recovery.
func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status=$1, attempts=0, last_error='', worker='', claimed_at=NULL, next_attempt_at=NOW()
		WHERE id=$2`, StatusPending, id)
	if err != nil {
		return fmt.Errorf("outbox.Requeue: %w", err)
	}
	return nil
}

// backoff doubles per attempt from 1s and stops growing at attempt 8
// (256s, below maxBackoff).
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
