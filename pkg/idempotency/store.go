// Package idempotency implements the first-write-wins idempotency registry.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Execer abstracts pgxpool.Pool/pgx.Tx for the read+write calls Put needs,
// letting tests exercise the conflict/race logic without a live Postgres.
type Execer interface {
	Querier
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// ErrConflict is returned when a replayed (principal, endpoint, key) is
// presented with a different requestHash than the one first recorded.
// Surfaced to the caller, non-retriable with the same body.
var ErrConflict = errors.New("idempotency: conflicting request hash for existing key")

// Record is the stored (or about-to-be-stored) idempotent response.
type Record struct {
	TenantID       string
	Principal      string
	Endpoint       string
	IdempotencyKey string
	RequestHash    string
	StatusCode     int
	ResponseBody   []byte
}

// Put resolves idempotency inside the caller's transaction:
//  1. if a row exists with a different requestHash, ErrConflict;
//  2. if a row exists with the same requestHash, return the stored body;
//  3. otherwise insert and return the given value;
//  4. on an insert race, re-read and return the winner's stored body.
func Put(ctx context.Context, tx Execer, rec Record) (Record, error) {
	existing, err := getTx(ctx, tx, rec.TenantID, rec.Principal, rec.Endpoint, rec.IdempotencyKey)
	if err != nil {
		return Record{}, err
	}
	if existing != nil {
		if existing.RequestHash != rec.RequestHash {
			return Record{}, ErrConflict
		}
		return *existing, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, principal, endpoint, idempotency_key, request_hash, status_code, response_body)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, principal, endpoint, idempotency_key) DO NOTHING`,
		rec.TenantID, rec.Principal, rec.Endpoint, rec.IdempotencyKey, rec.RequestHash, rec.StatusCode, rec.ResponseBody)
	if err != nil {
		return Record{}, fmt.Errorf("idempotency.Put insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, nil
	}

	// A concurrent writer won the race; re-read and classify.
	winner, err := getTx(ctx, tx, rec.TenantID, rec.Principal, rec.Endpoint, rec.IdempotencyKey)
	if err != nil {
		return Record{}, err
	}
	if winner == nil {
		return Record{}, fmt.Errorf("idempotency.Put: insert race but re-read found nothing")
	}
	if winner.RequestHash != rec.RequestHash {
		return Record{}, ErrConflict
	}
	return *winner, nil
}

// Get reads a stored record outside any particular transaction (read
// path, e.g. a command re-delivered after the original transaction
// already committed).
func Get(ctx context.Context, q Querier, tenantID, principal, endpoint, key string) (*Record, error) {
	return getTx(ctx, q, tenantID, principal, endpoint, key)
}

// Querier abstracts pgxpool.Pool/pgx.Tx for read-only calls.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getTx(ctx context.Context, q Querier, tenantID, principal, endpoint, key string) (*Record, error) {
	row := q.QueryRow(ctx, `
		SELECT tenant_id, principal, endpoint, idempotency_key, request_hash, status_code, response_body
		FROM idempotency_records
		WHERE tenant_id=$1 AND principal=$2 AND endpoint=$3 AND idempotency_key=$4`,
		tenantID, principal, endpoint, key)

	var r Record
	err := row.Scan(&r.TenantID, &r.Principal, &r.Endpoint, &r.IdempotencyKey, &r.RequestHash, &r.StatusCode, &r.ResponseBody)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency.Get: %w", err)
	}
	return &r, nil
}
