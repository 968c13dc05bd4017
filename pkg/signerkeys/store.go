// Package signerkeys manages per-tenant signer-key lifecycle, consulted
// by the event store at append time.
package signerkeys

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRotated Status = "rotated"
	StatusRevoked Status = "revoked"
)

type Purpose string

const (
	PurposeServer   Purpose = "server"
	PurposeRobot    Purpose = "robot"
	PurposeOperator Purpose = "operator"
)

// Key is a normalized signer-key record.
type Key struct {
	TenantID  string
	KeyID     string
	PublicKey []byte
	Purpose   Purpose
	Status    Status
	CreatedAt time.Time
	RotatedAt *time.Time
	RevokedAt *time.Time
}

// Store persists signer keys in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get fetches a key by (tenant, keyId), usable both standalone and inside a
// caller-managed transaction via GetTx.
func (s *Store) Get(ctx context.Context, tenantID, keyID string) (*Key, error) {
	return s.getQuerier(ctx, s.pool, tenantID, keyID)
}

// GetTx is Get scoped to an existing transaction, used by AppendEvents so
// the key-lookup sees the same snapshot as the rest of the commit.
func (s *Store) GetTx(ctx context.Context, tx pgx.Tx, tenantID, keyID string) (*Key, error) {
	return s.getQuerier(ctx, tx, tenantID, keyID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getQuerier(ctx context.Context, q querier, tenantID, keyID string) (*Key, error) {
	row := q.QueryRow(ctx, `
		SELECT tenant_id, key_id, public_key, purpose, status, created_at, rotated_at, revoked_at
		FROM signer_keys WHERE tenant_id = $1 AND key_id = $2`, tenantID, keyID)

	var k Key
	err := row.Scan(&k.TenantID, &k.KeyID, &k.PublicKey, &k.Purpose, &k.Status, &k.CreatedAt, &k.RotatedAt, &k.RevokedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signerkeys.Get: %w", err)
	}
	return &k, nil
}

// execer abstracts pgxpool.Pool/pgx.Tx for the mutating calls below, so
// Put/SetStatus can run standalone or inside commitTx's shared transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Put upserts a signer key.
func (s *Store) Put(ctx context.Context, k Key) error {
	return putExecer(ctx, s.pool, k)
}

// PutTx is Put scoped to an existing transaction, used by commitTx's
// signer-key upsert op.
func (s *Store) PutTx(ctx context.Context, tx pgx.Tx, k Key) error {
	return putExecer(ctx, tx, k)
}

func putExecer(ctx context.Context, e execer, k Key) error {
	_, err := e.Exec(ctx, `
		INSERT INTO signer_keys (tenant_id, key_id, public_key, purpose, status, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (tenant_id, key_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			purpose = EXCLUDED.purpose,
			status = EXCLUDED.status`,
		k.TenantID, k.KeyID, k.PublicKey, k.Purpose, k.Status)
	if err != nil {
		return fmt.Errorf("signerkeys.Put: %w", err)
	}
	return nil
}

// SetStatus transitions a key's status and stamps the corresponding
// lifecycle timestamp. COALESCE preserves the first time a transition
// happened if called again (idempotent under retries).
func (s *Store) SetStatus(ctx context.Context, tenantID, keyID string, status Status, at time.Time) error {
	return setStatusExecer(ctx, s.pool, tenantID, keyID, status, at)
}

// SetStatusTx is SetStatus scoped to an existing transaction.
func (s *Store) SetStatusTx(ctx context.Context, tx pgx.Tx, tenantID, keyID string, status Status, at time.Time) error {
	return setStatusExecer(ctx, tx, tenantID, keyID, status, at)
}

func setStatusExecer(ctx context.Context, e execer, tenantID, keyID string, status Status, at time.Time) error {
	var col string
	switch status {
	case StatusRotated:
		col = "rotated_at"
	case StatusRevoked:
		col = "revoked_at"
	}
	q := `UPDATE signer_keys SET status = $3`
	args := []any{tenantID, keyID, status}
	if col != "" {
		q += fmt.Sprintf(", %s = COALESCE(%s, $4)", col, col)
		args = append(args, at)
	}
	q += ` WHERE tenant_id = $1 AND key_id = $2`

	if _, err := e.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("signerkeys.SetStatus: %w", err)
	}
	return nil
}

// PurposeForActor maps an actor type to the signer-key purpose required to
// append on its behalf.
func PurposeForActor(actorType string) Purpose {
	switch actorType {
	case "robot":
		return PurposeRobot
	case "operator":
		return PurposeOperator
	default:
		return Purpose(actorType)
	}
}
