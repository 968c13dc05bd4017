// Package correlation implements the (tenant, siteId, correlationKey) ->
// jobId mapping used to tie external references back to a job stream.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConflict is returned when an existing correlation points at a
// different jobId and the caller did not pass force=true.
var ErrConflict = errors.New("correlation: existing mapping points at a different job")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert records (siteId, correlationKey) -> jobId. A matching jobId is
// a no-op refresh of expiresAt. A different jobId is rejected unless
// force is set, in which case the mapping is overwritten.
func (s *Store) Upsert(ctx context.Context, tenantID, siteID, correlationKey, jobID string, expiresAt time.Time, force bool) error {
	var existingJobID string
	err := s.pool.QueryRow(ctx,
		`SELECT job_id FROM correlations WHERE tenant_id=$1 AND site_id=$2 AND correlation_key=$3`,
		tenantID, siteID, correlationKey,
	).Scan(&existingJobID)

	switch {
	case err == pgx.ErrNoRows:
		_, err := s.pool.Exec(ctx,
			`INSERT INTO correlations (tenant_id, site_id, correlation_key, job_id, expires_at) VALUES ($1,$2,$3,$4,$5)`,
			tenantID, siteID, correlationKey, jobID, expiresAt)
		if err != nil {
			return fmt.Errorf("correlation.Upsert insert: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("correlation.Upsert lookup: %w", err)
	}

	if existingJobID == jobID {
		_, err := s.pool.Exec(ctx,
			`UPDATE correlations SET expires_at=$1 WHERE tenant_id=$2 AND site_id=$3 AND correlation_key=$4`,
			expiresAt, tenantID, siteID, correlationKey)
		if err != nil {
			return fmt.Errorf("correlation.Upsert refresh: %w", err)
		}
		return nil
	}

	if !force {
		return ErrConflict
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE correlations SET job_id=$1, expires_at=$2 WHERE tenant_id=$3 AND site_id=$4 AND correlation_key=$5`,
		jobID, expiresAt, tenantID, siteID, correlationKey)
	if err != nil {
		return fmt.Errorf("correlation.Upsert overwrite: %w", err)
	}
	return nil
}
