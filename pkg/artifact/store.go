// Package artifact implements the content-hashed, immutable artifact
// registry: one row per generated document (party statement, payout
// manifest, finance pack), pointing at evidence-store content.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bturcanu/OpenClause/pkg/canon"
)

// ErrHashMismatch is returned when a caller attempts to re-register an
// existing artifactId with a different content hash — artifacts are
// immutable once written.
var ErrHashMismatch = errors.New("artifact: content hash does not match existing artifact")

// ErrSourceEventConflict is returned when (tenantId, jobId, artifactType,
// sourceEventId) already names a different artifactId — at most one
// artifact of a given type may be produced per source event.
var ErrSourceEventConflict = errors.New("artifact: source event already produced a different artifact")

// ErrArtifactInsertRace is returned when the unique-constraint insert
// hit zero rows affected (a concurrent writer won between our
// pre-checks and the insert) and the re-read under the same
// transaction still can't classify the winner as idempotent or
// conflicting — the caller should retry the whole commit.
var ErrArtifactInsertRace = errors.New("artifact: concurrent insert race, retry")

type Artifact struct {
	ArtifactID    string    `json:"artifactId"`
	TenantID      string    `json:"tenantId"`
	JobID         string    `json:"jobId,omitempty"`
	ArtifactType  string    `json:"artifactType"`
	SourceEventID string    `json:"sourceEventId"`
	ContentHash   string    `json:"contentHash"`
	StorageKey    string    `json:"storageKey"`
	SizeBytes     int64     `json:"sizeBytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

// HashBody computes the content hash used for an artifact's body,
// excluding the artifactHash field itself so the hash is stable once
// assigned (mirrors the canonical payload hashing used for events).
func HashBody(body map[string]any) (string, error) {
	return canon.ArtifactHash(body)
}

// Put registers an artifact inside the caller's transaction. If an
// artifact already exists for (tenantId, artifactId) its hash must
// match, or ErrHashMismatch is returned. If one already exists for
// (tenantId, jobId, artifactType, sourceEventId) under a different
// artifactId, ErrSourceEventConflict is returned.
func Put(ctx context.Context, tx pgx.Tx, a Artifact) (Artifact, error) {
	var existingHash string
	err := tx.QueryRow(ctx,
		`SELECT content_hash FROM artifacts WHERE tenant_id=$1 AND artifact_id=$2`,
		a.TenantID, a.ArtifactID,
	).Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash != a.ContentHash {
			return Artifact{}, ErrHashMismatch
		}
		return a, nil
	case err != pgx.ErrNoRows:
		return Artifact{}, fmt.Errorf("artifact.Put lookup by id: %w", err)
	}

	var conflictingID string
	err = tx.QueryRow(ctx,
		`SELECT artifact_id FROM artifacts WHERE tenant_id=$1 AND job_id=$2 AND artifact_type=$3 AND source_event_id=$4`,
		a.TenantID, a.JobID, a.ArtifactType, a.SourceEventID,
	).Scan(&conflictingID)
	switch {
	case err == nil:
		if conflictingID != a.ArtifactID {
			return Artifact{}, ErrSourceEventConflict
		}
	case err != pgx.ErrNoRows:
		return Artifact{}, fmt.Errorf("artifact.Put lookup by source event: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO artifacts (artifact_id, tenant_id, job_id, artifact_type, source_event_id, content_hash, storage_key, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, artifact_id) DO NOTHING`,
		a.ArtifactID, a.TenantID, a.JobID, a.ArtifactType, a.SourceEventID, a.ContentHash, a.StorageKey, a.SizeBytes, a.CreatedAt,
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact.Put insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, nil
	}

	// Zero rows affected: neither pre-check caught it, so a concurrent
	// writer inserted (tenant_id, artifact_id) between our SELECT and
	// this INSERT. Re-read to classify the winner.
	var wonHash string
	err = tx.QueryRow(ctx,
		`SELECT content_hash FROM artifacts WHERE tenant_id=$1 AND artifact_id=$2`,
		a.TenantID, a.ArtifactID,
	).Scan(&wonHash)
	if err == pgx.ErrNoRows {
		return Artifact{}, ErrArtifactInsertRace
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact.Put re-read by id: %w", err)
	}
	if wonHash != a.ContentHash {
		return Artifact{}, ErrHashMismatch
	}

	var wonSourceEventArtifactID string
	err = tx.QueryRow(ctx,
		`SELECT artifact_id FROM artifacts WHERE tenant_id=$1 AND job_id=$2 AND artifact_type=$3 AND source_event_id=$4`,
		a.TenantID, a.JobID, a.ArtifactType, a.SourceEventID,
	).Scan(&wonSourceEventArtifactID)
	if err != nil && err != pgx.ErrNoRows {
		return Artifact{}, fmt.Errorf("artifact.Put re-read by source event: %w", err)
	}
	if err == nil && wonSourceEventArtifactID != a.ArtifactID {
		return Artifact{}, ErrSourceEventConflict
	}

	return a, nil
}

// Get looks up an artifact by id.
func Get(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, tenantID, artifactID string) (*Artifact, error) {
	var a Artifact
	err := q.QueryRow(ctx, `
		SELECT artifact_id, tenant_id, job_id, artifact_type, source_event_id, content_hash, storage_key, size_bytes, created_at
		FROM artifacts WHERE tenant_id=$1 AND artifact_id=$2`,
		tenantID, artifactID,
	).Scan(&a.ArtifactID, &a.TenantID, &a.JobID, &a.ArtifactType, &a.SourceEventID, &a.ContentHash, &a.StorageKey, &a.SizeBytes, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact.Get: %w", err)
	}
	return &a, nil
}
