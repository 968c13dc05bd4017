package eventstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/bturcanu/OpenClause/pkg/canon"
	"github.com/bturcanu/OpenClause/pkg/signerkeys"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bootstrapSignerKeyID = "bootstrap"

// Store appends to and reads from the per-aggregate event log.
type Store struct {
	pool *pgxpool.Pool
	keys *signerkeys.Store
}

func NewStore(pool *pgxpool.Pool, keys *signerkeys.Store) *Store {
	return &Store{pool: pool, keys: keys}
}

// lockKey produces a deterministic int64 advisory-lock key from
// tenant:aggregateType:aggregateId, giving each aggregate its own
// advisory lock so concurrent appends to different streams never block
// each other.
func lockKey(tenantID, aggregateType, aggregateID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(aggregateType))
	h.Write([]byte{0})
	h.Write([]byte(aggregateID))
	b := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(b))
}

// validateChain checks precondition and assigns seq numbers for a batch of
// drafts against a known head. Pure and DB-free so it can be unit tested
// directly; AppendEvents calls it after reading the real head under lock.
func validateChain(head Head, drafts []canon.Draft) ([]Event, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	first := drafts[0]
	gotPrev := ""
	if first.PrevChainHash != nil {
		gotPrev = *first.PrevChainHash
	}
	if gotPrev != head.ChainHash {
		return nil, ErrPrevChainHashMismatch
	}

	events := make([]Event, 0, len(drafts))
	prevHash := head.ChainHash
	for i, d := range drafts {
		if err := canon.VerifyChainLink(prevHash, d); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPrevChainHashMismatch, err)
		}
		var prevPtr *string
		if prevHash != "" {
			p := prevHash
			prevPtr = &p
		}
		events = append(events, Event{
			Seq:           head.Seq + int64(i) + 1,
			ID:            d.ID,
			Type:          d.Type,
			At:            d.At,
			Actor:         d.Actor,
			PayloadHash:   d.PayloadHash,
			PrevChainHash: prevPtr,
			ChainHash:     d.ChainHash,
			SignerKeyID:   d.SignerKeyID,
			Signature:     d.Signature,
		})
		prevHash = d.ChainHash
	}
	return events, nil
}

// HeadTx reads the current head of a stream inside an existing transaction.
func (s *Store) HeadTx(ctx context.Context, tx pgx.Tx, tenantID, aggregateType, aggregateID string) (Head, error) {
	row := tx.QueryRow(ctx, `
		SELECT seq, chain_hash FROM events
		WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		ORDER BY seq DESC LIMIT 1`, tenantID, aggregateType, aggregateID)

	var h Head
	err := row.Scan(&h.Seq, &h.ChainHash)
	if err == pgx.ErrNoRows {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("eventstore.HeadTx: %w", err)
	}
	return h, nil
}

// AppendEvents advisory-locks the stream, checks the optimistic-concurrency
// precondition, validates signer keys, and inserts. It must run inside a
// transaction shared with the rest of the commit so a failure anywhere
// rolls back every side effect atomically.
func (s *Store) AppendEvents(ctx context.Context, tx pgx.Tx, tenantID, aggregateType, aggregateID string, drafts []canon.Draft, canonPayloads [][]byte) ([]Event, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	if len(canonPayloads) != len(drafts) {
		return nil, fmt.Errorf("eventstore.AppendEvents: canonPayloads length mismatch")
	}

	lk := lockKey(tenantID, aggregateType, aggregateID)
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lk); err != nil {
		return nil, fmt.Errorf("eventstore.AppendEvents advisory lock: %w", err)
	}

	head, err := s.HeadTx(ctx, tx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}

	events, err := validateChain(head, drafts)
	if err != nil {
		return nil, err
	}

	for i := range events {
		ev := &events[i]
		ev.TenantID = tenantID
		ev.AggregateType = aggregateType
		ev.AggregateID = aggregateID
		ev.PayloadJSON = canonPayloads[i]

		if ev.SignerKeyID != "" && ev.SignerKeyID != bootstrapSignerKeyID {
			key, err := s.keys.GetTx(ctx, tx, tenantID, ev.SignerKeyID)
			if err != nil {
				return nil, err
			}
			if key == nil {
				return nil, fmt.Errorf("%w: %s", ErrSignerKeyUnknown, ev.SignerKeyID)
			}
			if key.Status != signerkeys.StatusActive {
				return nil, fmt.Errorf("%w: %s status=%s", ErrSignerKeyInactive, ev.SignerKeyID, key.Status)
			}
			if key.Purpose != signerkeys.PurposeForActor(string(ev.Actor.Type)) {
				return nil, fmt.Errorf("%w: key purpose=%s actor=%s", ErrSignerKeyPurposeMismatch, key.Purpose, ev.Actor.Type)
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO events (
				tenant_id, aggregate_type, aggregate_id, seq, id, type, at, actor_type, actor_id,
				payload_json, payload_hash, prev_chain_hash, chain_hash, signer_key_id, signature
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			ev.TenantID, ev.AggregateType, ev.AggregateID, ev.Seq, ev.ID, ev.Type, ev.At,
			string(ev.Actor.Type), ev.Actor.ID,
			ev.PayloadJSON, ev.PayloadHash, ev.PrevChainHash, ev.ChainHash, ev.SignerKeyID, ev.Signature,
		)
		if err != nil {
			return nil, fmt.Errorf("eventstore.AppendEvents insert seq=%d: %w", ev.Seq, err)
		}
	}

	return events, nil
}

// LoadEvents returns the full ordered event history of an aggregate, used
// by the snapshot projector to rebuild state from scratch.
func (s *Store) LoadEvents(ctx context.Context, tx pgx.Tx, tenantID, aggregateType, aggregateID string) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT seq, id, type, at, actor_type, actor_id, payload_json, payload_hash,
		       prev_chain_hash, chain_hash, signer_key_id, signature
		FROM events
		WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		ORDER BY seq ASC`, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("eventstore.LoadEvents: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		ev.TenantID, ev.AggregateType, ev.AggregateID = tenantID, aggregateType, aggregateID
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &ev.At, &ev.Actor.Type, &ev.Actor.ID,
			&ev.PayloadJSON, &ev.PayloadHash, &ev.PrevChainHash, &ev.ChainHash, &ev.SignerKeyID, &ev.Signature); err != nil {
			return nil, fmt.Errorf("eventstore.LoadEvents scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore.LoadEvents iteration: %w", err)
	}
	return out, nil
}
