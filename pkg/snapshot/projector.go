// Package snapshot rebuilds and persists per-aggregate snapshots by
// replaying events through aggregate-specific pure reducers.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bturcanu/OpenClause/pkg/canon"
	"github.com/bturcanu/OpenClause/pkg/eventstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reducer is a pure function from an aggregate's full event history to its
// current snapshot value. Reducers never touch the database.
type Reducer func(events []eventstore.Event) (any, error)

// Registry maps aggregate type to its reducer. Snapshot rows are
// heterogeneous, keyed by aggregate_type alongside tenant and aggregate id.
type Registry struct {
	reducers map[string]Reducer
}

func NewRegistry() *Registry {
	return &Registry{reducers: map[string]Reducer{}}
}

func (r *Registry) Register(aggregateType string, reducer Reducer) {
	r.reducers = cloneAndSet(r.reducers, aggregateType, reducer)
}

func cloneAndSet(m map[string]Reducer, k string, v Reducer) map[string]Reducer {
	out := make(map[string]Reducer, len(m)+1)
	for kk, vv := range m {
		out[kk] = vv
	}
	out[k] = v
	return out
}

func (r *Registry) Get(aggregateType string) (Reducer, bool) {
	red, ok := r.reducers[aggregateType]
	return red, ok
}

// Row is a persisted snapshot.
type Row struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	Seq           int64
	AtChainHash   string
	SnapshotJSON  []byte
}

// SideEffect runs after a successful rebuild of a given aggregate type,
// e.g. maintaining the per-tenant reservation row mirrored from a job
// snapshot's reservation window.
type SideEffect func(ctx context.Context, tx pgx.Tx, tenantID string, row Row, value any) error

// Store persists snapshot rows, co-located with events in the same table
// family.
type Store struct {
	pool       *pgxpool.Pool
	events     *eventstore.Store
	registry   *Registry
	sideEffects map[string][]SideEffect
}

func NewStore(pool *pgxpool.Pool, events *eventstore.Store, registry *Registry) *Store {
	return &Store{pool: pool, events: events, registry: registry, sideEffects: map[string][]SideEffect{}}
}

// RegisterSideEffect attaches a projection side effect to an aggregate
// type, invoked after every successful RebuildSnapshot for that type.
func (s *Store) RegisterSideEffect(aggregateType string, fn SideEffect) {
	s.sideEffects[aggregateType] = append(s.sideEffects[aggregateType], fn)
}

// RebuildSnapshot reloads an aggregate's full event history, reduces it,
// and upserts the snapshot row, all inside the caller's transaction as the
// triggering append.
func (s *Store) RebuildSnapshot(ctx context.Context, tx pgx.Tx, tenantID, aggregateType, aggregateID string) (Row, error) {
	reducer, ok := s.registry.Get(aggregateType)
	if !ok {
		return Row{}, fmt.Errorf("snapshot.RebuildSnapshot: no reducer registered for aggregate type %q", aggregateType)
	}

	events, err := s.events.LoadEvents(ctx, tx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return Row{}, err
	}
	if len(events) == 0 {
		return Row{}, fmt.Errorf("snapshot.RebuildSnapshot: no events for %s/%s/%s", tenantID, aggregateType, aggregateID)
	}

	value, err := reducer(events)
	if err != nil {
		return Row{}, fmt.Errorf("snapshot.RebuildSnapshot reduce: %w", err)
	}
	snapshotJSON, err := canon.JSON(value)
	if err != nil {
		return Row{}, fmt.Errorf("snapshot.RebuildSnapshot canon: %w", err)
	}

	head := events[len(events)-1]
	row := Row{
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Seq:           head.Seq,
		AtChainHash:   head.ChainHash,
		SnapshotJSON:  snapshotJSON,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (tenant_id, aggregate_type, aggregate_id, seq, at_chain_hash, snapshot_json, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (tenant_id, aggregate_type, aggregate_id) DO UPDATE SET
			seq = EXCLUDED.seq, at_chain_hash = EXCLUDED.at_chain_hash,
			snapshot_json = EXCLUDED.snapshot_json, updated_at = NOW()`,
		row.TenantID, row.AggregateType, row.AggregateID, row.Seq, row.AtChainHash, row.SnapshotJSON)
	if err != nil {
		return Row{}, fmt.Errorf("snapshot.RebuildSnapshot upsert: %w", err)
	}

	for _, fn := range s.sideEffects[aggregateType] {
		if err := fn(ctx, tx, tenantID, row, value); err != nil {
			return Row{}, fmt.Errorf("snapshot.RebuildSnapshot side effect: %w", err)
		}
	}

	return row, nil
}

// Get loads a snapshot row by key, used by read paths and by workers that
// need current aggregate state without replaying events.
func (s *Store) Get(ctx context.Context, tenantID, aggregateType, aggregateID string) (*Row, error) {
	r := s.pool.QueryRow(ctx, `
		SELECT tenant_id, aggregate_type, aggregate_id, seq, at_chain_hash, snapshot_json
		FROM snapshots WHERE tenant_id=$1 AND aggregate_type=$2 AND aggregate_id=$3`,
		tenantID, aggregateType, aggregateID)

	var row Row
	err := r.Scan(&row.TenantID, &row.AggregateType, &row.AggregateID, &row.Seq, &row.AtChainHash, &row.SnapshotJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot.Get: %w", err)
	}
	return &row, nil
}

// Unmarshal decodes a snapshot row's JSON into dst.
func (row Row) Unmarshal(dst any) error {
	return json.Unmarshal(row.SnapshotJSON, dst)
}
