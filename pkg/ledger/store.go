package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists journal entries, postings, balances, and allocations.
// Application-level idempotency (not re-applying the same source event
// twice) is the caller's responsibility, enforced via ledger_entries'
// (tenant_id, source_event_id) uniqueness.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ApplyEntry writes a validated entry, its postings, rolling balance
// deltas, and any allocations inside the caller's transaction. Returns
// false without writing anything if sourceEventID was already applied.
func (s *Store) ApplyEntry(ctx context.Context, tx pgx.Tx, tenantID, sourceEventID string, e Entry, allocations []Allocation) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE tenant_id=$1 AND source_event_id=$2)`,
		tenantID, sourceEventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger.ApplyEntry exists check: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, tenant_id, source_event_id, at, memo) VALUES ($1,$2,$3,$4,$5)`,
		e.ID, tenantID, sourceEventID, e.At, e.Memo,
	); err != nil {
		return false, fmt.Errorf("ledger.ApplyEntry insert entry: %w", err)
	}

	for _, p := range e.Postings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_postings (id, entry_id, tenant_id, account_id, amount_cents, currency) VALUES ($1,$2,$3,$4,$5,$6)`,
			p.ID, e.ID, tenantID, p.AccountID, p.AmountCents, p.Currency,
		); err != nil {
			return false, fmt.Errorf("ledger.ApplyEntry insert posting: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_balances (tenant_id, account_id, currency, balance_cents)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant_id, account_id, currency)
			DO UPDATE SET balance_cents = ledger_balances.balance_cents + EXCLUDED.balance_cents`,
			tenantID, p.AccountID, p.Currency, p.AmountCents,
		); err != nil {
			return false, fmt.Errorf("ledger.ApplyEntry update balance: %w", err)
		}
	}

	for _, a := range allocations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_allocations (entry_id, posting_id, tenant_id, party_id, party_role, amount_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			a.EntryID, a.PostingID, tenantID, a.PartyID, string(a.PartyRole), a.AmountCents,
		); err != nil {
			return false, fmt.Errorf("ledger.ApplyEntry insert allocation: %w", err)
		}
	}

	return true, nil
}

// InsertAllocations writes allocation rows idempotently: a row already
// present for (entryId, postingId, partyId) is left untouched, so a
// worker re-applying the same message after a crash never double-counts.
func (s *Store) InsertAllocations(ctx context.Context, tx pgx.Tx, tenantID string, allocs []Allocation) error {
	for _, a := range allocs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_allocations (entry_id, posting_id, tenant_id, party_id, party_role, amount_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, entry_id, posting_id, party_id) DO NOTHING`,
			a.EntryID, a.PostingID, tenantID, a.PartyID, string(a.PartyRole), a.AmountCents,
		); err != nil {
			return fmt.Errorf("ledger.InsertAllocations: %w", err)
		}
	}
	return nil
}

// Balance reads the current rolling balance for an account, or zero if
// no postings have touched it yet.
func (s *Store) Balance(ctx context.Context, tenantID, accountID, currency string) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance_cents FROM ledger_balances WHERE tenant_id=$1 AND account_id=$2 AND currency=$3`,
		tenantID, accountID, currency,
	).Scan(&bal)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger.Balance: %w", err)
	}
	return bal, nil
}

// PartyStatementRow is one line of a per-party allocation rollup for a
// period, used by month-close party statement generation.
type PartyStatementRow struct {
	PartyID     string
	PartyRole   PartyRole
	Currency    string
	AmountCents int64
}

// PartyStatement sums all of a party's allocations, grouped by role and
// currency; it applies no period filter.
func (s *Store) PartyStatement(ctx context.Context, tenantID, partyID string) ([]PartyStatementRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.party_role, p.currency, SUM(a.amount_cents)
		FROM ledger_allocations a
		JOIN ledger_postings p ON p.id = a.posting_id AND p.tenant_id = a.tenant_id
		WHERE a.tenant_id = $1 AND a.party_id = $2
		GROUP BY a.party_role, p.currency`,
		tenantID, partyID)
	if err != nil {
		return nil, fmt.Errorf("ledger.PartyStatement: %w", err)
	}
	defer rows.Close()

	var out []PartyStatementRow
	for rows.Next() {
		var r PartyStatementRow
		var role string
		if err := rows.Scan(&role, &r.Currency, &r.AmountCents); err != nil {
			return nil, fmt.Errorf("ledger.PartyStatement scan: %w", err)
		}
		r.PartyID = partyID
		r.PartyRole = PartyRole(role)
		out = append(out, r)
	}
	return out, rows.Err()
}
