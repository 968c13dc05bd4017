// Package ledger implements the double-entry journal: entries, postings,
// per-tenant balances, and per-party allocations.
package ledger

import (
	"fmt"
	"time"
)

// Posting is one signed leg of a journal entry.
type Posting struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// Entry is a balanced journal entry: the sum of posting amounts per
// currency must be zero.
type Entry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Memo     string    `json:"memo"`
	Postings []Posting `json:"postings"`
}

// Validate enforces the double-entry invariant: postings balance to
// zero per currency.
func (e Entry) Validate() error {
	sums := map[string]int64{}
	for _, p := range e.Postings {
		sums[p.Currency] += p.AmountCents
	}
	for currency, sum := range sums {
		if sum != 0 {
			return fmt.Errorf("ledger.Entry %s: postings in %s sum to %d, want 0", e.ID, currency, sum)
		}
	}
	return nil
}

// PartyRole distinguishes how a party participates in an allocation.
type PartyRole string

// Allocation splits one posting's amount across a party/role.
type Allocation struct {
	EntryID     string    `json:"entryId"`
	PostingID   string    `json:"postingId"`
	PartyID     string    `json:"partyId"`
	PartyRole   PartyRole `json:"partyRole"`
	AmountCents int64     `json:"amountCents"`
}

// AllocationRule parameterizes Allocate: it assigns a fraction of a
// posting's amount to (partyId, partyRole). Rules are data supplied by
// the caller rather than logic hardcoded per job type (see DESIGN.md).
type AllocationRule struct {
	PartyID     string
	PartyRole   PartyRole
	NumeratorBP int64 // basis points of the posting amount, e.g. 10000 = 100%
}

// Allocate computes deterministic per-party allocations for a posting
// given a set of rules. The last rule absorbs any rounding remainder so
// allocations always sum exactly to the posting amount.
func Allocate(entryID string, posting Posting, rules []AllocationRule) []Allocation {
	if len(rules) == 0 {
		return nil
	}
	out := make([]Allocation, 0, len(rules))
	var allocated int64
	for i, r := range rules {
		var amt int64
		if i == len(rules)-1 {
			amt = posting.AmountCents - allocated
		} else {
			amt = posting.AmountCents * r.NumeratorBP / 10000
			allocated += amt
		}
		out = append(out, Allocation{
			EntryID:     entryID,
			PostingID:   posting.ID,
			PartyID:     r.PartyID,
			PartyRole:   r.PartyRole,
			AmountCents: amt,
		})
	}
	return out
}
