package ledger

import "testing"

func TestEntry_ValidateRejectsUnbalancedPostings(t *testing.T) {
	e := Entry{ID: "E1", Postings: []Posting{
		{ID: "P1", AccountID: "A", AmountCents: 500, Currency: "USD"},
		{ID: "P2", AccountID: "B", AmountCents: -400, Currency: "USD"},
	}}
	if err := e.Validate(); err == nil {
		t.Fatal("expected unbalanced entry to fail validation")
	}
}

func TestEntry_ValidateAcceptsBalancedMultiCurrency(t *testing.T) {
	e := Entry{ID: "E1", Postings: []Posting{
		{ID: "P1", AccountID: "A", AmountCents: 500, Currency: "USD"},
		{ID: "P2", AccountID: "B", AmountCents: -500, Currency: "USD"},
		{ID: "P3", AccountID: "C", AmountCents: 100, Currency: "EUR"},
		{ID: "P4", AccountID: "D", AmountCents: -100, Currency: "EUR"},
	}}
	if err := e.Validate(); err != nil {
		t.Fatalf("expected balanced multi-currency entry to pass, got %v", err)
	}
}

func TestAllocate_SumsToPostingAmount(t *testing.T) {
	posting := Posting{ID: "P1", AccountID: "A", AmountCents: 1001, Currency: "USD"}
	rules := []AllocationRule{
		{PartyID: "Alice", PartyRole: "payee", NumeratorBP: 3333},
		{PartyID: "Bob", PartyRole: "referrer", NumeratorBP: 3333},
		{PartyID: "Platform", PartyRole: "platform", NumeratorBP: 3334},
	}
	allocs := Allocate("E1", posting, rules)

	var sum int64
	for _, a := range allocs {
		sum += a.AmountCents
	}
	if sum != posting.AmountCents {
		t.Errorf("allocations sum to %d, want %d", sum, posting.AmountCents)
	}
	if len(allocs) != 3 {
		t.Fatalf("expected 3 allocations, got %d", len(allocs))
	}
}

func TestAllocate_NoRulesReturnsNil(t *testing.T) {
	posting := Posting{ID: "P1", AccountID: "A", AmountCents: 100, Currency: "USD"}
	if got := Allocate("E1", posting, nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestAllocate_SingleRuleTakesWholeAmount(t *testing.T) {
	posting := Posting{ID: "P1", AccountID: "A", AmountCents: 777, Currency: "USD"}
	allocs := Allocate("E1", posting, []AllocationRule{{PartyID: "Solo", PartyRole: "payee", NumeratorBP: 10000}})
	if len(allocs) != 1 || allocs[0].AmountCents != 777 {
		t.Errorf("unexpected single-rule allocation: %+v", allocs)
	}
}
