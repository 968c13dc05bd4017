package monthclose

import "testing"

func twoSettledJobs() []SettledJob {
	return []SettledJob{
		{JobID: "J2", PayeeID: "P2", AmountCents: 7000, Currency: "USD"},
		{JobID: "J1", PayeeID: "P1", AmountCents: 5000, Currency: "USD"},
	}
}

func TestBuildMonthlyStatement_OrdersByJobIDAndSumsTotal(t *testing.T) {
	stmt := BuildMonthlyStatement("2026-02", twoSettledJobs())
	if len(stmt.Lines) != 2 || stmt.Lines[0].JobID != "J1" || stmt.Lines[1].JobID != "J2" {
		t.Fatalf("expected jobId-ordered lines, got %+v", stmt.Lines)
	}
	if stmt.TotalCents != 12000 {
		t.Errorf("expected total 12000, got %d", stmt.TotalCents)
	}
}

func TestBuildPartyStatements_OnePerNonzeroPayee(t *testing.T) {
	stmts := BuildPartyStatements("2026-02", twoSettledJobs())
	if len(stmts) != 2 {
		t.Fatalf("expected 2 party statements, got %d", len(stmts))
	}
	if stmts[0].PartyID != "P1" || stmts[1].PartyID != "P2" {
		t.Errorf("expected partyId order P1, P2, got %s, %s", stmts[0].PartyID, stmts[1].PartyID)
	}
}

func TestBuildPayoutInstructions_SkipsNonPositiveTotals(t *testing.T) {
	jobs := append(twoSettledJobs(), SettledJob{JobID: "J3", PayeeID: "P3", AmountCents: 0, Currency: "USD"})
	payouts := BuildPayoutInstructions("2026-02", jobs)
	if len(payouts) != 2 {
		t.Fatalf("expected 2 payouts (P3 skipped), got %d", len(payouts))
	}
	if payouts[0].AmountCents != 5000 || payouts[1].AmountCents != 7000 {
		t.Errorf("unexpected payout amounts: %+v", payouts)
	}
}

func TestBuildGLBatch_BalancesPerJob(t *testing.T) {
	batch := BuildGLBatch("2026-02", twoSettledJobs())
	var sum int64
	for _, p := range batch.Postings {
		sum += p.AmountCents
	}
	if sum != 0 {
		t.Errorf("expected GL batch to balance to 0, got %d", sum)
	}
	if len(batch.Postings) != 4 {
		t.Fatalf("expected 2 postings per job, got %d", len(batch.Postings))
	}
}

func TestBuildMonthlyStatement_DeterministicAcrossInputOrder(t *testing.T) {
	jobs := twoSettledJobs()
	reversed := []SettledJob{jobs[1], jobs[0]}

	a := BuildMonthlyStatement("2026-02", jobs)
	b := BuildMonthlyStatement("2026-02", reversed)
	if len(a.Lines) != len(b.Lines) {
		t.Fatal("line count mismatch")
	}
	for i := range a.Lines {
		if a.Lines[i] != b.Lines[i] {
			t.Errorf("line %d differs: %+v vs %+v", i, a.Lines[i], b.Lines[i])
		}
	}
}
