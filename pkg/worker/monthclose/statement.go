// Package monthclose drains MONTH_CLOSE_REQUESTED: it selects jobs
// settled within the requested period, computes the month's financial
// artifacts by pure functions, emits them in a fixed order, fans out
// deliveries, closes the month stream, and enqueues finance-pack
// assembly.
package monthclose

import "sort"

// SettledJob is the minimal job-settlement fact monthclose needs; it is
// read from the job_settlements index rather than full job snapshots.
type SettledJob struct {
	JobID       string
	PayeeID     string
	AmountCents int64
	Currency    string
}

// MonthlyStatementLine is one job's contribution to the monthly total.
type MonthlyStatementLine struct {
	JobID       string `json:"jobId"`
	PayeeID     string `json:"payeeId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type MonthlyStatementBody struct {
	Period      string                 `json:"period"`
	Lines       []MonthlyStatementLine `json:"lines"`
	TotalCents  int64                  `json:"totalCents"`
	Currency    string                 `json:"currency"`
}

type PartyStatementBody struct {
	Period      string `json:"period"`
	PartyID     string `json:"partyId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type PayoutInstructionBody struct {
	Period      string `json:"period"`
	PayeeID     string `json:"payeeId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type GLPosting struct {
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type GLBatchBody struct {
	Period   string      `json:"period"`
	Postings []GLPosting `json:"postings"`
}

// JournalCsvRow is one line of the period's journal in CSV form.
type JournalCsvRow struct {
	JobID       string `json:"jobId"`
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type JournalCsvBody struct {
	Period string          `json:"period"`
	Rows   []JournalCsvRow `json:"rows"`
}

// sortedJobs returns jobs ordered deterministically by jobId, as
// required so artifact hashes never depend on database row order.
func sortedJobs(jobs []SettledJob) []SettledJob {
	out := make([]SettledJob, len(jobs))
	copy(out, jobs)
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// BuildMonthlyStatement sums settled jobs for the period into one
// statement line per job, in jobId order.
func BuildMonthlyStatement(period string, jobs []SettledJob) MonthlyStatementBody {
	sorted := sortedJobs(jobs)
	body := MonthlyStatementBody{Period: period}
	for _, j := range sorted {
		body.Lines = append(body.Lines, MonthlyStatementLine{
			JobID: j.JobID, PayeeID: j.PayeeID, AmountCents: j.AmountCents, Currency: j.Currency,
		})
		body.TotalCents += j.AmountCents
		body.Currency = j.Currency
	}
	return body
}

// BuildPartyStatements groups settled jobs by payee, skipping parties
// with a zero total, in partyId order.
func BuildPartyStatements(period string, jobs []SettledJob) []PartyStatementBody {
	totals := map[string]int64{}
	currency := map[string]string{}
	for _, j := range jobs {
		totals[j.PayeeID] += j.AmountCents
		currency[j.PayeeID] = j.Currency
	}

	var parties []string
	for p, sum := range totals {
		if sum != 0 {
			parties = append(parties, p)
		}
	}
	sort.Strings(parties)

	out := make([]PartyStatementBody, 0, len(parties))
	for _, p := range parties {
		out = append(out, PartyStatementBody{Period: period, PartyID: p, AmountCents: totals[p], Currency: currency[p]})
	}
	return out
}

// BuildPayoutInstructions emits one instruction per payee with a
// strictly positive total, in payeeId order.
func BuildPayoutInstructions(period string, jobs []SettledJob) []PayoutInstructionBody {
	totals := map[string]int64{}
	currency := map[string]string{}
	for _, j := range jobs {
		totals[j.PayeeID] += j.AmountCents
		currency[j.PayeeID] = j.Currency
	}

	var payees []string
	for p, sum := range totals {
		if sum > 0 {
			payees = append(payees, p)
		}
	}
	sort.Strings(payees)

	out := make([]PayoutInstructionBody, 0, len(payees))
	for _, p := range payees {
		out = append(out, PayoutInstructionBody{Period: period, PayeeID: p, AmountCents: totals[p], Currency: currency[p]})
	}
	return out
}

// BuildGLBatch produces two postings per job: a debit to the payout
// clearing account and a credit to the payee's control account,
// keeping the batch balanced per currency.
func BuildGLBatch(period string, jobs []SettledJob) GLBatchBody {
	sorted := sortedJobs(jobs)
	batch := GLBatchBody{Period: period}
	for _, j := range sorted {
		batch.Postings = append(batch.Postings,
			GLPosting{AccountID: "clearing:payout", AmountCents: -j.AmountCents, Currency: j.Currency},
			GLPosting{AccountID: "control:" + j.PayeeID, AmountCents: j.AmountCents, Currency: j.Currency},
		)
	}
	return batch
}

// BuildJournalCsv flattens the same postings as BuildGLBatch into a row
// shape meant for CSV rendering, one row per posting leg, jobId-ordered.
func BuildJournalCsv(period string, jobs []SettledJob) JournalCsvBody {
	sorted := sortedJobs(jobs)
	body := JournalCsvBody{Period: period}
	for _, j := range sorted {
		body.Rows = append(body.Rows,
			JournalCsvRow{JobID: j.JobID, AccountID: "clearing:payout", AmountCents: -j.AmountCents, Currency: j.Currency},
			JournalCsvRow{JobID: j.JobID, AccountID: "control:" + j.PayeeID, AmountCents: j.AmountCents, Currency: j.Currency},
		)
	}
	return body
}
