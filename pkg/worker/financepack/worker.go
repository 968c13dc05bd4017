// Package financepack drains FINANCE_PACK_BUNDLE_ENQUEUE: it gathers a
// closed month's events and artifacts, reconciles them, bundles them
// into a deterministic zip, writes it once to the evidence store, and
// publishes a pointer artifact with deliveries to every subscribed
// destination.
package financepack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/artifact"
	"github.com/bturcanu/OpenClause/pkg/canon"
	"github.com/bturcanu/OpenClause/pkg/delivery"
	"github.com/bturcanu/OpenClause/pkg/eventstore"
	"github.com/bturcanu/OpenClause/pkg/evidencestore"
	"github.com/bturcanu/OpenClause/pkg/failpoint"
	"github.com/bturcanu/OpenClause/pkg/outbox"
	"github.com/bturcanu/OpenClause/pkg/signerkeys"
	"github.com/bturcanu/OpenClause/pkg/snapshot"
	"github.com/bturcanu/OpenClause/pkg/worker/monthclose"
	"github.com/bturcanu/OpenClause/pkg/zipdeterm"
	"github.com/google/uuid"
)

const Topic = "FINANCE_PACK_BUNDLE_ENQUEUE"

const workerName = "financepack-worker"

// ErrImmutabilityBreach is the FinancePackBundleImmutabilityBreach
// condition: a bundle key already holds different bytes. Operator
// escalation; never retried blindly by this worker.
var ErrImmutabilityBreach = errors.New("financepack: bundle evidence immutability breach")

// ErrUnbalanced signals a reconciliation failure: recomputed artifacts
// don't foot to each other. Retriable, since the underlying settlement
// data may still be catching up.
var ErrUnbalanced = errors.New("financepack: month artifacts do not reconcile")

type Message struct {
	TenantID string `json:"tenantId"`
	Period   string `json:"period"`
}

type Worker struct {
	pool       *pgxpool.Pool
	outbox     *outbox.Store
	snapshots  *snapshot.Store
	events     *eventstore.Store
	delivery   *delivery.Store
	evidence   *evidencestore.Store
	signerkeys *signerkeys.Store
}

func New(pool *pgxpool.Pool, outboxStore *outbox.Store, snapshotStore *snapshot.Store, eventStore *eventstore.Store, deliveryStore *delivery.Store, evidenceStore *evidencestore.Store, signerKeyStore *signerkeys.Store) *Worker {
	return &Worker{
		pool: pool, outbox: outboxStore, snapshots: snapshotStore, events: eventStore,
		delivery: deliveryStore, evidence: evidenceStore, signerkeys: signerKeyStore,
	}
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := w.outbox.Claim(ctx, Topic, workerName, batchSize)
	if err != nil {
		return 0, fmt.Errorf("financepack.RunOnce claim: %w", err)
	}

	var done int
	for _, e := range entries {
		err := w.process(ctx, e)
		switch {
		case err == nil:
			if markErr := w.outbox.MarkDone(ctx, e.ID); markErr != nil {
				slog.Error("financepack mark done error", "outboxId", e.ID, "error", markErr)
				continue
			}
			done++
		case errors.Is(err, ErrImmutabilityBreach):
			slog.Error("finance pack immutability breach", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, outbox.Entry{ID: e.ID, Attempts: e.MaxAttempts, MaxAttempts: e.MaxAttempts}, err.Error()); markErr != nil {
				slog.Error("financepack mark breach error", "outboxId", e.ID, "error", markErr)
			}
		default:
			slog.Error("finance pack bundle failed", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, e, err.Error()); markErr != nil {
				slog.Error("financepack mark failed error", "outboxId", e.ID, "error", markErr)
			}
		}
	}
	return done, nil
}

func (w *Worker) process(ctx context.Context, e outbox.Entry) error {
	var msg Message
	if err := json.Unmarshal(e.PayloadJSON, &msg); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	monthRow, err := w.snapshots.Get(ctx, msg.TenantID, snapshot.AggregateTypeMonth, msg.Period)
	if err != nil {
		return fmt.Errorf("load month snapshot: %w", err)
	}
	if monthRow == nil {
		return fmt.Errorf("financepack: no month snapshot for %s/%s", msg.TenantID, msg.Period)
	}
	var month snapshot.MonthSnapshot
	if err := monthRow.Unmarshal(&month); err != nil {
		return fmt.Errorf("unmarshal month snapshot: %w", err)
	}
	if month.Status != snapshot.MonthStatusClosed {
		return fmt.Errorf("financepack: month %s/%s not yet closed", msg.TenantID, msg.Period)
	}

	pointerID := "FinancePackBundlePointer.v1:month:" + msg.Period
	if existing, err := artifact.Get(ctx, w.pool, msg.TenantID, pointerID); err != nil {
		return fmt.Errorf("load existing pointer: %w", err)
	} else if existing != nil {
		// Idempotent replay: this period's bundle was already published.
		return nil
	}

	monthEvents, err := w.loadMonthEvents(ctx, msg.TenantID, msg.Period)
	if err != nil {
		return fmt.Errorf("load month events: %w", err)
	}

	jobs, err := w.settledJobsInRange(ctx, msg.TenantID, month.StartAt, month.EndAt)
	if err != nil {
		return fmt.Errorf("load settled jobs: %w", err)
	}

	files, err := w.buildBundleFiles(msg.TenantID, msg.Period, monthEvents, jobs)
	if err != nil {
		return err
	}

	zipBytes, err := zipdeterm.Build(files)
	if err != nil {
		return fmt.Errorf("build zip: %w", err)
	}
	bundleHash := canon.HashBytes(zipBytes)
	evidenceRef := fmt.Sprintf("finance-pack/%s/%s.zip", msg.Period, bundleHash)

	if err := w.evidence.PutOnce(ctx, evidenceRef, zipBytes, "application/zip"); err != nil {
		if errors.Is(err, evidencestore.ErrImmutabilityBreach) {
			return ErrImmutabilityBreach
		}
		return fmt.Errorf("write-once evidence: %w", err)
	}

	if err := failpoint.Hit(failpoint.FinancePackAfterZipStoreBeforePointer); err != nil {
		return err
	}

	if err := w.persistPointer(ctx, msg.TenantID, msg.Period, pointerID, evidenceRef, bundleHash, int64(len(zipBytes))); err != nil {
		return fmt.Errorf("persist pointer: %w", err)
	}

	return failpoint.Hit(failpoint.FinancePackAfterPointerBeforeOutboxDone)
}

// buildBundleFiles recomputes the month's artifacts by the same pure
// functions month-close used, reconciles them against each other, and
// packages them alongside the raw event stream and governance records
// for the signer key that closed the month.
func (w *Worker) buildBundleFiles(tenantID, period string, monthEvents []eventstore.Event, jobs []monthclose.SettledJob) ([]zipdeterm.File, error) {
	monthly := monthclose.BuildMonthlyStatement(period, jobs)
	parties := monthclose.BuildPartyStatements(period, jobs)
	payouts := monthclose.BuildPayoutInstructions(period, jobs)
	glBatch := monthclose.BuildGLBatch(period, jobs)
	journal := monthclose.BuildJournalCsv(period, jobs)

	if err := reconcile(monthly, parties, payouts, glBatch); err != nil {
		return nil, err
	}

	var files []zipdeterm.File
	add := func(name string, v any) error {
		b, err := canon.JSON(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		files = append(files, zipdeterm.File{Name: name, Body: b})
		return nil
	}

	eventsBody, err := canon.JSON(monthEvents)
	if err != nil {
		return nil, fmt.Errorf("marshal month events: %w", err)
	}
	files = append(files, zipdeterm.File{Name: "month_events.json", Body: eventsBody})

	if err := add("monthly_statement.json", monthly); err != nil {
		return nil, err
	}
	if err := add("party_statements.json", parties); err != nil {
		return nil, err
	}
	if err := add("payout_instructions.json", payouts); err != nil {
		return nil, err
	}
	if err := add("gl_batch.json", glBatch); err != nil {
		return nil, err
	}
	// JournalCsv is skip-loud: its absence (empty rows) does not block
	// the bundle, but is recorded rather than silently omitted.
	if len(journal.Rows) == 0 {
		slog.Warn("finance pack bundle missing journal csv rows", "tenantId", tenantID, "period", period)
	} else if err := add("journal_csv.json", journal); err != nil {
		return nil, err
	}

	governance, err := w.governanceRecords(monthEvents)
	if err != nil {
		return nil, fmt.Errorf("load governance records: %w", err)
	}
	if err := add("governance.json", governance); err != nil {
		return nil, err
	}

	return files, nil
}

// governanceFile is one signer-key record backing a month event,
// included so a reader can verify who was authorized to sign it.
type governanceFile struct {
	SignerKeyID string            `json:"signerKeyId"`
	Purpose     signerkeys.Purpose `json:"purpose"`
	Status      signerkeys.Status  `json:"status"`
}

func (w *Worker) governanceRecords(events []eventstore.Event) ([]governanceFile, error) {
	seen := map[string]bool{}
	var out []governanceFile
	for _, ev := range events {
		if ev.SignerKeyID == "" || seen[ev.SignerKeyID] {
			continue
		}
		seen[ev.SignerKeyID] = true
		k, err := w.signerkeys.Get(context.Background(), ev.TenantID, ev.SignerKeyID)
		if err != nil {
			return nil, err
		}
		if k == nil {
			continue
		}
		out = append(out, governanceFile{SignerKeyID: k.KeyID, Purpose: k.Purpose, Status: k.Status})
	}
	return out, nil
}

// reconcile is the pure reconciliation check: party totals must foot to
// the monthly statement total, payout totals must not exceed it, and the
// GL batch must balance to zero.
func reconcile(monthly monthclose.MonthlyStatementBody, parties []monthclose.PartyStatementBody, payouts []monthclose.PayoutInstructionBody, gl monthclose.GLBatchBody) error {
	var partySum int64
	for _, p := range parties {
		partySum += p.AmountCents
	}
	if partySum != monthly.TotalCents {
		return fmt.Errorf("%w: party statements sum %d, monthly total %d", ErrUnbalanced, partySum, monthly.TotalCents)
	}

	var glSum int64
	for _, p := range gl.Postings {
		glSum += p.AmountCents
	}
	if glSum != 0 {
		return fmt.Errorf("%w: gl batch sums to %d, want 0", ErrUnbalanced, glSum)
	}

	var payoutSum int64
	for _, p := range payouts {
		payoutSum += p.AmountCents
	}
	if payoutSum > monthly.TotalCents {
		return fmt.Errorf("%w: payouts sum %d exceeds monthly total %d", ErrUnbalanced, payoutSum, monthly.TotalCents)
	}
	return nil
}

func (w *Worker) loadMonthEvents(ctx context.Context, tenantID, period string) ([]eventstore.Event, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return w.events.LoadEvents(ctx, tx, tenantID, snapshot.AggregateTypeMonth, period)
}

func (w *Worker) settledJobsInRange(ctx context.Context, tenantID string, start, end time.Time) ([]monthclose.SettledJob, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT job_id, payee_id, amount_cents, currency FROM job_settlements
		 WHERE tenant_id=$1 AND settled_at >= $2 AND settled_at < $3
		 ORDER BY job_id ASC`,
		tenantID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monthclose.SettledJob
	for rows.Next() {
		var j monthclose.SettledJob
		if err := rows.Scan(&j.JobID, &j.PayeeID, &j.AmountCents, &j.Currency); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type pointerBody struct {
	Period      string `json:"period"`
	EvidenceRef string `json:"evidenceRef"`
	BundleHash  string `json:"bundleHash"`
	SizeBytes   int64  `json:"sizeBytes"`
}

func (w *Worker) persistPointer(ctx context.Context, tenantID, period, artifactID, evidenceRef, bundleHash string, sizeBytes int64) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	body := pointerBody{Period: period, EvidenceRef: evidenceRef, BundleHash: bundleHash, SizeBytes: sizeBytes}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return err
	}
	hash, err := artifact.HashBody(asMap)
	if err != nil {
		return err
	}

	a := artifact.Artifact{
		ArtifactID:    artifactID,
		TenantID:      tenantID,
		ArtifactType:  "FinancePackBundlePointer.v1",
		SourceEventID: "month:" + period,
		ContentHash:   hash,
		StorageKey:    evidenceRef,
		SizeBytes:     sizeBytes,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := artifact.Put(ctx, tx, a); err != nil {
		return err
	}

	destinations, err := w.delivery.DestinationsFor(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	for _, dest := range destinations {
		if !dest.Accepts("FinancePackBundlePointer.v1") {
			continue
		}
		payload, err := json.Marshal(struct {
			ArtifactType string `json:"artifactType"`
			ArtifactID   string `json:"artifactId"`
		}{"FinancePackBundlePointer.v1", artifactID})
		if err != nil {
			return err
		}
		d := delivery.Delivery{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			DestinationID: dest.ID,
			ArtifactType:  "FinancePackBundlePointer.v1",
			ArtifactID:    artifactID,
			ArtifactHash:  hash,
			DedupeKey:     fmt.Sprintf("%s:%s:FinancePackBundlePointer.v1:%s:%s", tenantID, dest.ID, artifactID, hash),
			ScopeID:       "month:" + period,
			OrderSeq:      5,
			Priority:      100,
			PayloadJSON:   payload,
		}
		if _, err := w.delivery.Enqueue(ctx, tx, d); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
