package monthclose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bturcanu/OpenClause/pkg/artifact"
	"github.com/bturcanu/OpenClause/pkg/canon"
	"github.com/bturcanu/OpenClause/pkg/delivery"
	"github.com/bturcanu/OpenClause/pkg/eventstore"
	"github.com/bturcanu/OpenClause/pkg/failpoint"
	"github.com/bturcanu/OpenClause/pkg/outbox"
	"github.com/bturcanu/OpenClause/pkg/snapshot"
	"github.com/google/uuid"
)

const Topic = "MONTH_CLOSE_REQUESTED"

const workerName = "monthclose-worker"

// FinancePackEnqueueTopic is the topic this pipeline hands off to once
// a month's artifacts have been emitted.
const FinancePackEnqueueTopic = "FINANCE_PACK_BUNDLE_ENQUEUE"

// Message is the outbox payload for a month-close request.
type Message struct {
	TenantID  string    `json:"tenantId"`
	Period    string    `json:"period"`
	RequestID string    `json:"requestId"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
}

// JournalCsvGateMode governs what happens when JournalCsv.v1 fails to
// build: "warn" skips the artifact and continues the close, "strict"
// fails the whole close (retriable, since the underlying data may
// change on retry).
type JournalCsvGateMode string

const (
	JournalCsvGateWarn   JournalCsvGateMode = "warn"
	JournalCsvGateStrict JournalCsvGateMode = "strict"
)

type Worker struct {
	pool      *pgxpool.Pool
	outbox    *outbox.Store
	snapshots *snapshot.Store
	events    *eventstore.Store
	delivery  *delivery.Store
	signer    canon.Signer
	gateMode  JournalCsvGateMode
}

func New(pool *pgxpool.Pool, outboxStore *outbox.Store, snapshotStore *snapshot.Store, eventStore *eventstore.Store, deliveryStore *delivery.Store, signer canon.Signer, gateMode JournalCsvGateMode) *Worker {
	if gateMode == "" {
		gateMode = JournalCsvGateWarn
	}
	return &Worker{pool: pool, outbox: outboxStore, snapshots: snapshotStore, events: eventStore, delivery: deliveryStore, signer: signer, gateMode: gateMode}
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := w.outbox.Claim(ctx, Topic, workerName, batchSize)
	if err != nil {
		return 0, fmt.Errorf("monthclose.RunOnce claim: %w", err)
	}

	var done int
	for _, e := range entries {
		if err := w.process(ctx, e); err != nil {
			slog.Error("month close failed", "outboxId", e.ID, "error", err)
			if markErr := w.outbox.MarkFailed(ctx, e, err.Error()); markErr != nil {
				slog.Error("month close mark failed error", "outboxId", e.ID, "error", markErr)
			}
			continue
		}
		done++
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
	if monthRow != nil {
		var month snapshot.MonthSnapshot
		if err := monthRow.Unmarshal(&month); err != nil {
			return fmt.Errorf("unmarshal month snapshot: %w", err)
		}
		if month.Status == snapshot.MonthStatusClosed {
			// Idempotent replay: this period already closed.
			return w.outbox.MarkDone(ctx, e.ID)
		}
	}

	jobs, err := w.settledJobsInRange(ctx, msg.TenantID, msg.StartAt, msg.EndAt)
	if err != nil {
		return fmt.Errorf("load settled jobs: %w", err)
	}

	generatedAt := time.Now().UTC()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	monthlyHash, err := w.putMonthlyStatement(ctx, tx, msg.TenantID, msg.Period, jobs, generatedAt)
	if err != nil {
		return fmt.Errorf("put monthly statement: %w", err)
	}

	partyHashes, err := w.putPartyStatements(ctx, tx, msg.TenantID, msg.Period, jobs, generatedAt)
	if err != nil {
		return fmt.Errorf("put party statements: %w", err)
	}

	if err := failpoint.Hit(failpoint.MonthCloseAfterPartyStatementsBeforePayouts); err != nil {
		return err
	}

	payoutHashes, err := w.putPayoutInstructions(ctx, tx, msg.TenantID, msg.Period, jobs, generatedAt)
	if err != nil {
		return fmt.Errorf("put payout instructions: %w", err)
	}

	glHash, err := w.putGLBatch(ctx, tx, msg.TenantID, msg.Period, jobs, generatedAt)
	if err != nil {
		return fmt.Errorf("put GL batch: %w", err)
	}

	journalHash, err := w.putJournalCsv(ctx, tx, msg.TenantID, msg.Period, jobs, generatedAt)
	if err != nil {
		if w.gateMode == JournalCsvGateStrict {
			return fmt.Errorf("put journal csv (strict gate): %w", err)
		}
		slog.Warn("journal csv skipped", "tenantId", msg.TenantID, "period", msg.Period, "error", err)
		journalHash = ""
	}

	destinations, err := w.delivery.DestinationsFor(ctx, tx, msg.TenantID)
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}

	if err := w.enqueueDeliveries(ctx, tx, msg.TenantID, destinations, "MonthlyStatement.v1", "month:"+msg.Period, msg.Period, monthlyHash, 0, 100); err != nil {
		return fmt.Errorf("enqueue monthly statement deliveries: %w", err)
	}
	for partyID, h := range partyHashes {
		if err := w.enqueueDeliveries(ctx, tx, msg.TenantID, destinations, "PartyStatement.v1", "party:"+partyID, partyID, h, 1, 50); err != nil {
			return fmt.Errorf("enqueue party statement deliveries for %s: %w", partyID, err)
		}
	}
	for payeeID, h := range payoutHashes {
		if err := w.enqueueDeliveries(ctx, tx, msg.TenantID, destinations, "PayoutInstruction.v1", "payout:"+payeeID, payeeID, h, 2, 10); err != nil {
			return fmt.Errorf("enqueue payout deliveries for %s: %w", payeeID, err)
		}
	}
	if err := w.enqueueDeliveries(ctx, tx, msg.TenantID, destinations, "GLBatch.v1", "month:"+msg.Period, msg.Period, glHash, 3, 100); err != nil {
		return fmt.Errorf("enqueue GL batch deliveries: %w", err)
	}
	if journalHash != "" {
		if err := w.enqueueDeliveries(ctx, tx, msg.TenantID, destinations, "JournalCsv.v1", "month:"+msg.Period, msg.Period, journalHash, 4, 100); err != nil {
			return fmt.Errorf("enqueue journal csv deliveries: %w", err)
		}
	}

	if err := failpoint.Hit(failpoint.MonthCloseAfterPayoutsBeforeOutboxDone); err != nil {
		return err
	}

	if err := w.closeMonthStream(ctx, tx, msg.TenantID, msg.Period, generatedAt); err != nil {
		return fmt.Errorf("close month stream: %w", err)
	}

	financePackPayload, err := json.Marshal(struct {
		TenantID string `json:"tenantId"`
		Period   string `json:"period"`
	}{msg.TenantID, msg.Period})
	if err != nil {
		return fmt.Errorf("marshal finance pack payload: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, uuid.NewString(), msg.TenantID, FinancePackEnqueueTopic, msg.Period, financePackPayload, 25); err != nil {
		return fmt.Errorf("enqueue finance pack: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return w.outbox.MarkDone(ctx, e.ID)
}

func (w *Worker) settledJobsInRange(ctx context.Context, tenantID string, start, end time.Time) ([]SettledJob, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT job_id, payee_id, amount_cents, currency FROM job_settlements
		 WHERE tenant_id=$1 AND settled_at >= $2 AND settled_at < $3
		 ORDER BY job_id ASC`,
		tenantID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettledJob
	for rows.Next() {
		var j SettledJob
		if err := rows.Scan(&j.JobID, &j.PayeeID, &j.AmountCents, &j.Currency); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (w *Worker) putMonthlyStatement(ctx context.Context, tx pgx.Tx, tenantID, period string, jobs []SettledJob, generatedAt time.Time) (string, error) {
	body := BuildMonthlyStatement(period, jobs)
	return putArtifact(ctx, tx, tenantID, "MonthlyStatement.v1", "", "month:"+period, period, body, generatedAt)
}

func (w *Worker) putPartyStatements(ctx context.Context, tx pgx.Tx, tenantID, period string, jobs []SettledJob, generatedAt time.Time) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range BuildPartyStatements(period, jobs) {
		hash, err := putArtifact(ctx, tx, tenantID, "PartyStatement.v1", "", "party:"+p.PartyID+":"+period, p.PartyID+":"+period, p, generatedAt)
		if err != nil {
			return nil, err
		}
		out[p.PartyID] = hash
	}
	return out, nil
}

func (w *Worker) putPayoutInstructions(ctx context.Context, tx pgx.Tx, tenantID, period string, jobs []SettledJob, generatedAt time.Time) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range BuildPayoutInstructions(period, jobs) {
		hash, err := putArtifact(ctx, tx, tenantID, "PayoutInstruction.v1", "", "payout:"+p.PayeeID+":"+period, p.PayeeID+":"+period, p, generatedAt)
		if err != nil {
			return nil, err
		}
		out[p.PayeeID] = hash
	}
	return out, nil
}

func (w *Worker) putGLBatch(ctx context.Context, tx pgx.Tx, tenantID, period string, jobs []SettledJob, generatedAt time.Time) (string, error) {
	body := BuildGLBatch(period, jobs)
	return putArtifact(ctx, tx, tenantID, "GLBatch.v1", "", "month:"+period, period, body, generatedAt)
}

func (w *Worker) putJournalCsv(ctx context.Context, tx pgx.Tx, tenantID, period string, jobs []SettledJob, generatedAt time.Time) (string, error) {
	body := BuildJournalCsv(period, jobs)
	return putArtifact(ctx, tx, tenantID, "JournalCsv.v1", "", "month:"+period, period, body, generatedAt)
}

// putArtifact marshals body to a map (so canon.ArtifactHash can strip
// artifactHash before hashing), computes the artifactId deterministically
// as artifactType + ":" + artifactIDSuffix, and registers it.
func putArtifact(ctx context.Context, tx pgx.Tx, tenantID, artifactType, jobID, sourceEventID, artifactIDSuffix string, body any, createdAt time.Time) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return "", err
	}
	hash, err := artifact.HashBody(asMap)
	if err != nil {
		return "", err
	}

	a := artifact.Artifact{
		ArtifactID:    artifactType + ":" + artifactIDSuffix,
		TenantID:      tenantID,
		JobID:         jobID,
		ArtifactType:  artifactType,
		SourceEventID: sourceEventID,
		ContentHash:   hash,
		StorageKey:    "",
		SizeBytes:     int64(len(raw)),
		CreatedAt:     createdAt,
	}
	if _, err := artifact.Put(ctx, tx, a); err != nil {
		return "", err
	}
	return hash, nil
}

func (w *Worker) enqueueDeliveries(ctx context.Context, tx pgx.Tx, tenantID string, destinations []delivery.Destination, artifactType, scopeID, artifactID, contentHash string, orderSeq int64, priority int) error {
	for _, dest := range destinations {
		if !dest.Accepts(artifactType) {
			continue
		}
		payload, err := json.Marshal(struct {
			ArtifactType string `json:"artifactType"`
			ArtifactID   string `json:"artifactId"`
		}{artifactType, artifactID})
		if err != nil {
			return err
		}
		d := delivery.Delivery{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			DestinationID: dest.ID,
			ArtifactType:  artifactType,
			ArtifactID:    artifactID,
			ArtifactHash:  contentHash,
			DedupeKey:     fmt.Sprintf("%s:%s:%s:%s:%s", tenantID, dest.ID, artifactType, artifactID, contentHash),
			ScopeID:       scopeID,
			OrderSeq:      orderSeq,
			Priority:      priority,
			PayloadJSON:   payload,
		}
		if _, err := w.delivery.Enqueue(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) closeMonthStream(ctx context.Context, tx pgx.Tx, tenantID, period string, generatedAt time.Time) error {
	head, err := w.events.HeadTx(ctx, tx, tenantID, snapshot.AggregateTypeMonth, period)
	if err != nil {
		return fmt.Errorf("load month head: %w", err)
	}
	var prev *string
	if head.Seq > 0 {
		prev = &head.ChainHash
	}

	payload := struct {
		GeneratedAt time.Time `json:"generatedAt"`
		ClosedAt    time.Time `json:"closedAt"`
	}{generatedAt, generatedAt}

	draft, err := canon.NewDraft(uuid.NewString(), "month.closed", generatedAt,
		canon.Actor{Type: canon.ActorRobot, ID: "monthclose-worker"},
		payload, prev)
	if err != nil {
		return fmt.Errorf("build month.closed draft: %w", err)
	}
	if w.signer != nil {
		draft, err = canon.Sign(draft, w.signer)
		if err != nil {
			return fmt.Errorf("sign month.closed: %w", err)
		}
	}

	canonPayload, err := canon.JSON(payload)
	if err != nil {
		return fmt.Errorf("canonicalize month.closed payload: %w", err)
	}

	_, err = w.events.AppendEvents(ctx, tx, tenantID, snapshot.AggregateTypeMonth, period, []canon.Draft{draft}, [][]byte{canonPayload})
	if err != nil {
		return fmt.Errorf("append month.closed: %w", err)
	}
	_, err = w.snapshots.RebuildSnapshot(ctx, tx, tenantID, snapshot.AggregateTypeMonth, period)
	return err
}
