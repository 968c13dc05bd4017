// Command worker runs the settlement substrate's outbox-driven pipelines:
// ledger application, month-close, finance-pack assembly, notification
// fan-out, correlation application, and the no-op drains for events that
// only need an outbox row to exist. Each pipeline polls its topic on its
// own interval and commits its own transactions; cmd/worker only wires
// the shared stores together and runs the poll loops.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bturcanu/OpenClause/pkg/config"
	"github.com/bturcanu/OpenClause/pkg/correlation"
	"github.com/bturcanu/OpenClause/pkg/delivery"
	"github.com/bturcanu/OpenClause/pkg/eventstore"
	"github.com/bturcanu/OpenClause/pkg/evidencestore"
	"github.com/bturcanu/OpenClause/pkg/ledger"
	"github.com/bturcanu/OpenClause/pkg/otelsetup"
	"github.com/bturcanu/OpenClause/pkg/outbox"
	"github.com/bturcanu/OpenClause/pkg/signerkeys"
	"github.com/bturcanu/OpenClause/pkg/snapshot"
	"github.com/bturcanu/OpenClause/pkg/txn"
	correlationworker "github.com/bturcanu/OpenClause/pkg/worker/correlation"
	"github.com/bturcanu/OpenClause/pkg/worker/financepack"
	"github.com/bturcanu/OpenClause/pkg/worker/ledgerapply"
	"github.com/bturcanu/OpenClause/pkg/worker/monthclose"
	"github.com/bturcanu/OpenClause/pkg/worker/noopdrain"
	"github.com/bturcanu/OpenClause/pkg/worker/notify"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := config.LoadRuntime()

	pool, err := pgxpool.New(ctx, config.EnvOr("DATABASE_URL", "postgres://localhost:5432/settlement"))
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	minioClient, err := minio.New(config.EnvOr("EVIDENCE_S3_ENDPOINT", "localhost:9000"), &minio.Options{
		Creds:  credentials.NewStaticV4(config.EnvOr("EVIDENCE_S3_ACCESS_KEY", ""), config.EnvOr("EVIDENCE_S3_SECRET_KEY", ""), ""),
		Secure: config.EnvOrBool("EVIDENCE_S3_SECURE", true),
	})
	if err != nil {
		log.Error("connect evidence object store", "error", err)
		os.Exit(1)
	}

	shutdownOtel, err := otelsetup.Setup(ctx, otelsetup.Config{
		ServiceName:    "settlement-worker",
		OTLPEndpoint:   config.EnvOr("OTLP_ENDPOINT", ""),
		MetricsEnabled: config.EnvOrBool("OTEL_METRICS_ENABLED", true),
		TracingEnabled: config.EnvOrBool("OTEL_TRACING_ENABLED", false),
	})
	if err != nil {
		log.Error("otel setup", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}()

	workerMetrics, err := otelsetup.NewWorkerMetrics()
	if err != nil {
		log.Error("worker metrics", "error", err)
		os.Exit(1)
	}

	signerStore := signerkeys.NewStore(pool)
	signer, err := bootstrapWorkerSigner(ctx, signerStore)
	if err != nil {
		log.Error("bootstrap worker signer", "error", err)
		os.Exit(1)
	}

	events := eventstore.NewStore(pool, signerStore)
	registry := snapshot.NewRegistry()
	registry.Register(snapshot.AggregateTypeJob, snapshot.ReduceJob)
	registry.Register(snapshot.AggregateTypeMonth, snapshot.ReduceMonth)
	snapshots := snapshot.NewStore(pool, events, registry)
	snapshots.RegisterSideEffect(snapshot.AggregateTypeJob, snapshot.ReservationSideEffect)
	snapshots.RegisterSideEffect(snapshot.AggregateTypeJob, snapshot.SettlementIndexSideEffect)

	ledgerStore := ledger.NewStore(pool)
	outboxStore := outbox.NewStore(pool, runtime.ReclaimAfter)
	deliveryStore := delivery.NewStore(pool, runtime.QuotaPlatformMaxPendingDelivs)
	correlationStore := correlation.NewStore(pool)
	evidence := evidencestore.New(minioClient, config.EnvOr("EVIDENCE_S3_BUCKET", "finance-evidence"))

	committer := txn.NewCommitter(pool, events, snapshots, ledgerStore, outboxStore, deliveryStore, signerStore)
	_ = committer // constructed for parity with other write paths; pipelines below commit through their own stores directly

	gateMode := monthclose.JournalCsvGateMode(config.EnvOr("MONTHCLOSE_JOURNAL_CSV_GATE_MODE", string(monthclose.JournalCsvGateWarn)))

	ledgerWorker := ledgerapply.New(pool, outboxStore, ledgerStore, snapshots, nil)
	monthWorker := monthclose.New(pool, outboxStore, snapshots, events, deliveryStore, signer, gateMode)
	financeWorker := financepack.New(pool, outboxStore, snapshots, events, deliveryStore, evidence, signerStore)
	notifyWorker := notify.New(pool, outboxStore)
	correlationWorkerInst := correlationworker.New(outboxStore, correlationStore)
	drainWorker := noopdrain.New(outboxStore)

	batchSize := config.EnvOrInt("WORKER_BATCH_SIZE", 25)
	pollInterval := time.Duration(config.EnvOrInt("WORKER_POLL_INTERVAL_MS", 500)) * time.Millisecond

	pipelines := []pipeline{
		{name: "ledgerapply", run: ledgerWorker.RunOnce},
		{name: "monthclose", run: monthWorker.RunOnce},
		{name: "financepack", run: financeWorker.RunOnce},
		{name: "notify", run: notifyWorker.RunOnce},
		{name: "correlation", run: correlationWorkerInst.RunOnce},
		{name: "noopdrain", run: drainWorker.RunOnce},
	}

	for _, p := range pipelines {
		go pollLoop(ctx, log, workerMetrics, p, pollInterval, batchSize)
	}

	srv := &http.Server{
		Addr:    config.EnvOr("WORKER_ADMIN_ADDR", ":9090"),
		Handler: adminRouter(pool, outboxStore),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin http server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// pipeline bundles a pollable worker's name (used for metrics labels and
// log fields) with its RunOnce method.
type pipeline struct {
	name string
	run  func(ctx context.Context, batchSize int) (int, error)
}

// pollLoop runs one pipeline's RunOnce on a fixed tick, rate-limited so a
// saturated topic with nothing but immediate re-failures can't spin the
// CPU: the limiter allows at most one run per interval whatever the
// previous run returned, and does not bound how many rows a run processes.
func pollLoop(ctx context.Context, log *slog.Logger, metrics *otelsetup.WorkerMetrics, p pipeline, interval time.Duration, batchSize int) {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			n, err := p.run(ctx, batchSize)
			if err != nil {
				log.Error("pipeline run", "pipeline", p.name, "error", err)
				metrics.RecordFailed(ctx, p.name)
				continue
			}
			if n > 0 {
				log.Info("pipeline processed", "pipeline", p.name, "count", n)
				metrics.RecordProcessed(ctx, p.name, int64(n))
			}
		}
	}
}

// bootstrapWorkerSigner loads WORKER_SIGNER_PRIVATE_KEY_HEX if set,
// otherwise mints a fresh ed25519 keypair for this process's lifetime and
// registers its public half as an active, robot-purpose signer key so
// month-close's MONTH_CLOSED events validate against it. A generated key
// does not survive a restart; operators running this for real deployments
// should set WORKER_SIGNER_PRIVATE_KEY_HEX to a persisted key instead.
func bootstrapWorkerSigner(ctx context.Context, store *signerkeys.Store) (*signerkeys.Ed25519Signer, error) {
	const keyID = "worker-monthclose"
	const tenantID = "platform"

	if hexKey := os.Getenv("WORKER_SIGNER_PRIVATE_KEY_HEX"); hexKey != "" {
		seed, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, err
		}
		priv := ed25519.NewKeyFromSeed(seed)
		signer := signerkeys.NewEd25519Signer(keyID, priv)
		pub := priv.Public().(ed25519.PublicKey)
		if err := store.Put(ctx, signerkeys.Key{
			TenantID: tenantID, KeyID: keyID, PublicKey: pub,
			Purpose: signerkeys.PurposeRobot, Status: signerkeys.StatusActive,
		}); err != nil {
			return nil, err
		}
		return signer, nil
	}

	signer, pub, err := signerkeys.GenerateEd25519Signer(keyID)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, signerkeys.Key{
		TenantID: tenantID, KeyID: keyID, PublicKey: pub,
		Purpose: signerkeys.PurposeRobot, Status: signerkeys.StatusActive,
	}); err != nil {
		return nil, err
	}
	return signer, nil
}

// adminRouter exposes health, readiness, metrics, and a debug outbox
// view — the operability surface every long-running worker ships
// alongside it, not a command API (that is out of scope).
func adminRouter(pool *pgxpool.Pool, outboxStore *outbox.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/outbox", func(w http.ResponseWriter, r *http.Request) {
		rows, err := pool.Query(r.Context(), `
			SELECT topic, status, count(*) FROM outbox GROUP BY topic, status ORDER BY topic, status`)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		defer rows.Close()
		w.Header().Set("Content-Type", "text/plain")
		for rows.Next() {
			var topic, status string
			var count int64
			if err := rows.Scan(&topic, &status, &count); err != nil {
				continue
			}
			_, _ = w.Write([]byte(topic + " " + status + " " + strconv.FormatInt(count, 10) + "\n"))
		}
	})
	return r
}
