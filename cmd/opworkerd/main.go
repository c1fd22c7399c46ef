// Command opworkerd runs the operation engine worker: it resumes abandoned
// operations left behind by crashed workers and exposes health and metrics
// endpoints. Store and notifier backends are selected through the
// environment; see the README for the full variable list.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapvault/backend/internal/engine"
	"github.com/snapvault/backend/internal/idalloc"
	"github.com/snapvault/backend/internal/lock"
	"github.com/snapvault/backend/internal/notify"
	"github.com/snapvault/backend/internal/obs"
	"github.com/snapvault/backend/internal/store"
	"github.com/snapvault/backend/internal/store/dynamo"
	"github.com/snapvault/backend/internal/store/memory"
	"github.com/snapvault/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := obs.NewJSONLogger(getenvBool("OPWORKER_DEBUG", false))

	st, err := newStore(ctx, logger)
	if err != nil {
		logger.WithField("err", err.Error()).Error("failed to initialize store")
		os.Exit(1)
	}

	publisher, err := newPublisher(ctx, logger)
	if err != nil {
		logger.WithField("err", err.Error()).Error("failed to initialize publisher")
		os.Exit(1)
	}

	if publisher != nil {
		defer func() { _ = publisher.Close() }()
	}

	locks := lock.New(st, logger,
		lock.WithMetrics(obs.NewLockMetrics(nil)),
		lock.WithAbandonmentTTL(getenvDuration("OPWORKER_LOCK_TTL", 60*time.Second)),
	)

	ids := idalloc.New(st, getenv("OPWORKER_ID_TYPE", "media"))

	exec := engine.NewExecutor(st, ids, publisher, logger)

	mgr := engine.NewManager(st, locks, exec, logger,
		engine.WithMetrics(obs.NewEngineMetrics(nil)),
		engine.WithSweepInterval(getenvDuration("OPWORKER_SWEEP_INTERVAL", time.Minute)),
		engine.WithMaxConcurrentResumes(int64(getenvInt("OPWORKER_MAX_RESUMES", 4))),
	)

	addr := getenv("OPWORKER_ADDR", ":8080")

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	// Abandoned-operation sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithField("err", err.Error()).Error("sweeper stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.WithField("addr", addr).Info("opworkerd up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("err", err.Error()).Error("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithField("err", err.Error()).Error("http shutdown error")
	}

	wg.Wait()
	logger.Info("opworkerd stopped")
}

func newStore(ctx context.Context, logger obs.Logger) (store.Store, error) {
	backend := getenv("OPWORKER_STORE", "dynamo")

	switch backend {
	case "dynamo":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client := dynamo.New(&awsCfg, getenv("OPWORKER_TABLE", "snapvault-ops"),
			dynamo.WithConsistentReads(getenvBool("OPWORKER_CONSISTENT_READS", true)))

		if err := client.Connect(); err != nil {
			return nil, err
		}

		if err := client.Init(ctx, getenvBool("OPWORKER_SKIP_SCHEMA_CHECK", false)); err != nil {
			return nil, err
		}

		return client, nil

	case "postgres":
		client := postgres.New(
			postgres.WithHost(getenv("OPWORKER_PG_HOST", "localhost")),
			postgres.WithPort(getenvInt("OPWORKER_PG_PORT", 5432)),
			postgres.WithUser(getenv("OPWORKER_PG_USER", "snapvault")),
			postgres.WithPassword(os.Getenv("OPWORKER_PG_PASSWORD")),
			postgres.WithDatabase(getenv("OPWORKER_PG_DATABASE", "snapvault")),
			postgres.WithSSLMode(postgres.SSLMode(getenv("OPWORKER_PG_SSLMODE", string(postgres.SSLModePrefer)))),
		)

		if err := client.Connect(ctx); err != nil {
			return nil, err
		}

		if err := client.Init(ctx, getenvBool("OPWORKER_SKIP_SCHEMA_CHECK", false)); err != nil {
			return nil, err
		}

		return client, nil

	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func newPublisher(ctx context.Context, logger obs.Logger) (notify.Publisher, error) {
	backend := getenv("OPWORKER_NOTIFIER", "none")

	switch backend {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return notify.NewSQSPublisher(ctx, &awsCfg, getenv("OPWORKER_SQS_QUEUE", "snapvault-notify.fifo"), logger)

	case "pubsub":
		project := os.Getenv("OPWORKER_PUBSUB_PROJECT")
		if project == "" {
			return nil, errors.New("OPWORKER_PUBSUB_PROJECT is required for the pubsub notifier")
		}

		client, err := pubsubv2.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
		}

		return notify.NewPubSubPublisher(client, getenv("OPWORKER_PUBSUB_TOPIC", "snapvault-notify"), logger)

	case "kafka":
		brokers := splitCSV(getenv("OPWORKER_KAFKA_BROKERS", "localhost:9092"))
		return notify.NewKafkaPublisher(brokers, getenv("OPWORKER_KAFKA_TOPIC", "snapvault-notify"), logger)

	case "none":
		logger.Warn("notifier disabled; Notify-phase messages are dropped")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown notifier backend %q", backend)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
