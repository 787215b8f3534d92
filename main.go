// Package main implements a Cloud Run service that watches the league's roster
// transactions page and sends web push notifications when the tracked team moves.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"roster-alerts/config"
	"roster-alerts/email"
	"roster-alerts/metrics"
	"roster-alerts/pipeline"
	"roster-alerts/pkg/roster"
	"roster-alerts/push"
	"roster-alerts/scheduler"
	"roster-alerts/scraper"
	"roster-alerts/server"
	"roster-alerts/sqlstore"
	"roster-alerts/storage"
)

// store is everything the service persists, implemented by both storage.Store and sqlstore.DB.
type store interface {
	Fingerprint(ctx context.Context) (string, error)
	SetFingerprint(ctx context.Context, fingerprint string) error
	IsKnown(ctx context.Context, id string) (bool, error)
	AppendNew(ctx context.Context, txs []roster.Transaction) error
	Recent(ctx context.Context, limit int) ([]roster.Transaction, error)
	Upsert(ctx context.Context, sub roster.Subscriber) error
	Retire(ctx context.Context, endpoint string) error
	ListActive(ctx context.Context) ([]roster.Subscriber, error)
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Local() {
		logger.Info("Running in local development mode", "driver", cfg.StorageDriver, "base_url", cfg.BaseURL)
	}

	st, closeStore, err := openStore(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var relay push.Relay
	if cfg.PushEnabled() {
		relay = push.NewWebPushRelay(push.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		}, cfg.PushTimeout, logger)
	} else {
		logger.Info("Mock push mode enabled (no VAPID keys)")
		relay = push.NewMockRelay(logger)
	}

	dispatcher := push.NewDispatcher(&push.Config{
		Relay:       relay,
		Registry:    st,
		Logger:      logger,
		Payload:     push.Payload{Title: cfg.NotifyTitle},
		Concurrency: cfg.PushConcurrency,
	})

	alerts := email.New(newEmailProvider(ctx, &cfg, logger), logger, cfg.BaseURL, cfg.AlertEmail)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	fetcher := scraper.New(&scraper.Config{
		Client:    &http.Client{Timeout: 30 * time.Second},
		Logger:    logger,
		PageURL:   cfg.SourceURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.FetchTimeout,
	})

	orchestrator := pipeline.New(&pipeline.Config{
		Fetcher:  fetcher,
		Ledger:   st,
		Registry: st,
		Notifier: dispatcher,
		Leaser:   st,
		Alerter:  alerts,
		Metrics:  collector,
		Logger:   logger,
		Team:     cfg.TrackedTeam,
		PageURL:  cfg.SourceURL,
		LeaseTTL: cfg.LeaseTTL,
	})

	if cfg.RunSchedule != "" {
		sched := scheduler.New(logger, cfg.LeaseTTL)
		err := sched.Schedule(cfg.RunSchedule, func(ctx context.Context) error {
			_, err := orchestrator.Run(ctx, pipeline.Options{SendPush: true})
			return err
		})
		if err != nil {
			return err
		}
		sched.Start()
		logger.Info("In-process scheduler started", "schedule", cfg.RunSchedule, "next", sched.Next())
		defer sched.Stop(context.WithoutCancel(ctx))
	}

	srv := server.New(&server.Config{
		Runner:         orchestrator,
		Store:          st,
		Pusher:         dispatcher,
		Gatherer:       reg,
		Logger:         logger,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		APIKey:         cfg.InternalAPIKey,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// newLogger builds the process logger. Text output is colorized for terminals.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})), nil
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// openStore opens the configured storage backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), closeFn, nil

	case config.DriverSQLite:
		db, err := sqlstore.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return db, closeFn, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local file storage", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}

// newEmailProvider picks Gmail, then Brevo, then the mock provider.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	if cfg.AlertEmail == "" {
		return email.NewMockProvider(logger)
	}
	if cfg.BrevoAPIKey != "" {
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.AlertFrom, "Roster Alerts", logger)
	}
	svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
	if err != nil {
		logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
		return email.NewMockProvider(logger)
	}
	return email.NewGmailProvider(svc, logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// The Cloud Run service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
