package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab-metrics-service/internal/alert"
	"gitlab-metrics-service/internal/api"
	"gitlab-metrics-service/internal/commits"
	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/issues"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/mergerequests"
	"gitlab-metrics-service/internal/quality"
	"gitlab-metrics-service/internal/queue"
	"gitlab-metrics-service/internal/review"
	"gitlab-metrics-service/internal/telemetry"
	"gitlab-metrics-service/internal/webhook"
	"gitlab-metrics-service/internal/worker"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New(cfg.Log, os.Stdout)
	ctx = logging.WithLogger(ctx, log)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, err := openBus(cfg.Queue, log)
	if err != nil {
		return err
	}

	engine := review.NewEngine(cfg.Review)
	reviews := review.NewService(engine, store, alert.NewBusSink(broker))
	ledger := commits.NewLedger(store, quality.NewTrigger(broker), cfg.Ledger)
	issueTracker := issues.NewTracker(store)
	mrTracker := mergerequests.NewTracker(store, store, engine, reviews)

	worker.Register(broker, worker.Consumers{
		Commits:       ledger,
		Issues:        issueTracker,
		MergeRequests: mrTracker,
	})
	broker.Subscribe(queue.QualityAnalysis, quality.NewConsumer(log).Handle)
	broker.Subscribe(queue.AlertNotification, alert.NewDeliverer(cfg.Alert, log).Handle)

	// Workers outlive the signal context so queued messages drain on shutdown.
	runCtx, cancelRun := context.WithCancel(logging.WithLogger(context.Background(), log))
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- broker.Run(runCtx) }()

	if cfg.Webhook.Secret == "" {
		log.Warn("webhook secret is not set; every webhook will be rejected")
	}
	handler := api.NewHandler(api.Deps{
		Validator:       webhook.NewValidator(cfg.Webhook.Secret),
		Dispatcher:      webhook.NewDispatcher(broker),
		Reviews:         reviews,
		Recorder:        mrTracker,
		Commits:         store,
		Health:          store,
		MaxPayloadBytes: cfg.Webhook.MaxPayloadBytes,
	})

	r := mux.NewRouter()
	for _, m := range api.Middleware(log) {
		r.Use(m)
	}
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "queues", broker.Queues())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("http server failed", "error", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	broker.Close()
	select {
	case <-runDone:
	case <-time.After(cfg.Queue.DrainTimeout):
		log.Warn("queue drain timed out; dropping remaining messages")
		cancelRun()
		<-runDone
	}
	mrTracker.Wait()
	return err
}

func openBus(cfg config.QueueConfig, log *slog.Logger) (queue.Bus, error) {
	if cfg.Driver == "nats" {
		log.Info("using nats jetstream queues", "url", cfg.NATSURL, "stream", cfg.Stream)
		return queue.DialJetStream(cfg, log)
	}
	return queue.NewBroker(cfg, log), nil
}
