package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voxline-ai/callplane/internal/admission"
	"github.com/voxline-ai/callplane/internal/api/handlers"
	"github.com/voxline-ai/callplane/internal/api/router"
	"github.com/voxline-ai/callplane/internal/calls"
	"github.com/voxline-ai/callplane/internal/campaigns"
	appconfig "github.com/voxline-ai/callplane/internal/config"
	"github.com/voxline-ai/callplane/internal/contacts"
	"github.com/voxline-ai/callplane/internal/ledger"
	"github.com/voxline-ai/callplane/internal/lifecycle"
	"github.com/voxline-ai/callplane/internal/observability/metrics"
	"github.com/voxline-ai/callplane/internal/provider"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
	"github.com/voxline-ai/callplane/internal/users"
	"github.com/voxline-ai/callplane/internal/webhooks"
	"github.com/voxline-ai/callplane/internal/worker/dialer"
	"github.com/voxline-ai/callplane/internal/worker/reaper"
	"github.com/voxline-ai/callplane/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting callplane API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	db := store.New(pool)

	rdbOpts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		rdbOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(rdbOpts)
	defer func() { _ = rdb.Close() }()

	callMetrics := metrics.NewCallMetrics(prometheus.DefaultRegisterer)

	// Stores
	callStore := calls.NewStore(pool)
	userStore := users.NewStore(pool, cfg.DefaultUserConcurrentCallsLimit)
	contactStore := contacts.NewStore(pool)
	campaignStore := campaigns.NewStore(pool)
	queueStore := queue.NewStore(pool)
	slotRegistry := admission.NewSlotRegistry(pool)
	ledgerStore := ledger.NewStore(pool)
	eventStore := webhooks.NewEventStore(rdb)

	providerClient, err := provider.NewClient(provider.ClientConfig{
		APIKey:  cfg.ProviderAPIKey,
		BaseURL: cfg.ProviderBaseURL,
		Timeout: cfg.ProviderAPITimeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to configure voice provider client", "error", err)
		os.Exit(1)
	}

	controller := admission.NewController(admission.Config{
		DB:          db,
		Slots:       slotRegistry,
		Users:       userStore,
		Calls:       callStore,
		Queue:       queueStore,
		Logger:      logger,
		Metrics:     callMetrics,
		SystemLimit: cfg.SystemConcurrentCallsLimit,
		Timeout:     cfg.AdmissionTimeout,
	})

	processor := dialer.NewProcessor(dialer.Config{
		DB:          db,
		Queue:       queueStore,
		Slots:       slotRegistry,
		Admitter:    controller,
		Dialer:      providerClient,
		Agents:      userStore,
		Campaigns:   campaignStore,
		Calls:       callStore,
		Logger:      logger,
		Metrics:     callMetrics,
		Interval:    cfg.QueueProcessorInterval,
		MaxAttempts: cfg.QueueRetryMaxAttempts,
		BaseDelay:   cfg.QueueRetryBaseDelay,
		SystemLimit: cfg.SystemConcurrentCallsLimit,
	})

	machine := lifecycle.NewMachine(lifecycle.Config{
		DB:        db,
		Calls:     callStore,
		Slots:     slotRegistry,
		Ledger:    ledgerStore,
		Contacts:  contactStore,
		Campaigns: campaignStore,
		Users:     userStore,
		Queue:     queueStore,
		Waker:     processor,
		Logger:    logger,
		Metrics:   callMetrics,
	})

	// Handlers
	callsHandler := handlers.NewCallsHandler(handlers.CallsConfig{
		Admitter: controller,
		Dialer:   providerClient,
		Agents:   userStore,
		Calls:    callStore,
		Logger:   logger,
	})
	queueHandler := handlers.NewQueueHandler(queueStore, logger)
	campaignsHandler := handlers.NewCampaignsHandler(campaignStore, contactStore, queueStore, logger)
	webhookHandler := webhooks.NewHandler(webhooks.HandlerConfig{
		Machine: machine,
		Events:  eventStore,
		Logger:  logger,
		Metrics: callMetrics,
	})
	healthHandler := handlers.NewHealthHandler(pool, rdb, logger)

	// Background workers
	go processor.Run(rootCtx)

	slotReaper := reaper.New(reaper.Config{
		Slots:    slotRegistry,
		Calls:    callStore,
		Logger:   logger,
		Metrics:  callMetrics,
		Interval: cfg.ReaperInterval,
		MaxAge:   cfg.MaxCallDuration,
	})
	go slotReaper.Run(rootCtx)

	r := router.New(&router.Config{
		Logger:           logger,
		CallsHandler:     callsHandler,
		QueueHandler:     queueHandler,
		CampaignsHandler: campaignsHandler,
		WebhookHandler:   webhookHandler,
		HealthHandler:    healthHandler,
		MetricsHandler:   promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
