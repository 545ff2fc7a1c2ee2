package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/hazelcart/fulfillment/internal/handlers"
	"github.com/hazelcart/fulfillment/internal/platform/config"
	"github.com/hazelcart/fulfillment/internal/platform/events"
	pfirestore "github.com/hazelcart/fulfillment/internal/platform/firestore"
	"github.com/hazelcart/fulfillment/internal/platform/idempotency"
	"github.com/hazelcart/fulfillment/internal/platform/observability"
	firestoreRepo "github.com/hazelcart/fulfillment/internal/repositories/firestore"
	"github.com/hazelcart/fulfillment/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("fulfillment")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	eventTopic := pubsubClient.Topic(cfg.PubSub.EventTopic)
	alertTopic := pubsubClient.Topic(cfg.PubSub.AlertTopic)
	defer eventTopic.Stop()
	defer alertTopic.Stop()

	eventPublisher, err := events.NewPubSubOrderEventPublisher(eventTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	alertPublisher, err := events.NewPubSubAlertPublisher(alertTopic)
	if err != nil {
		logger.Fatal("failed to initialise alert publisher", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	stockLedger, err := services.NewStockLedger(services.StockLedgerDeps{
		Catalog:    registry.Catalog(),
		Ledger:     registry.Ledger(),
		UnitOfWork: registry,
		Clock:      time.Now,
		Logger:     observability.ServiceLogHook(logger.Named("ledger")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stock ledger", zap.Error(err))
	}

	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Notifications: registry.Notifications(),
		Alerts:        alertPublisher,
		Config: services.WebhookDispatcherConfig{
			EndpointURL:    cfg.Webhooks.EndpointURL,
			SigningSecret:  cfg.Webhooks.SigningSecret,
			AttemptTimeout: cfg.Webhooks.AttemptTimeout,
			MaxAttempts:    cfg.Webhooks.MaxAttempts,
			BackoffBase:    cfg.Webhooks.BackoffBase,
			BackoffCap:     cfg.Webhooks.BackoffCap,
			PollInterval:   cfg.Dispatcher.PollInterval,
			BatchSize:      cfg.Dispatcher.BatchSize,
		},
		Clock:  time.Now,
		Logger: observability.ServiceLogHook(logger.Named("dispatcher")),
	})
	if err != nil {
		logger.Fatal("failed to initialise notification dispatcher", zap.Error(err))
	}

	reconciliation, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:       registry.Orders(),
		Catalog:      registry.Catalog(),
		Counters:     registry.Counters(),
		Resolver:     services.NewProductResolver(),
		StateMachine: services.NewOrderStateMachine(),
		Ledger:       stockLedger,
		Dispatcher:   dispatcher,
		Events:       eventPublisher,
		UnitOfWork:   registry,
		Clock:        time.Now,
		Logger:       observability.ServiceLogHook(logger.Named("reconciliation")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		if err := dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notification dispatcher stopped", zap.Error(err))
		}
	}()

	orderHandlers := handlers.NewOrderHandlers(reconciliation)
	productHandlers := handlers.NewProductHandlers(stockLedger)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithReadinessCheck("firestore", firestorePing(firestoreClient)),
	)

	projectID := cfg.Firestore.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithProductRoutes(productHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("hazelcart fulfillment api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	dispatchCancel()
	dispatchWG.Wait()
}

// firestorePing issues a minimal read against the orders collection so the
// readiness probe exercises credentials and connectivity.
func firestorePing(client *firestore.Client) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		iter := client.Collection("orders").Limit(1).Documents(ctx)
		defer iter.Stop()
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}
