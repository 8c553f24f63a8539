package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"order-saga/config"
	"order-saga/internal/api"
	"order-saga/internal/broker"
	"order-saga/internal/eventstore"
	"order-saga/internal/inventory"
	"order-saga/internal/payment"
	"order-saga/internal/readmodel"
	"order-saga/internal/redisclient"
	"order-saga/internal/registry"
	"order-saga/internal/saga"
	"order-saga/internal/service"
	"order-saga/internal/store"
	"order-saga/internal/util"
	"order-saga/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	cfg := config.Load()

	logger, err := util.InitLogger(util.LogConfig{
		Service: cfg.Observ.ServiceName,
		Env:     cfg.Server.Env,
		Level:   cfg.Observ.LogLevel,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger.Info("Starting order saga service",
		zap.String("store", cfg.Database.Driver),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("inbox", cfg.Redis.InboxDriver))

	util.InitPropagation()
	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(util.TracerConfig{
			Service:        cfg.Observ.ServiceName,
			Env:            cfg.Server.Env,
			JaegerEndpoint: cfg.Observ.JaegerEndpoint,
			SampleRatio:    cfg.Observ.TraceSampleRatio,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.Pinger{}

	var db *store.Store
	if cfg.Database.Driver == "postgres" || cfg.Redis.InboxDriver == "postgres" {
		var err error
		db, err = store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		checks["postgres"] = db
		logger.Info("Database connected")
	}

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient
		logger.Info("Redis connected")
	}

	bus, err := newBus(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to message bus", zap.Error(err))
	}
	publisher := broker.NewEventPublisher(bus, broker.Topics{
		Orders:    cfg.Bus.TopicOrders,
		Inventory: cfg.Bus.TopicInventory,
		Payments:  cfg.Bus.TopicPayments,
	})

	dispatcher := registry.NewDispatcher(registry.MustStandard())

	ledgerOpts := inventory.Options{
		ReservationTTL:    cfg.Business.ReservationTTL,
		WaitTTL:           cfg.Business.FIFOWaitTTL,
		LowStockThreshold: cfg.Business.LowStockThreshold,
		Logger:            logger,
	}
	var events eventstore.Store = eventstore.NewMemoryStore()
	var payments payment.Repository = payment.NewMemoryRepository()
	var journal *store.InventoryJournal
	var orderReader readmodel.Reader
	if cfg.Database.Driver == "postgres" {
		events = store.NewEventStore(db)
		orderReader = store.NewOrderQueries(db)
		payments = store.NewPaymentRepository(db)
		journal = store.NewInventoryJournal(db)
		ledgerOpts.Journal = journal
	}
	if redisClient != nil {
		ledgerOpts.Observer = redisClient.Observer()
	}
	ledger := inventory.NewLedger(ledgerOpts)
	if journal != nil {
		lines, reservations, err := journal.Snapshot(ctx)
		if err != nil {
			logger.Fatal("Failed to restore inventory", zap.Error(err))
		}
		ledger.Restore(lines, reservations)
		logger.Info("Inventory restored",
			zap.Int("lines", len(lines)),
			zap.Int("reservations", len(reservations)))
	}

	if orderReader == nil {
		projection := readmodel.NewProjection(dispatcher, logger)
		events = projection.Wrap(events)
		orderReader = projection
	}
	repo := eventstore.NewRepository(events, dispatcher, logger)

	gateway := payment.NewSimulatedGateway(cfg.Business.PaymentSuccessRate, cfg.Business.PaymentFailureRate, 100*time.Millisecond, time.Now().UnixNano())
	paymentService := payment.NewService(payments, gateway, publisher, payment.Options{
		MaxRetries:        cfg.Business.PaymentMaxRetries,
		RetryBackoff:      200 * time.Millisecond,
		ProcessingTimeout: cfg.Business.PaymentTimeout,
		Logger:            logger,
	})
	coordinator := saga.NewCoordinator(repo, dispatcher, ledger, payments, publisher, saga.Options{Logger: logger})

	orderService := service.NewOrderService(repo, ledger, paymentService, publisher, logger)
	queryService := service.NewOrderQueryService(orderReader, logger)
	var mirror service.StockMirror
	if redisClient != nil {
		mirror = redisClient
	}
	inventoryService := service.NewInventoryService(ledger, mirror, logger)
	if err := inventoryService.Seed(ctx, cfg.Business.SeedInventory); err != nil {
		logger.Fatal("Failed to seed inventory", zap.Error(err))
	}
	if err := inventoryService.SyncInventoryToMirror(ctx); err != nil {
		logger.Warn("Failed to sync inventory to mirror", zap.Error(err))
	}

	pool := worker.NewPool(cfg.Business.WorkerConcurrency)
	deps := worker.Deps{
		Bus:    bus,
		Topics: publisher.Topics(),
		Pool:   pool,
		Logger: logger,
		Group:  cfg.Bus.ConsumerGroup,
	}
	var memoryInbox *worker.MemoryInbox
	switch cfg.Redis.InboxDriver {
	case "redis":
		deps.Inbox = redisClient
	case "postgres":
		deps.Inbox = store.NewInbox(db)
	default:
		memoryInbox = worker.NewMemoryInbox()
		deps.Inbox = memoryInbox
	}

	sagaWorker := worker.NewSagaWorker(deps, coordinator)
	paymentWorker := worker.NewPaymentWorker(deps, dispatcher, paymentService)
	sweeper := worker.NewExpirySweeper(ledger, cfg.Business.ExpirySweep, logger)
	sweeper.Payments = paymentService
	if redisClient != nil {
		sweeper.Locker = redisClient
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, queryService, inventoryService, coordinator, checks, logger)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sagaWorker.Start(gctx) })
	g.Go(func() error { return paymentWorker.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	if memoryInbox != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					memoryInbox.Sweep()
				}
			}
		})
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}

	if err := bus.Close(); err != nil {
		logger.Error("Failed to close message bus", zap.Error(err))
	}
	pool.Close()

	logger.Info("Server exited")
}

func newBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (broker.Bus, error) {
	switch cfg.Bus.Driver {
	case "kafka":
		logger.Info("Kafka bus initialized", zap.Strings("brokers", cfg.Bus.KafkaBrokers))
		return broker.NewKafkaBus(broker.KafkaConfig{
			Brokers: cfg.Bus.KafkaBrokers,
			Readers: cfg.Bus.KafkaReaders,
			Logger:  logger,
		}), nil
	case "nats":
		logger.Info("NATS bus initialized", zap.String("url", cfg.Bus.NatsURL))
		return broker.NewNatsBus(ctx, broker.NatsConfig{
			URL:    cfg.Bus.NatsURL,
			Stream: cfg.Bus.NatsStream,
			Logger: logger,
		})
	case "memory", "":
		return broker.NewMemoryBus(logger), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}
