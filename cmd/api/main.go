package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httptransport "github.com/omnichannel-hub/session-queue/internal/api/http"
	"github.com/omnichannel-hub/session-queue/internal/api/http/handlers"
	"github.com/omnichannel-hub/session-queue/internal/auth"
	"github.com/omnichannel-hub/session-queue/internal/config"
	"github.com/omnichannel-hub/session-queue/internal/events"
	"github.com/omnichannel-hub/session-queue/internal/mapper"
	"github.com/omnichannel-hub/session-queue/internal/observability"
	"github.com/omnichannel-hub/session-queue/internal/persistence"
	"github.com/omnichannel-hub/session-queue/internal/platform"
	"github.com/omnichannel-hub/session-queue/internal/platform/whatsapp"
	"github.com/omnichannel-hub/session-queue/internal/repository"
	"github.com/omnichannel-hub/session-queue/internal/service"
	"github.com/omnichannel-hub/session-queue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()
	if pg.PoolHandle() == nil {
		logger.Fatal("POSTGRES_DSN is required: the message history lives in postgres")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	pool := pg.PoolHandle()
	customerRepo := repository.NewCustomerRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	historyRepo := repository.NewServiceHistoryRepository(pool)
	queueRepo := repository.NewQueueRepository(redis.Client, redis.KeyPrefix)
	cacheRepo := repository.NewMessageCacheRepository(redis.Client, redis.KeyPrefix, cfg.Cache.MaxMessages, cfg.Cache.TTL())

	var adapters []platform.Adapter
	if cfg.WhatsApp.BaseURL != "" {
		waClient, err := whatsapp.NewClient(cfg.WhatsApp, logger)
		if err != nil {
			logger.Fatal("failed to configure whatsapp gateway", zap.Error(err))
		}
		adapters = append(adapters, waClient)
	} else {
		logger.Warn("WHATSAPP_GATEWAY_URL not set; outbound sends and profile lookups are disabled")
	}
	factory := platform.NewFactory(adapters...)
	profiles := platform.NewProfileCache(factory, time.Duration(cfg.Ingest.ProfileCacheTTLMinute)*time.Minute)

	dispatcher := events.NewInMemoryDispatcher()
	store := service.NewMessageStore(cacheRepo, messageRepo, logger)

	ingestionService := service.NewIngestionService(service.IngestionDependencies{
		Customers:  customerRepo,
		Queue:      queueRepo,
		Store:      store,
		Registry:   mapper.NewRegistry(mapper.NewWhatsAppMapper()),
		Profiles:   profiles,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
		Config:     service.NewIngestionConfig(cfg.Queue, cfg.Ingest),
	})
	statusService := service.NewStatusService(store, dispatcher, metrics, logger, service.NewAckRetryPolicy(cfg.Ack))
	outboundService := service.NewOutboundService(service.OutboundDependencies{
		Queue:      queueRepo,
		Customers:  customerRepo,
		Adapters:   factory,
		Store:      store,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	queueService := service.NewQueueService(service.QueueDependencies{
		Queue:      queueRepo,
		History:    historyRepo,
		Store:      store,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})

	worker.StartNotificationWorker(ctx, service.NewNotificationService(dispatcher, logger, cfg.Notify))

	var background sync.WaitGroup
	if cfg.RabbitMQ.URL != "" {
		consumer := worker.NewConsumer(cfg.RabbitMQ, cfg.Worker, ingestionService, statusService, metrics, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("broker consumer stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("RABBITMQ_URL not set; events are accepted only through the webhook routes")
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, 0)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version,
			handlers.Dependency{Name: "postgres", Pinger: pg},
			handlers.Dependency{Name: "redis", Pinger: redis},
		),
		Queue:          handlers.NewQueueHandler(queueService),
		Messages:       handlers.NewMessagesHandler(store, outboundService),
		Webhooks:       handlers.NewWebhooksHandler(ingestionService, statusService),
		Metrics:        adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		WebhookSecret:  cfg.Auth.WebhookSecret,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.ShutdownWithTimeout(10 * time.Second)
	cancel()
	background.Wait()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
