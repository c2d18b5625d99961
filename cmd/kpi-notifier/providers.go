package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/api"
	"github.com/septivank/kpi-notification-worker/internal/config"
	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/logging"
	"github.com/septivank/kpi-notification-worker/internal/mailer"
	"github.com/septivank/kpi-notification-worker/internal/mq"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/service"
	"github.com/septivank/kpi-notification-worker/internal/validator"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

// ProvideStore opens the configured storage backend
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	if cfg.Database.Backend == config.BackendMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	pool, err := db.NewPool(lc, logger, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Notify.DefaultCooldownHours)
}

// ProvideMailer creates the SMTP mailer
func ProvideMailer(cfg *config.Config, logger *zap.Logger) (notify.Mailer, error) {
	m, err := mailer.New(cfg.Mail.URL, cfg.Mail.From, cfg.Mail.Timeout, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ProvideEngine creates the notification engine
func ProvideEngine(store repository.Store, m notify.Mailer, cfg *config.Config, logger *zap.Logger) *notify.Engine {
	return notify.NewEngine(store, store, m, notify.Config{
		MailTimeout:           cfg.Mail.Timeout,
		MaxConcurrentDispatch: cfg.Notify.MaxConcurrentDispatch,
		DashboardURL:          cfg.Mail.DashboardURL,
	}, logger)
}

// ProvideKpiService creates the KPI service
func ProvideKpiService(store repository.Store, engine *notify.Engine, logger *zap.Logger) *service.KpiService {
	return service.NewKpiService(store, engine, logger)
}

// ProvideNotificationService creates the preference and history service
func ProvideNotificationService(store repository.Store, v *validator.Validator, cfg *config.Config, logger *zap.Logger) *service.NotificationService {
	return service.NewNotificationService(store, v, cfg, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the outcome event publisher
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.OutcomeExchange, logger)
}

// ProvideProcessorService creates the KPI update message processor
func ProvideProcessorService(
	kpis *service.KpiService,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(kpis, publisher, cfg, logger)
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(kpis *service.KpiService, notifications *service.NotificationService, logger *zap.Logger) *api.Handler {
	return api.NewHandler(kpis, notifications, logger)
}

// ProvideRouter wires the HTTP routes
func ProvideRouter(h *api.Handler, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	return api.NewRouter(h, cfg.HTTP.JWTSecret, logger)
}

func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, logger *zap.Logger) *http.Server {
	return api.NewServer(lc, cfg.HTTP.Port, router, logger)
}

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.UpdateQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.UpdateExchange,
		RoutingKey:    cfg.RabbitMQ.UpdateRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting kpi update consumer",
				zap.String("queue", cfg.RabbitMQ.UpdateQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}
