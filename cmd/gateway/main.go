package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/api"
	"github.com/lalithlochan/pulse/internal/auth"
	"github.com/lalithlochan/pulse/internal/circuitbreaker"
	"github.com/lalithlochan/pulse/internal/config"
	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/metrics"
	"github.com/lalithlochan/pulse/internal/notification"
	"github.com/lalithlochan/pulse/internal/observ"
	"github.com/lalithlochan/pulse/internal/realtime"
	"github.com/lalithlochan/pulse/internal/redis"
	"github.com/lalithlochan/pulse/internal/sns"
	"github.com/lalithlochan/pulse/internal/sqs"
	"github.com/lalithlochan/pulse/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pulse gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	// Redis backs idempotency and rate limiting; both degrade to off without it
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var userLimiter, handshakeLimiter *redis.RateLimiter
	if redisClient != nil {
		defer redisClient.Close()
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		userLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		handshakeLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  30,
			Window: time.Minute,
		})
	}

	// Presence and delivery
	registry := realtime.NewRegistry()
	dispatcher := realtime.NewDispatcher(registry, logger)
	manager := realtime.NewManager(verifier, registry, realtime.ManagerConfig{
		SendBuffer:     cfg.WSSendBuffer,
		PingInterval:   cfg.WSPingInterval,
		AllowedOrigins: cfg.WSAllowedOrigins,
	}, logger)

	var serviceOpts []notification.Option
	var handlerOpts []api.Option
	if idempotencyService != nil {
		handlerOpts = append(handlerOpts, api.WithIdempotency(idempotencyService))
	}

	if cfg.SNSAuditTopicARN != "" {
		snsClient, err := sns.NewClient(ctx, cfg.SNSRegion, cfg.AWSEndpoint)
		if err != nil {
			return fmt.Errorf("failed to create SNS client: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns-audit"), logger)
		sink := circuitbreaker.NewProtectedSink(sns.NewPublisher(snsClient, cfg.SNSAuditTopicARN, logger), breaker, logger)
		serviceOpts = append(serviceOpts, notification.WithAuditSink(sink))
		handlerOpts = append(handlerOpts, api.WithAuditBreaker(breaker))
		logger.Info("audit publishing enabled", zap.String("topic_arn", cfg.SNSAuditTopicARN))
	}

	service := notification.NewService(repo, dispatcher, logger, serviceOpts...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Domain events from collaborators over SQS
	if cfg.SQSEventsQueueURL != "" {
		sqsClient, err := sqs.NewClient(ctx, cfg.SQSRegion, cfg.AWSEndpoint)
		if err != nil {
			return fmt.Errorf("failed to create SQS client: %w", err)
		}

		var workerOpts []worker.Option
		if cfg.SQSEventsDLQURL != "" {
			workerOpts = append(workerOpts, worker.WithDeadLetter(sqs.NewProducer(sqsClient, cfg.SQSEventsDLQURL, logger)))
		}
		if idempotencyService != nil {
			workerOpts = append(workerOpts, worker.WithIdempotency(idempotencyService))
		}

		consumer := sqs.NewConsumer(sqsClient, cfg.SQSEventsQueueURL, logger)
		w := worker.New(consumer, service, worker.Config{}, logger, workerOpts...)
		go w.Start(workerCtx)
	} else {
		logger.Info("SQS_EVENTS_QUEUE_URL not set, event queue ingestion disabled")
	}

	go sampleConnections(workerCtx, database)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, service, registry, dispatcher, handlerOpts...)

	// long-lived; kept out of the request timeout
	r.With(api.RateLimitMiddleware(handshakeLimiter, logger, "ws", api.IPKeyFunc)).Handle("/ws", manager)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/v1", func(r chi.Router) {
			r.Use(api.Authenticate(verifier, logger))
			r.Use(api.RateLimitMiddleware(userLimiter, logger, "user", api.UserKeyFunc))
			handler.UserRoutes(r)
		})

		r.Route("/internal/v1", func(r chi.Router) {
			r.Use(api.InternalAuth(cfg.InternalAPIToken))
			handler.InternalRoutes(r)
		})

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := database.Health(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		r.Handle("/metrics", metrics.Handler())
	})

	// WriteTimeout is left unset; it would also cut off upgraded sockets
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Shutdown does not track hijacked connections
		live := registry.All()
		for _, h := range live {
			if c, ok := h.(*realtime.Conn); ok {
				c.Close()
			}
		}

		logger.Info("server stopped gracefully",
			zap.Int("closed_connections", len(live)),
		)
	}

	return nil
}

func sampleConnections(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
		}
	}
}
