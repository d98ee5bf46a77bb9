package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/carpool/domain"
	"github.com/example/carpool/internal/carpool/geo"
	"github.com/example/carpool/internal/carpool/grpcapi"
	"github.com/example/carpool/internal/carpool/handler"
	"github.com/example/carpool/internal/carpool/repository"
	"github.com/example/carpool/internal/carpool/service"
	"github.com/example/carpool/internal/carpool/storage"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/http/middleware"
	outboxworker "github.com/example/carpool/internal/outbox"
	"github.com/example/carpool/pkg/observability"
	outboxpkg "github.com/example/carpool/pkg/outbox"
)

const serviceName = "carpool"

type store interface {
	domain.UnitOfWork
	domain.OfferRepository
	domain.RequestRepository
	domain.UserRepository
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()

	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("load config", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, serviceName)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if cfg.Migrate {
			if err := repository.Migrate(ctx, db); err != nil {
				logger.Fatal("postgres migrate", zap.Error(err))
			}
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	sink, closeSink := buildSink(cfg, logger)
	defer closeSink()
	publisher := eventPublisher{publisher: outboxpkg.NewPublisher(sink, cfg.EventsSubject)}

	var repo store
	if db != nil {
		repo = repository.NewPostgres(db, cfg.EventsSubject)
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory store")
		repo = repository.NewMemoryRepository(publisher, logger.Named("store"))
	}

	var (
		idem  domain.IdempotencyRepository
		index domain.OfferIndex
	)
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyRepo(redisClient, "")
		index = geo.NewRedisIndex(redisClient, "")
	} else {
		idem = repository.NewMemoryIdempotencyRepo()
		index = geo.NewMemoryIndex()
	}

	tokens := auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)
	users := service.NewUserService(repo, storage.NewLocalStorage(cfg.UploadDir, logger.Named("storage")), tokens, domain.SystemClock{}, logger.Named("users"), service.UserConfig{
		BcryptCost:      cfg.BcryptCost,
		MaxPictureBytes: cfg.UploadMaxBytes,
	})
	offers := service.NewOfferService(repo, users, index, publisher, domain.SystemClock{}, logger.Named("offers"))
	booking := service.NewBookingService(service.BookingDeps{
		UnitOfWork:  repo,
		Offers:      repo,
		Requests:    repo,
		Identity:    users,
		Idempotency: idem,
		Clock:       domain.SystemClock{},
		Logger:      logger.Named("booking"),
	}, service.BookingConfig{
		MaxAttempts:    cfg.BookingMaxAttempts,
		Backoff:        cfg.BookingBackoff,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	api := handler.NewHTTP(handler.Deps{
		Users:           users,
		Offers:          offers,
		Booking:         booking,
		Tokens:          tokens,
		Logger:          logger.Named("http"),
		MaxPictureBytes: cfg.UploadMaxBytes,
	})

	var middlewares []func(http.Handler) http.Handler
	if redisClient != nil {
		limiter := middleware.NewRateLimiter(redisClient,
			middleware.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
			middleware.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
			tokens, logger.Named("ratelimit"))
		middlewares = append(middlewares, limiter.Middleware)
	}

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter())
	r.Mount("/", api.Router(middlewares...))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcapi.AuthInterceptor(tokens)))
	grpcapi.RegisterBookingServer(grpcServer, grpcapi.NewServer(booking, logger.Named("grpc")))

	if db != nil && sink != nil {
		worker := outboxworker.NewWorker(db, sink, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("sink", sink != nil))
	}

	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("grpc server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}

// buildSink prefers RabbitMQ when AMQP_URL is set and falls back to NATS.
// It returns a nil sink when no broker is reachable.
func buildSink(cfg config.Config, logger *zap.Logger) (outboxpkg.Sink, func()) {
	if cfg.AMQPURL != "" {
		sink, closeFn, err := dialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err == nil {
			return sink, closeFn
		}
		logger.Warn("amqp sink unavailable", zap.Error(err))
	}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err == nil {
			return outboxpkg.NewNATSSink(conn), func() { _ = conn.Drain() }
		}
		logger.Warn("nats connection failed", zap.Error(err))
	}
	return nil, func() {}
}

func dialAMQP(url, exchange string) (outboxpkg.Sink, func(), error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	sink, err := outboxpkg.NewAMQPSink(conn, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return sink, func() { _ = conn.Close() }, nil
}
