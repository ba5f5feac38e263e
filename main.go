// Command gate-server is the authoritative side of gate scanning: scan
// validation, occupancy reconciliation and fraud triage.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"golang.org/x/sync/errgroup"

	"ms-gatescan/internal/analytics"
	"ms-gatescan/internal/analytics/analytics_api"
	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/config"
	"ms-gatescan/internal/database/migrations"
	"ms-gatescan/internal/db"
	"ms-gatescan/internal/fraud"
	"ms-gatescan/internal/fraud/fraud_api"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/occupancy"
	"ms-gatescan/internal/occupancy/occupancy_api"
	"ms-gatescan/internal/payload"
	"ms-gatescan/internal/validation"
	"ms-gatescan/internal/validation/scan_api"
)

func connectPostgres(cfg config.DatabaseConfig, log *logger.Logger) *sql.DB {
	if cfg.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			if err = sqldb.Ping(); err == nil {
				break
			}
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
	log.Info("DATABASE", "PostgreSQL connection successful")
	return sqldb
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return client
}

func main() {
	log := logger.NewLogger("gate-server")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	log.Info("APP", "Starting gate server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqldb := connectPostgres(cfg.Database, log)
	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(sqldb, migrations.Options{Dir: cfg.Database.MigrationsDir}, log)
		if err := runner.Up(); err != nil {
			log.Fatal("MIGRATE", fmt.Sprintf("Schema migration failed: %v", err))
		}
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()
	store := db.New(bunDB)

	redisClient := connectRedis(ctx, cfg.Redis, log)
	defer redisClient.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := notify.NewHub()
	relay := notify.NewRedisRelay(redisClient, "", log)
	publisher := notify.Fanout{relay}
	if cfg.Kafka.Enabled {
		topics := notify.KafkaTopics(cfg.Kafka.Topics)
		kafkaTopics := make([]string, 0, len(topics))
		for _, t := range topics {
			kafkaTopics = append(kafkaTopics, t)
		}
		if err := notify.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, kafkaTopics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		kafkaPublisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, topics, log)
		defer kafkaPublisher.Close()
		publisher = append(publisher, kafkaPublisher)
	}

	codec := payload.NewCodec(cfg.Validation.QRSecretKey)
	validator := validation.NewService(store, codec, log, cfg.Validation.ExpiryGrace, cfg.Validation.StoreTimeout)
	validator.Observe(scan_api.NewCommitFeed(publisher, m, log))
	validator.Observe(fraud.NewScorer(store, fraud.NewRedisSignals(redisClient), publisher, m, log, cfg.Fraud))

	reconciler := occupancy.NewReconciler(store, publisher, m, log, cfg.Occupancy.Threshold)

	authMiddleware, err := auth.Middleware(ctx, cfg.Auth.OIDCIssuer)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to initialise auth: %v", err))
	}
	if cfg.Auth.OIDCIssuer == "" {
		log.Warn("AUTH", "OIDC_ISSUER not set, bearer tokens are not verified")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Route("/api", func(r chi.Router) {
			scan_api.NewHandler(validator, store, codec, log).RegisterRoutes(r)
			scan_api.NewStreamHandler(hub, log).RegisterRoutes(r)
			occupancy_api.NewHandler(reconciler, log).RegisterRoutes(r)
			fraud_api.NewHandler(fraud.NewTriage(store, log), log).RegisterRoutes(r)
			analytics_api.NewHandler(analytics.NewService(bunDB), log).RegisterRoutes(r)
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("Gate server listening on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx, hub)
	})
	g.Go(func() error {
		return reconciler.Monitor(gctx, cfg.Occupancy.EventIDs, cfg.Occupancy.CheckInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Gate server stopped with error: %v", err))
		return
	}
	log.Info("APP", "Gate server shutdown complete")
}
