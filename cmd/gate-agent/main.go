// Command gate-agent runs on a gate device. It keeps every scan in a local
// queue, answers from the ticket cache while the gate server is unreachable
// and syncs the queue in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/batch"
	"ms-gatescan/internal/config"
	"ms-gatescan/internal/gate"
	"ms-gatescan/internal/gate/gate_api"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/payload"
	"ms-gatescan/internal/scanqueue"
	"ms-gatescan/internal/syncengine"
)

const cacheRefreshInterval = 5 * time.Minute

func main() {
	log := logger.NewLogger("gate-agent")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	deviceID := cfg.Device.ID
	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatal("CONFIG", "DEVICE_ID not set and hostname unavailable")
		}
		deviceID = host
	}
	log.Info("APP", fmt.Sprintf("Starting gate agent %s against %s", deviceID, cfg.Device.ServerURL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	qcfg := scanqueue.DefaultConfig(cfg.Device.QueueDir, deviceID)
	qcfg.MaxRetries = cfg.Sync.MaxRetries
	qcfg.HistoryCap = cfg.Device.HistoryCap
	qcfg.Logger = log
	queue, err := scanqueue.Open(qcfg)
	if err != nil {
		log.Fatal("QUEUE", fmt.Sprintf("Failed to open scan queue at %s: %v", cfg.Device.QueueDir, err))
	}
	defer queue.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	tokens := auth.NewTokenSource(cfg.Auth, nil, log)
	if !tokens.Enabled() {
		log.Warn("AUTH", "Service credentials not configured, calling gate server anonymously")
	}
	client := gate.NewClient(cfg.Device.ServerURL, cfg.Validation.ServerTimeout, tokens, log)

	publisher, closePublisher := divergencePublisher(cfg.Kafka, log)
	defer closePublisher()
	if cfg.Kafka.Enabled {
		topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := notify.EnsureTopicsExist(topicCtx, cfg.Kafka.Brokers, []string{cfg.Kafka.Topics.SyncDivergence}, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		cancel()
	}

	engine := syncengine.New(queue, client, publisher, m, log, syncengine.Config{
		Interval:     cfg.Sync.Interval,
		PassTimeout:  cfg.Sync.PassTimeout,
		BackoffBase:  cfg.Sync.BackoffBase,
		BackoffMax:   cfg.Sync.BackoffMax,
		RatePerSec:   cfg.Sync.RatePerSec,
		HealthWindow: cfg.Sync.HealthWindow,
	})
	codec := payload.NewCodec(cfg.Validation.QRSecretKey)
	device := gate.NewDevice(deviceID, queue, engine, client, codec, cfg.Validation.ExpiryGrace, cfg.Sync.ScanTimeout, log)

	handler := &gate_api.Handler{
		Device:   device,
		Queue:    queue,
		Engine:   engine,
		Approver: batch.NewApprover(engine, log),
		Parties:  client,
		Logger:   log,
	}

	authMiddleware, err := auth.Middleware(ctx, cfg.Auth.OIDCIssuer)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to initialise auth: %v", err))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", m.Handler())
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Route("/api", handler.RegisterRoutes)
	})

	server := &http.Server{
		Addr:         cfg.Device.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("Gate agent listening on %s", cfg.Device.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return device.RunCacheRefresh(gctx, cfg.Device.EventIDs, cacheRefreshInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, draining HTTP")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Gate agent stopped with error: %v", err))
		return
	}
	log.Info("APP", "Gate agent shutdown complete")
}
