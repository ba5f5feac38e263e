package main

import (
	"time"

	"ms-gatescan/internal/config"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/notify"
)

// divergencePublisher sends sync divergences to Kafka when it is enabled.
// Writes are bounded so a flaky broker cannot stall a sync pass.
func divergencePublisher(cfg config.KafkaConfig, log *logger.Logger) (notify.Publisher, func() error) {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		return notify.Discard{}, func() error { return nil }
	}
	p := notify.NewKafkaPublisher(cfg.Brokers, map[string]string{
		notify.TopicSyncDivergence: cfg.Topics.SyncDivergence,
	}, log)
	p.Writer.WriteTimeout = 5 * time.Second
	p.Writer.MaxAttempts = 3
	return p, p.Close
}
