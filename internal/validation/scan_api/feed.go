package scan_api

import (
	"context"
	"fmt"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/validation"
)

// CommitFeed announces committed scans on scan.logged and counts outcomes.
type CommitFeed struct {
	publisher notify.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
}

func NewCommitFeed(publisher notify.Publisher, m *metrics.Metrics, log *logger.Logger) *CommitFeed {
	return &CommitFeed{publisher: publisher, metrics: m, log: log}
}

// ScannedEvent is the scan.logged payload.
type ScannedEvent struct {
	Attempt models.ScanAttempt       `json:"attempt"`
	Verdict validation.Authoritative `json:"verdict"`
}

func (f *CommitFeed) ScanCommitted(ctx context.Context, attempt models.ScanAttempt, verdict validation.Authoritative) {
	if f.metrics != nil {
		f.metrics.ScanOutcomes.WithLabelValues(string(verdict.Outcome)).Inc()
	}
	if f.publisher == nil {
		return
	}
	if err := f.publisher.Publish(ctx, notify.TopicScanLogged, attempt.ScanID, ScannedEvent{Attempt: attempt, Verdict: verdict}); err != nil {
		f.log.Warn("SCAN", fmt.Sprintf("Failed to publish scan %s: %v", attempt.ScanID, err))
	}
}
