// Package syncengine drains a device's scan queue against the gate server.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/scanqueue"
	"ms-gatescan/internal/validation"
)

// Authority produces authoritative verdicts. In the agent this is the HTTP
// client for the gate server.
type Authority interface {
	Validate(ctx context.Context, attempt models.ScanAttempt) (validation.Authoritative, error)
}

type Config struct {
	Interval     time.Duration
	PassTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	RatePerSec   float64
	HealthWindow int
}

func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		PassTimeout:  30 * time.Second,
		BackoffBase:  2 * time.Second,
		BackoffMax:   5 * time.Minute,
		RatePerSec:   20,
		HealthWindow: 50,
	}
}

// errClaimed marks an entry that another sync already took or finished.
var errClaimed = errors.New("entry already claimed")

// Divergence is published when the server overturns what the device told the
// operator.
type Divergence struct {
	ScanID        string         `json:"scan_id"`
	TicketID      string         `json:"ticket_id"`
	DeviceID      string         `json:"device_id"`
	ScannedAt     time.Time      `json:"scanned_at"`
	Provisional   models.Outcome `json:"provisional"`
	Authoritative models.Outcome `json:"authoritative"`
	Message       string         `json:"message"`
}

type Engine struct {
	queue     *scanqueue.Queue
	authority Authority
	publisher notify.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	cfg       Config
	limiter   *rate.Limiter

	passMu sync.Mutex
	online atomic.Bool
	now    func() time.Time
}

func New(queue *scanqueue.Queue, authority Authority, publisher notify.Publisher, m *metrics.Metrics, log *logger.Logger, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultConfig().PassTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultConfig().HealthWindow
	}
	if publisher == nil {
		publisher = notify.Discard{}
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	e := &Engine{
		queue:     queue,
		authority: authority,
		publisher: publisher,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
	}
	e.online.Store(true)
	return e
}

// Run syncs on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.log.LogSync(e.queue.DeviceID(), fmt.Sprintf("Sync loop started (every %s)", e.cfg.Interval))
	for {
		if _, err := e.SyncNow(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("SYNC", fmt.Sprintf("Sync pass failed: %v", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Online reports whether the last call to the gate server succeeded.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SyncNow runs one pass over every due entry, oldest first. Passes never
// overlap.
func (e *Engine) SyncNow(ctx context.Context) (models.SyncHistoryEntry, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := e.now()
	passCtx, cancel := context.WithTimeout(ctx, e.cfg.PassTimeout)
	defer cancel()

	entries, err := e.queue.DequeueForSync()
	if err != nil {
		return models.SyncHistoryEntry{}, fmt.Errorf("load queue: %w", err)
	}

	entry := models.SyncHistoryEntry{DeviceID: e.queue.DeviceID(), StartedAt: start.UTC()}
	for _, qe := range entries {
		if passCtx.Err() != nil {
			entry.TimedOut = true
			break
		}
		if !e.due(qe, e.now()) {
			continue
		}
		if err := e.limiter.Wait(passCtx); err != nil {
			entry.TimedOut = true
			break
		}

		_, err := e.syncEntry(passCtx, qe)
		if errors.Is(err, errClaimed) {
			continue
		}
		entry.Processed++
		if err != nil {
			entry.Failed++
			if passCtx.Err() != nil {
				entry.TimedOut = true
			}
			continue
		}
		entry.Succeeded++
	}

	completed := e.now()
	entry.CompletedAt = completed.UTC()
	entry.Duration = completed.Sub(start)
	if secs := entry.Duration.Seconds(); secs > 0 {
		entry.Throughput = float64(entry.Processed) / secs
	}
	if entry.TimedOut && errors.Is(ctx.Err(), context.Canceled) {
		entry.TimedOut = false
	}

	if entry.Processed > 0 || entry.TimedOut {
		if err := e.queue.AppendHistory(entry); err != nil {
			e.log.Error("SYNC", fmt.Sprintf("Failed to record sync history: %v", err))
		}
		e.log.LogSync(entry.DeviceID, fmt.Sprintf("Pass done: %d processed, %d synced, %d failed in %s",
			entry.Processed, entry.Succeeded, entry.Failed, entry.Duration.Round(time.Millisecond)))
	}
	e.observePass(entry)
	return entry, nil
}

// SyncOne syncs a single entry immediately, ignoring backoff. An entry that
// is already synced returns its stored verdict.
func (e *Engine) SyncOne(ctx context.Context, scanID string) (validation.Authoritative, error) {
	qe, err := e.queue.Get(scanID)
	if err != nil {
		return validation.Authoritative{}, err
	}
	if qe.SyncStatus == models.SyncSynced {
		return storedVerdict(qe), nil
	}
	verdict, err := e.syncEntry(ctx, qe)
	if errors.Is(err, errClaimed) {
		if latest, getErr := e.queue.Get(scanID); getErr == nil && latest.SyncStatus == models.SyncSynced {
			return storedVerdict(latest), nil
		}
	}
	return verdict, err
}

func (e *Engine) syncEntry(ctx context.Context, qe models.QueueEntry) (validation.Authoritative, error) {
	scanID := qe.Attempt.ScanID
	if _, err := e.queue.MarkSyncing(scanID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return validation.Authoritative{}, fmt.Errorf("%w: %w", errClaimed, err)
		}
		return validation.Authoritative{}, err
	}

	verdict, err := e.authority.Validate(ctx, qe.Attempt)
	if err != nil {
		permanent := !IsTransient(err)
		if !permanent {
			e.online.Store(false)
		}
		failed, markErr := e.queue.MarkFailed(scanID, err, permanent)
		if markErr != nil {
			e.log.Error("SYNC", fmt.Sprintf("Failed to mark %s failed: %v", scanID, markErr))
		}
		e.count("failed")
		e.log.Warn("SYNC", fmt.Sprintf("Scan %s sync attempt %d failed (permanent=%t): %v", scanID, failed.RetryCount, failed.Terminal, err))
		return validation.Authoritative{}, err
	}

	e.online.Store(true)
	if _, err := e.queue.MarkSynced(scanID, verdict); err != nil {
		return validation.Authoritative{}, err
	}
	if err := e.queue.ApplyVerdict(verdict); err != nil {
		e.log.Warn("SYNC", fmt.Sprintf("Failed to refresh cached ticket %s: %v", verdict.TicketID, err))
	}
	e.count("synced")
	e.checkDivergence(ctx, qe, verdict)
	return verdict, nil
}

func (e *Engine) checkDivergence(ctx context.Context, qe models.QueueEntry, verdict validation.Authoritative) {
	provisional := qe.ProvisionalOutcome
	if provisional == "" || provisional == models.OutcomeError || provisional == verdict.Outcome {
		return
	}

	d := Divergence{
		ScanID:        qe.Attempt.ScanID,
		TicketID:      verdict.TicketID,
		DeviceID:      qe.Attempt.DeviceID,
		ScannedAt:     qe.Attempt.ScannedAt,
		Provisional:   provisional,
		Authoritative: verdict.Outcome,
		Message:       verdict.Message,
	}
	e.log.Warn("SYNC", fmt.Sprintf("Scan %s diverged: device said %s, server said %s (%s)", d.ScanID, d.Provisional, d.Authoritative, d.Message))
	if e.metrics != nil {
		e.metrics.Divergences.Inc()
	}
	if err := e.publisher.Publish(ctx, notify.TopicSyncDivergence, d.ScanID, d); err != nil {
		e.log.Warn("SYNC", fmt.Sprintf("Failed to publish divergence for %s: %v", d.ScanID, err))
	}
}

// due reports whether a failed entry has waited out its backoff. Pending
// entries are always due.
func (e *Engine) due(qe models.QueueEntry, now time.Time) bool {
	if qe.SyncStatus != models.SyncFailed || qe.RetryCount == 0 || qe.LastRetryAt == nil {
		return true
	}
	return !now.Before(qe.LastRetryAt.Add(e.retryDelay(qe.RetryCount)))
}

// retryDelay is the wait after the n-th failure: base * 2^(n-1), capped.
func (e *Engine) retryDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.MaxInterval = e.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Health is the share of processed entries that synced, over the recent
// history window. An idle device is healthy.
func (e *Engine) Health() (float64, error) {
	history, err := e.queue.History(e.cfg.HealthWindow)
	if err != nil {
		return 0, err
	}
	processed, succeeded := 0, 0
	for _, h := range history {
		processed += h.Processed
		succeeded += h.Succeeded
	}
	if processed == 0 {
		return 100, nil
	}
	return float64(succeeded) / float64(processed) * 100, nil
}

// IsTransient reports whether err is worth retrying. Anything the gate
// client did not mark permanent is retried.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, validation.ErrPermanent)
}

func (e *Engine) count(result string) {
	if e.metrics != nil {
		e.metrics.SyncEntries.WithLabelValues(result).Inc()
	}
}

func (e *Engine) observePass(entry models.SyncHistoryEntry) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case entry.TimedOut:
		result = "timeout"
	case entry.Failed > 0:
		result = "partial"
	}
	e.metrics.SyncPasses.WithLabelValues(result).Inc()
	e.metrics.SyncPassDuration.Observe(entry.Duration.Seconds())

	if health, err := e.Health(); err == nil {
		e.metrics.SyncHealth.Set(health)
	}
	if stats, err := e.queue.Stats(); err == nil {
		e.metrics.QueueDepth.WithLabelValues(string(models.SyncPending)).Set(float64(stats.Pending))
		e.metrics.QueueDepth.WithLabelValues(string(models.SyncSyncing)).Set(float64(stats.Syncing))
		e.metrics.QueueDepth.WithLabelValues(string(models.SyncSynced)).Set(float64(stats.Synced))
		e.metrics.QueueDepth.WithLabelValues(string(models.SyncFailed)).Set(float64(stats.Failed))
	}
}

func storedVerdict(qe models.QueueEntry) validation.Authoritative {
	v := validation.Authoritative{
		Decision: validation.Decision{
			Outcome:  qe.AuthoritativeOutcome,
			Message:  qe.AuthoritativeMessage,
			TicketID: qe.Attempt.TicketID,
			OrderID:  qe.Attempt.OrderID,
			EventID:  qe.Attempt.EventID,
		},
		ScanID:   qe.Attempt.ScanID,
		Replayed: true,
	}
	if qe.Attempt.CommittedAt != nil {
		v.CommittedAt = *qe.Attempt.CommittedAt
	}
	return v
}
