package syncengine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/scanqueue"
	"ms-gatescan/internal/validation"
)

type fakeAuthority struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, attempt models.ScanAttempt) (validation.Authoritative, error)
}

func (f *fakeAuthority) Validate(ctx context.Context, attempt models.ScanAttempt) (validation.Authoritative, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, attempt)
}

func (f *fakeAuthority) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func verdict(outcome models.Outcome) func(context.Context, models.ScanAttempt) (validation.Authoritative, error) {
	return func(_ context.Context, a models.ScanAttempt) (validation.Authoritative, error) {
		return validation.Authoritative{
			Decision: validation.Decision{Outcome: outcome, Message: string(outcome), TicketID: a.RawPayload},
			ScanID:   a.ScanID,
		}, nil
	}
}

func failing(err error) func(context.Context, models.ScanAttempt) (validation.Authoritative, error) {
	return func(context.Context, models.ScanAttempt) (validation.Authoritative, error) {
		return validation.Authoritative{}, err
	}
}

type fixture struct {
	queue     *scanqueue.Queue
	authority *fakeAuthority
	hub       *notify.Hub
	metrics   *metrics.Metrics
	engine    *Engine
	clock     time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	q, err := scanqueue.Open(scanqueue.Config{InMemory: true, DeviceID: "gate-a", MaxRetries: 10})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	f := &fixture{
		queue:     q,
		authority: &fakeAuthority{fn: verdict(models.OutcomeValid)},
		hub:       notify.NewHub(),
		metrics:   metrics.New(prometheus.NewRegistry()),
		clock:     time.Now(),
	}
	f.engine = New(q, f.authority, f.hub, f.metrics, logger.NewDiscardLogger(), cfg)
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) enqueue(t *testing.T, provisional models.Outcome) models.QueueEntry {
	t.Helper()
	entry, err := f.queue.Enqueue(models.ScanAttempt{
		ScanID:             uuid.NewString(),
		RawPayload:         uuid.NewString(),
		ScannedAt:          time.Now().UTC(),
		ProvisionalOutcome: provisional,
	})
	require.NoError(t, err)
	return entry
}

func TestSyncNowCommitsPendingEntries(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := f.enqueue(t, "")
	b := f.enqueue(t, "")

	pass, err := f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Processed)
	assert.Equal(t, 2, pass.Succeeded)
	assert.False(t, pass.TimedOut)

	for _, e := range []models.QueueEntry{a, b} {
		got, err := f.queue.Get(e.Attempt.ScanID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSynced, got.SyncStatus)
		assert.Equal(t, models.OutcomeValid, got.AuthoritativeOutcome)
	}

	history, err := f.queue.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Succeeded)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SyncEntries.WithLabelValues("synced")))
}

func TestTransientFailureBacksOff(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.authority.fn = failing(fmt.Errorf("%w: gateway timeout", validation.ErrTransient))
	entry := f.enqueue(t, "")

	pass, err := f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Failed)
	assert.False(t, f.engine.Online())

	got, err := f.queue.Get(entry.Attempt.ScanID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, got.SyncStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.Terminal)

	// Still inside the 2s backoff window.
	f.clock = got.LastRetryAt.Add(time.Second)
	pass, err = f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pass.Processed)
	assert.Equal(t, 1, f.authority.Calls())

	f.authority.fn = verdict(models.OutcomeValid)
	f.clock = got.LastRetryAt.Add(3 * time.Second)
	pass, err = f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Succeeded)
	assert.True(t, f.engine.Online())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.authority.fn = failing(fmt.Errorf("%w: rejected by server", validation.ErrPermanent))
	entry := f.enqueue(t, "")

	_, err := f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, f.engine.Online())

	got, err := f.queue.Get(entry.Attempt.ScanID)
	require.NoError(t, err)
	assert.True(t, got.Terminal)

	f.clock = f.clock.Add(time.Hour)
	pass, err := f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pass.Processed)
	assert.Equal(t, 1, f.authority.Calls())
}

func TestRetryBoundStopsAfterTenAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Nanosecond
	cfg.BackoffMax = time.Nanosecond
	f := newFixture(t, cfg)
	f.authority.fn = failing(fmt.Errorf("%w: store unavailable", validation.ErrTransient))
	entry := f.enqueue(t, "")

	for i := 0; i < 15; i++ {
		f.clock = f.clock.Add(time.Second)
		_, err := f.engine.SyncNow(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 10, f.authority.Calls())
	got, err := f.queue.Get(entry.Attempt.ScanID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.RetryCount)
	assert.True(t, got.Terminal)

	failed, err := f.queue.PermanentlyFailed()
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestPassTimeoutResetsInterruptedEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PassTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.authority.fn = func(ctx context.Context, _ models.ScanAttempt) (validation.Authoritative, error) {
		<-ctx.Done()
		return validation.Authoritative{}, ctx.Err()
	}
	entry := f.enqueue(t, "")
	f.enqueue(t, "")

	pass, err := f.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, pass.TimedOut)
	assert.Equal(t, 1, pass.Processed)

	got, err := f.queue.Get(entry.Attempt.ScanID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, got.SyncStatus)
	assert.False(t, got.Terminal)

	stats, err := f.queue.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Syncing)
	assert.Equal(t, 1, stats.Pending)
}

func TestDivergenceIsPublished(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := f.hub.Subscribe(ctx, notify.TopicSyncDivergence)

	f.authority.fn = verdict(models.OutcomeUsed)
	entry := f.enqueue(t, models.OutcomeValid)
	f.enqueue(t, models.OutcomeUsed)
	f.enqueue(t, models.OutcomeError)

	_, err := f.engine.SyncNow(ctx)
	require.NoError(t, err)

	select {
	case msg := <-stream:
		assert.Equal(t, entry.Attempt.ScanID, msg.Key)
		assert.Contains(t, string(msg.Payload), `"provisional":"valid"`)
		assert.Contains(t, string(msg.Payload), `"authoritative":"used"`)
	case <-time.After(time.Second):
		t.Fatal("no divergence published")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Divergences))
}

func TestSyncOne(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	entry := f.enqueue(t, "")

	v, err := f.engine.SyncOne(context.Background(), entry.Attempt.ScanID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeValid, v.Outcome)
	assert.False(t, v.Replayed)

	again, err := f.engine.SyncOne(context.Background(), entry.Attempt.ScanID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeValid, again.Outcome)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, f.authority.Calls())

	_, err = f.engine.SyncOne(context.Background(), "unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	health, err := f.engine.Health()
	require.NoError(t, err)
	assert.Equal(t, 100.0, health)

	f.enqueue(t, "")
	f.enqueue(t, "")
	f.enqueue(t, "")
	calls := 0
	f.authority.fn = func(ctx context.Context, a models.ScanAttempt) (validation.Authoritative, error) {
		calls++
		if calls == 2 {
			return validation.Authoritative{}, fmt.Errorf("%w: flaky", validation.ErrTransient)
		}
		return verdict(models.OutcomeValid)(ctx, a)
	}

	_, err = f.engine.SyncNow(context.Background())
	require.NoError(t, err)

	health, err = f.engine.Health()
	require.NoError(t, err)
	assert.InDelta(t, 66.67, health, 0.01)
	assert.InDelta(t, 66.67, testutil.ToFloat64(f.metrics.SyncHealth), 0.01)
}

func TestRetryDelay(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, DefaultConfig())

	assert.Equal(t, 2*time.Second, e.retryDelay(1))
	assert.Equal(t, 4*time.Second, e.retryDelay(2))
	assert.Equal(t, 8*time.Second, e.retryDelay(3))
	assert.Equal(t, 5*time.Minute, e.retryDelay(10))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", validation.ErrTransient)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(fmt.Errorf("wrap: %w", validation.ErrPermanent)))
	assert.False(t, IsTransient(nil))
}

func TestPassSkipsEntrySyncedMeanwhile(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := f.enqueue(t, "")
	b := f.enqueue(t, "")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.authority.fn = func(ctx context.Context, attempt models.ScanAttempt) (validation.Authoritative, error) {
		if attempt.ScanID == a.Attempt.ScanID {
			close(entered)
			<-release
		}
		return verdict(models.OutcomeValid)(ctx, attempt)
	}

	done := make(chan models.SyncHistoryEntry, 1)
	go func() {
		pass, err := f.engine.SyncNow(context.Background())
		assert.NoError(t, err)
		done <- pass
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never reached the first entry")
	}
	v, err := f.engine.SyncOne(context.Background(), b.Attempt.ScanID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeValid, v.Outcome)
	close(release)

	var pass models.SyncHistoryEntry
	select {
	case pass = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not finish")
	}
	assert.Equal(t, 1, pass.Processed)
	assert.Equal(t, 1, pass.Succeeded)
	assert.Zero(t, pass.Failed)
	assert.Equal(t, 2, f.authority.Calls())

	for _, e := range []models.QueueEntry{a, b} {
		got, err := f.queue.Get(e.Attempt.ScanID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSynced, got.SyncStatus)
	}
	health, err := f.engine.Health()
	require.NoError(t, err)
	assert.Equal(t, 100.0, health)
	assert.Zero(t, testutil.ToFloat64(f.metrics.SyncEntries.WithLabelValues("failed")))
}
