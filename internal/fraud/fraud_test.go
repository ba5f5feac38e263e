package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-gatescan/internal/config"
	"ms-gatescan/internal/db"
	"ms-gatescan/internal/db/dbtest"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/validation"
)

var venue = &models.Event{EventID: "evt-1", Name: "Summer Open Air", VenueLat: 52.5200, VenueLng: 13.4050}

type fixture struct {
	store   *db.DB
	redis   *miniredis.Miniredis
	hub     *notify.Hub
	metrics *metrics.Metrics
	scorer  *Scorer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store:   dbtest.New(t),
		redis:   mr,
		hub:     notify.NewHub(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	cfg := config.FraudConfig{
		VenueRadiusKm:        2,
		FingerprintWindow:    10 * time.Minute,
		FingerprintMaxTicket: 3,
		IPWindow:             time.Minute,
		IPMaxScans:           5,
		MaxTravelSpeedKmh:    900,
	}
	f.scorer = NewScorer(f.store, NewRedisSignals(client), f.hub, f.metrics, logger.NewDiscardLogger(), cfg)
	return f
}

func at(lat, lng float64) models.ScanMetadata {
	return models.ScanMetadata{Latitude: &lat, Longitude: &lng}
}

func scan(ticketID string, meta models.ScanMetadata) models.ScanAttempt {
	return models.ScanAttempt{
		ScanID:    uuid.NewString(),
		TicketID:  ticketID,
		OrderID:   "ord-1",
		EventID:   "evt-1",
		DeviceID:  "gate-a",
		ScannedAt: time.Now().UTC(),
		Metadata:  meta,
	}
}

func valid(ticketID string) validation.Decision {
	return validation.Decision{Outcome: models.OutcomeValid, TicketID: ticketID, OrderID: "ord-1", EventID: "evt-1"}
}

func TestAssessCapsAtHundred(t *testing.T) {
	indicators := []models.FraudIndicator{
		{Type: IndicatorImpossibleTravel, Score: 40},
		{Type: IndicatorFingerprintReuse, Score: 35},
		{Type: IndicatorGeoFarFromVenue, Score: 30},
		{Type: IndicatorIPVelocity, Score: 25},
		{Type: IndicatorRepeatPresentation, Score: 10},
	}
	score, severity := Assess(indicators)
	assert.Equal(t, 100, score)
	assert.Equal(t, models.SeverityCritical, severity)

	score, severity = Assess(indicators[3:])
	assert.Equal(t, 35, score)
	assert.Equal(t, models.SeverityLow, severity)
}

func TestCleanScanIsNotLogged(t *testing.T) {
	f := newFixture(t)
	attempt := scan("t-1", at(52.5205, 13.4049))

	row, err := f.scorer.Score(context.Background(), attempt, valid("t-1"), ScanContext{Event: venue})
	require.NoError(t, err)
	assert.Nil(t, row)

	open, err := f.store.ListOpenFraudLogs(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestFarFromVenueAndRepeat(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := f.hub.Subscribe(ctx, notify.TopicFraudFlagged)

	// Munich, ~500 km from the venue.
	attempt := scan("t-1", at(48.1351, 11.5820))
	decision := validation.Decision{Outcome: models.OutcomeUsed, TicketID: "t-1", EventID: "evt-1"}

	row, err := f.scorer.Score(ctx, attempt, decision, ScanContext{Event: venue})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 50, row.RiskScore)
	assert.Equal(t, models.SeverityMedium, row.Severity)
	require.Len(t, row.Indicators, 2)
	assert.Equal(t, IndicatorGeoFarFromVenue, row.Indicators[0].Type)
	assert.Equal(t, IndicatorRepeatPresentation, row.Indicators[1].Type)

	stored, err := f.store.GetFraudLog(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.RiskScore)
	assert.True(t, stored.Open())

	select {
	case msg := <-stream:
		assert.Equal(t, row.ID, msg.Key)
	case <-time.After(time.Second):
		t.Fatal("fraud.flagged not published")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FraudFlags.WithLabelValues("medium")))
}

func TestFingerprintReuseAcrossTickets(t *testing.T) {
	f := newFixture(t)
	meta := models.ScanMetadata{DeviceFingerprint: "fp-123"}

	var last *models.FraudLog
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("t-%d", i)
		row, err := f.scorer.Score(context.Background(), scan(id, meta), valid(id), ScanContext{})
		require.NoError(t, err)
		if i <= 3 {
			assert.Nil(t, row, "ticket %d within limit", i)
		}
		last = row
	}
	require.NotNil(t, last)
	assert.Equal(t, IndicatorFingerprintReuse, last.Indicators[0].Type)

	// The same ticket again does not grow the set.
	row, err := f.scorer.Score(context.Background(), scan("t-4", meta), valid("t-4"), ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Contains(t, row.Indicators[0].Description, "4 distinct tickets")

	f.redis.FastForward(11 * time.Minute)
	row, err = f.scorer.Score(context.Background(), scan("t-5", meta), valid("t-5"), ScanContext{})
	require.NoError(t, err)
	assert.Nil(t, row, "window expired")
}

func TestIPVelocity(t *testing.T) {
	f := newFixture(t)
	meta := models.ScanMetadata{IPAddress: "10.0.0.7"}

	flagged := 0
	for i := 0; i < 7; i++ {
		id := uuid.NewString()
		row, err := f.scorer.Score(context.Background(), scan(id, meta), valid(id), ScanContext{})
		require.NoError(t, err)
		if row != nil {
			flagged++
			assert.Equal(t, IndicatorIPVelocity, row.Indicators[0].Type)
		}
	}
	assert.Equal(t, 2, flagged)
}

func TestImpossibleTravel(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	first := scan("t-1", at(52.5200, 13.4050))
	first.ScannedAt = now
	row, err := f.scorer.Score(context.Background(), first, valid("t-1"), ScanContext{})
	require.NoError(t, err)
	assert.Nil(t, row)

	// Paris ten minutes later.
	second := scan("t-2", at(48.8566, 2.3522))
	second.ScannedAt = now.Add(10 * time.Minute)
	row, err = f.scorer.Score(context.Background(), second, valid("t-2"), ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, IndicatorImpossibleTravel, row.Indicators[0].Type)
	assert.Equal(t, 40, row.RiskScore)
}

func TestProvisionalDivergence(t *testing.T) {
	f := newFixture(t)
	attempt := scan("t-1", models.ScanMetadata{})
	attempt.ProvisionalOutcome = models.OutcomeValid

	row, err := f.scorer.Score(context.Background(), attempt, validation.Decision{Outcome: models.OutcomeCancelled, TicketID: "t-1"}, ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, IndicatorProvisionalDivergence, row.Indicators[0].Type)
}

func TestScoreOncePerScan(t *testing.T) {
	f := newFixture(t)
	attempt := scan("t-1", models.ScanMetadata{})
	used := validation.Decision{Outcome: models.OutcomeUsed, TicketID: "t-1"}

	first, err := f.scorer.Score(context.Background(), attempt, used, ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.scorer.Score(context.Background(), attempt, used, ScanContext{})
	require.NoError(t, err)
	assert.Nil(t, second)

	open, err := f.store.ListOpenFraudLogs(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestTriageIsTerminal(t *testing.T) {
	f := newFixture(t)
	triage := NewTriage(f.store, logger.NewDiscardLogger())
	ctx := context.Background()

	row, err := f.scorer.Score(ctx, scan("t-1", models.ScanMetadata{}), validation.Decision{Outcome: models.OutcomeUsed, TicketID: "t-1"}, ScanContext{})
	require.NoError(t, err)
	require.NotNil(t, row)

	_, err = triage.ConfirmFraud(ctx, row.ID, "sup-1", "   ")
	assert.ErrorIs(t, err, models.ErrNotesRequired)

	confirmed, err := triage.ConfirmFraud(ctx, row.ID, "sup-1", "same ticket shared on social media")
	require.NoError(t, err)
	assert.True(t, confirmed.IsConfirmedFraud)
	assert.False(t, confirmed.IsWhitelisted)
	assert.Equal(t, "sup-1", confirmed.TriagedBy)

	after, err := triage.Whitelist(ctx, row.ID, "sup-2", "changed my mind")
	assert.ErrorIs(t, err, models.ErrConflict)
	require.NotNil(t, after)
	assert.True(t, after.IsConfirmedFraud)
	assert.False(t, after.IsWhitelisted)
	assert.Equal(t, "same ticket shared on social media", after.InvestigationNotes)

	_, err = triage.Whitelist(ctx, "missing", "sup-2", "note")
	assert.ErrorIs(t, err, models.ErrNotFound)

	open, err := triage.ListOpen(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestScanCommittedLoadsVenue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateEvent(ctx, &models.Event{
		EventID: "evt-1", Name: "Summer Open Air", VenueLat: venue.VenueLat, VenueLng: venue.VenueLng,
		StartsAt: time.Now(), EndsAt: time.Now().Add(4 * time.Hour),
	}))

	attempt := scan("t-1", at(48.1351, 11.5820))
	f.scorer.ScanCommitted(ctx, attempt, validation.Authoritative{Decision: valid("t-1"), ScanID: attempt.ScanID})

	open, err := f.store.ListOpenFraudLogs(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, IndicatorGeoFarFromVenue, open[0].Indicators[0].Type)
}
