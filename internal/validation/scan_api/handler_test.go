package scan_api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-gatescan/internal/db"
	"ms-gatescan/internal/db/dbtest"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/metrics"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/notify"
	"ms-gatescan/internal/payload"
	"ms-gatescan/internal/utils"
	"ms-gatescan/internal/validation"
)

type fixture struct {
	store   *db.DB
	hub     *notify.Hub
	metrics *metrics.Metrics
	codec   *payload.Codec
	router  chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := dbtest.New(t)
	now := time.Now().UTC()
	six := 6

	require.NoError(t, store.CreateEvent(ctx, &models.Event{EventID: "evt-1", Name: "Harbour Nights", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(3 * time.Hour)}))
	require.NoError(t, store.CreateOrder(ctx, &models.Order{OrderID: "ord-1", EventID: "evt-1", PartySize: &six}))
	require.NoError(t, store.CreateOrder(ctx, &models.Order{OrderID: "ord-2", EventID: "evt-1"}))
	for _, id := range []string{"t-1", "t-2"} {
		require.NoError(t, store.CreateTicket(ctx, &models.Ticket{TicketID: id, OrderID: "ord-1", EventID: "evt-1", Status: models.TicketValid}))
	}

	log := logger.NewDiscardLogger()
	f := &fixture{
		store:   store,
		hub:     notify.NewHub(),
		metrics: metrics.New(prometheus.NewRegistry()),
		codec:   payload.NewCodec("qr-secret"),
	}
	svc := validation.NewService(store, f.codec, log, validation.DefaultExpiryGrace, time.Second)
	svc.Observe(NewCommitFeed(f.hub, f.metrics, log))

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		NewHandler(svc, store, f.codec, log).RegisterRoutes(r)
		NewStreamHandler(f.hub, log).RegisterRoutes(r)
	})
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, utils.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env utils.Envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (f *fixture) scan(t *testing.T, ticketID string) models.ScanAttempt {
	t.Helper()
	raw, err := f.codec.Seal(payload.TicketRef{TicketID: ticketID, OrderID: "ord-1", EventID: "evt-1"})
	require.NoError(t, err)
	return models.ScanAttempt{ScanID: uuid.NewString(), RawPayload: raw, DeviceID: "gate-a", ScannedAt: time.Now().UTC()}
}

func TestValidateScanEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logged := f.hub.Subscribe(ctx, notify.TopicScanLogged)

	first := f.scan(t, "t-1")
	rec, env := f.do(t, http.MethodPost, "/api/scans", first)
	require.Equal(t, http.StatusOK, rec.Code)
	var verdict validation.Authoritative
	require.NoError(t, json.Unmarshal(env.Data, &verdict))
	assert.Equal(t, models.OutcomeValid, verdict.Outcome)
	assert.Equal(t, first.ScanID, verdict.ScanID)

	select {
	case msg := <-logged:
		assert.Equal(t, first.ScanID, msg.Key)
	case <-time.After(time.Second):
		t.Fatal("scan.logged not published")
	}

	// A second device presenting the same ticket.
	rec, env = f.do(t, http.MethodPost, "/api/scans", f.scan(t, "t-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &verdict))
	assert.Equal(t, models.OutcomeUsed, verdict.Outcome)

	// A retried submission of the first scan replays its verdict.
	rec, env = f.do(t, http.MethodPost, "/api/scans", first)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &verdict))
	assert.Equal(t, models.OutcomeValid, verdict.Outcome)
	assert.True(t, verdict.Replayed)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ScanOutcomes.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ScanOutcomes.WithLabelValues("used")))
}

func TestValidateScanRejectsMissingScanID(t *testing.T) {
	f := newFixture(t)
	attempt := f.scan(t, "t-1")
	attempt.ScanID = ""

	rec, env := f.do(t, http.MethodPost, "/api/scans", attempt)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, env.Success)

	req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTicketSnapshots(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/events/evt-1/tickets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshots []models.TicketSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snapshots))
	require.Len(t, snapshots, 2)
	assert.False(t, snapshots[0].EventEndsAt.IsZero())

	rec, _ = f.do(t, http.MethodGet, "/api/events/nope/tickets", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPartySize(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/orders/ord-1/party-size", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"order_id":"ord-1","party_size":6}`, string(env.Data))

	rec, env = f.do(t, http.MethodGet, "/api/orders/ord-2/party-size", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"order_id":"ord-2","party_size":null}`, string(env.Data))

	rec, _ = f.do(t, http.MethodGet, "/api/orders/ord-9/party-size", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTicketQR(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/t-1/qr?size=128", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec, _ = f.do(t, http.MethodGet, "/api/tickets/missing/qr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamDeliversTopic(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stream/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/"+notify.TopicDiscrepancyCreated, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream;charset=UTF-8", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: connected", lines.Text())

	require.Eventually(t, func() bool { return f.hub.SubscriberCount(notify.TopicDiscrepancyCreated) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, f.hub.Publish(ctx, notify.TopicDiscrepancyCreated, "disc-1", map[string]int{"discrepancy": 6}))

	var got []string
	for lines.Scan() {
		if lines.Text() == "" && len(got) > 0 && strings.HasPrefix(got[len(got)-1], "data: {\"discrepancy\"") {
			break
		}
		got = append(got, lines.Text())
	}
	assert.Contains(t, got, "id: disc-1")
	assert.Contains(t, got, "event: discrepancy.created")
	assert.Contains(t, got, `data: {"discrepancy":6}`)
}
