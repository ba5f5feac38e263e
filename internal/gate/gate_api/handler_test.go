package gate_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-gatescan/internal/batch"
	"ms-gatescan/internal/gate"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/payload"
	"ms-gatescan/internal/scanqueue"
	"ms-gatescan/internal/syncengine"
	"ms-gatescan/internal/utils"
	"ms-gatescan/internal/validation"
)

type gateServer struct {
	mu   sync.Mutex
	used map[string]string
	down atomic.Bool
}

func (s *gateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Unavailable", "down"))
		return
	}
	switch r.URL.Path {
	case "/api/scans":
		var attempt models.ScanAttempt
		_ = json.NewDecoder(r.Body).Decode(&attempt)
		s.mu.Lock()
		d := validation.Decision{Outcome: models.OutcomeValid, Message: "admit", TicketID: attempt.TicketID, Admit: true}
		if by, ok := s.used[attempt.TicketID]; ok && by != attempt.ScanID {
			d = validation.Decision{Outcome: models.OutcomeUsed, Message: "ticket already used", TicketID: attempt.TicketID}
		} else {
			s.used[attempt.TicketID] = attempt.ScanID
		}
		s.mu.Unlock()
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Scan validated", validation.Authoritative{
			Decision: d, ScanID: attempt.ScanID, CommittedAt: time.Now().UTC(),
		}))
	case "/api/events/evt-1/tickets":
		ends := time.Now().Add(4 * time.Hour)
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tickets", []models.TicketSnapshot{
			{Ticket: models.Ticket{TicketID: "t-1", OrderID: "ord-1", EventID: "evt-1", Status: models.TicketValid}, EventEndsAt: ends},
			{Ticket: models.Ticket{TicketID: "t-2", OrderID: "ord-1", EventID: "evt-1", Status: models.TicketValid}, EventEndsAt: ends},
		}))
	case "/api/orders/ord-1/party-size":
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Party size", map[string]any{"order_id": "ord-1", "party_size": 4}))
	default:
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", r.URL.Path))
	}
}

type agent struct {
	server *gateServer
	codec  *payload.Codec
	queue  *scanqueue.Queue
	router http.Handler
}

func newAgent(t *testing.T) *agent {
	t.Helper()
	gs := &gateServer{used: map[string]string{}}
	srv := httptest.NewServer(gs)
	t.Cleanup(srv.Close)

	q, err := scanqueue.Open(scanqueue.Config{InMemory: true, DeviceID: "gate-a", MaxRetries: 10})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	log := logger.NewDiscardLogger()
	client := gate.NewClient(srv.URL, time.Second, nil, log)
	cfg := syncengine.DefaultConfig()
	cfg.BackoffBase = time.Nanosecond
	cfg.BackoffMax = time.Nanosecond
	engine := syncengine.New(q, client, nil, nil, log, cfg)
	codec := payload.NewCodec("agent-secret")
	device := gate.NewDevice("gate-a", q, engine, client, codec, 2*time.Hour, time.Second, log)
	require.NoError(t, device.RefreshCache(context.Background(), []string{"evt-1"}))

	h := &Handler{
		Device:   device,
		Queue:    q,
		Engine:   engine,
		Approver: batch.NewApprover(engine, log),
		Parties:  client,
		Logger:   log,
	}
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return &agent{server: gs, codec: codec, queue: q, router: r}
}

func (a *agent) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	if out != nil {
		var env utils.Envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		if len(env.Data) > 0 {
			require.NoError(t, json.Unmarshal(env.Data, out))
		}
	}
	return rec.Code
}

func (a *agent) code(t *testing.T, ticketID string) string {
	t.Helper()
	raw, err := a.codec.Seal(payload.TicketRef{TicketID: ticketID, OrderID: "ord-1", EventID: "evt-1"})
	require.NoError(t, err)
	return raw
}

func TestScanAndQueueViews(t *testing.T) {
	a := newAgent(t)

	var res gate.ScanResult
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/scan",
		scanRequest{Payload: a.code(t, "t-1")}, &res))
	assert.Equal(t, models.OutcomeValid, res.Outcome)
	assert.NotNil(t, res.Authoritative)

	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/scan",
		scanRequest{Payload: a.code(t, "t-1")}, &res))
	assert.Equal(t, models.OutcomeUsed, res.Outcome)

	var stats models.QueueStats
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/queue/stats", nil, &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Synced)

	var entry models.QueueEntry
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/queue/"+res.ScanID, nil, &entry))
	assert.Equal(t, models.OutcomeUsed, entry.AuthoritativeOutcome)
	assert.NotEmpty(t, entry.Attempt.Metadata.IPAddress)

	var entries []models.QueueEntry
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/queue?status=pending,failed", nil, &entries))
	assert.Empty(t, entries)

	var pruned map[string]int
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/queue/prune?older_than=0s", nil, &pruned))
	assert.Equal(t, 2, pruned["removed"])

	assert.Equal(t, http.StatusBadRequest, a.call(t, http.MethodPost, "/api/queue/prune?older_than=soon", nil, nil))
	assert.Equal(t, http.StatusNotFound, a.call(t, http.MethodGet, "/api/queue/missing", nil, nil))
}

func TestOfflineBatchApproval(t *testing.T) {
	a := newAgent(t)
	a.server.down.Store(true)

	for _, id := range []string{"t-1", "t-2"} {
		var res gate.ScanResult
		require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/scan", scanRequest{Payload: a.code(t, id)}, &res))
		assert.Equal(t, models.OutcomeValid, res.Outcome)
		assert.NotNil(t, res.Provisional)
	}

	var health healthResponse
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/sync/health", nil, &health))
	assert.False(t, health.Online)
	assert.Equal(t, 2, health.Queue.Total)

	a.server.down.Store(false)

	var groups []batch.Group
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/batches", nil, &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "ord-1", groups[0].OrderID)
	assert.Equal(t, 4, groups[0].PartySize)
	assert.True(t, groups[0].FromOrder)
	assert.Len(t, groups[0].Entries, 2)

	var results []batch.MemberResult
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/batches/ord-1/approve", nil, &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Empty(t, r.Error)
		require.NotNil(t, r.Verdict)
		assert.Equal(t, models.OutcomeValid, r.Verdict.Outcome)
	}

	var g batch.Group
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/batches/ord-1?remove_invalid=true", nil, &g))
	assert.Equal(t, 2, g.Valid)

	assert.Equal(t, http.StatusNotFound, a.call(t, http.MethodGet, "/api/batches/ord-9", nil, nil))
}

func TestSyncEndpoints(t *testing.T) {
	a := newAgent(t)
	a.server.down.Store(true)

	var res gate.ScanResult
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/scan", scanRequest{Payload: a.code(t, "t-1")}, &res))

	var pass models.SyncHistoryEntry
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/sync", nil, &pass))
	assert.Equal(t, 1, pass.Failed)

	a.server.down.Store(false)
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/sync", nil, &pass))
	assert.Equal(t, 1, pass.Succeeded)

	var history []models.SyncHistoryEntry
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/sync/history?limit=5", nil, &history))
	assert.Len(t, history, 2)

	var health healthResponse
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/sync/health", nil, &health))
	assert.True(t, health.Online)
	assert.Equal(t, "gate-a", health.DeviceID)
}
