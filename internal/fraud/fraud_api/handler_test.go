package fraud_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/db/dbtest"
	"ms-gatescan/internal/fraud"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/utils"
)

func call(t *testing.T, r http.Handler, method, path string, body any) (int, utils.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(auth.OperatorHeader, "sup-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env utils.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestTriageEndpoints(t *testing.T) {
	store := dbtest.New(t)
	ctx := context.Background()
	for i, score := range []int{55, 90} {
		_, err := store.UpsertFraudLog(ctx, &models.FraudLog{
			ID:         []string{"fl-1", "fl-2"}[i],
			ScanID:     []string{"scan-1", "scan-2"}[i],
			EventID:    "evt-1",
			RiskScore:  score,
			Severity:   models.SeverityForScore(score),
			Indicators: []models.FraudIndicator{{Type: fraud.IndicatorRepeatPresentation, Score: score}},
			CreatedAt:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	log := logger.NewDiscardLogger()
	mw, err := auth.Middleware(ctx, "")
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Use(mw)
	r.Route("/api", NewHandler(fraud.NewTriage(store, log), log).RegisterRoutes)

	code, env := call(t, r, http.MethodGet, "/api/fraud/logs?event_id=evt-1", nil)
	require.Equal(t, http.StatusOK, code)
	var open []models.FraudLog
	require.NoError(t, json.Unmarshal(env.Data, &open))
	require.Len(t, open, 2)
	assert.Equal(t, "fl-2", open[0].ID, "highest risk first")

	code, _ = call(t, r, http.MethodPost, "/api/fraud/logs/fl-2/confirm", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = call(t, r, http.MethodPost, "/api/fraud/logs/fl-2/confirm", map[string]string{"notes": "ticket resold twice"})
	require.Equal(t, http.StatusOK, code)
	var row models.FraudLog
	require.NoError(t, json.Unmarshal(env.Data, &row))
	assert.True(t, row.IsConfirmedFraud)
	assert.Equal(t, "sup-1", row.TriagedBy)

	code, _ = call(t, r, http.MethodPost, "/api/fraud/logs/fl-2/whitelist", map[string]string{"notes": "oops"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(t, r, http.MethodPost, "/api/fraud/logs/fl-1/whitelist", map[string]string{"notes": "family sharing one phone"})
	assert.Equal(t, http.StatusOK, code)

	code, env = call(t, r, http.MethodGet, "/api/fraud/logs", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &open))
	assert.Empty(t, open)

	code, _ = call(t, r, http.MethodGet, "/api/fraud/logs/none", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
