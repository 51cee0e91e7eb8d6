package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/repositories/memory"
	"github.com/upb/funding-control-plane/services/audit"
	"github.com/upb/funding-control-plane/services/settlement"
	"github.com/upb/funding-control-plane/services/txqueue"
	"go.uber.org/zap"
)

var start = time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock       *shared.FakeClock
	queue       *txqueue.Service
	audit       *audit.Service
	settlements *settlement.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	clock := shared.NewFakeClock(start)
	ids := shared.NewSequentialIDs()
	repos := repositories.New(memory.New())
	bus := events.NewBus(logger)

	return &fixture{
		clock:       clock,
		queue:       txqueue.NewService(repos, bus, txqueue.DefaultConfig(), clock, ids, logger),
		audit:       audit.NewService(repos, bus, audit.DefaultConfig(), clock, ids, logger),
		settlements: settlement.NewService(repos, bus, settlement.DefaultConfig(), clock, ids, logger),
	}
}

// request builds a request with a JSON body and chi URL params given as
// alternating key, value pairs
func request(t *testing.T, method, target string, body interface{}, params ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	}

	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(params); i += 2 {
		rctx.URLParams.Add(params[i], params[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// envelope decodes a {"data": ...} success response into dst
func envelope(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}
