package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-router/internal/common/logging"
	"lead-router/internal/config"
	"lead-router/internal/models"
	"lead-router/internal/routing"
	"lead-router/internal/rules"
	"lead-router/internal/storage/memory"
)

const seedYAML = `
workspaces:
  - id: w1
    name: Inbound
    routing: {enabled: true}
  - id: w2
    name: West Coast Sales
    routing: {enabled: true}
rules:
  - name: tech-to-w2
    source_workspace_id: w1
    destination_workspace_id: w2
    priority: 10
    active: true
    conditions:
      - type: industry_in
        values: [Technology]
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	return path
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("DATABASE_TYPE", "memory")
	t.Setenv("RULES_FILE", writeSeed(t))
	t.Setenv("ROUTER_LOCK_WAIT", "50ms")
	t.Setenv("ROUTER_BACKOFF_BASE", "1ms")
	t.Setenv("ROUTER_BACKOFF_MAX", "5ms")

	cfg := config.Load()
	require.NoError(t, cfg.Validate())

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)
	return app
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestNewWiresComponents(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.Storage)
	assert.NotNil(t, app.Breaker)
	assert.Nil(t, app.RedisClient)
	assert.NotNil(t, app.Locks)
	assert.NotNil(t, app.Publisher)
	assert.NotNil(t, app.Router)
	assert.NotNil(t, app.Processor)
	require.NotNil(t, app.Scheduler, "default schedule enables the scheduler")

	active, err := app.Storage.ListActiveRules(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, SeedRuleID(active[0]), active[0].ID)

	rc := app.RouterConfig()
	assert.Equal(t, app.Config.Router.MaxRetries, rc.MaxRetries)
	assert.Equal(t, app.Config.Queue.MaxAttempts, rc.QueueMaxAttempts)
	assert.Equal(t, app.Config.Queue.BatchSize, app.QueueConfig().BatchSize)
}

func TestNewRejectsUnsupportedBackends(t *testing.T) {
	t.Run("events backend without redis", func(t *testing.T) {
		t.Setenv("DATABASE_TYPE", "memory")
		cfg := config.Load()
		cfg.Events.Backend = "redis"

		_, err := New(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "initialize events")
	})

	t.Run("bad rules file", func(t *testing.T) {
		t.Setenv("DATABASE_TYPE", "memory")
		t.Setenv("RULES_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		cfg := config.Load()

		_, err := New(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "initialize rules")
	})
}

func TestApplySeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed, err := rules.Parse([]byte(seedYAML))
	require.NoError(t, err)

	first, err := ApplySeed(ctx, store, seed, logging.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, SeedSummary{WorkspacesCreated: 2, RulesCreated: 1}, first)

	second, err := ApplySeed(ctx, store, seed, logging.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, SeedSummary{WorkspacesSkipped: 2, RulesSkipped: 1}, second)

	active, err := store.ListActiveRules(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSeedRuleIDIsStable(t *testing.T) {
	r := rules.Rule{SourceWorkspaceID: "w1", DestinationWorkspaceID: "w2", Name: "tech"}
	assert.Equal(t, SeedRuleID(r), SeedRuleID(r))

	other := r
	other.Name = "tech-2"
	assert.NotEqual(t, SeedRuleID(r), SeedRuleID(other))
}

type leadResponse struct {
	Lead    models.Lead           `json:"lead"`
	Routing routing.RoutingResult `json:"routing"`
}

func TestHTTPRoutingFlow(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	var routed leadResponse
	code := doJSON(t, h, http.MethodPost, "/api/leads", map[string]interface{}{
		"workspace_id": "w1",
		"email":        "jane@acme.io",
		"industry":     "Technology",
		"route":        true,
	}, &routed)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, routed.Routing.Success)
	assert.Equal(t, models.LeadRouted, routed.Lead.Status)
	assert.Equal(t, "w2", routed.Lead.DestinationWorkspaceID)

	var dup leadResponse
	code = doJSON(t, h, http.MethodPost, "/api/leads", map[string]interface{}{
		"workspace_id": "w1",
		"email":        " JANE@acme.io ",
		"industry":     "technology",
		"route":        true,
	}, &dup)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, dup.Routing.IsDuplicate)
	assert.Equal(t, routed.Lead.ID, dup.Routing.ExistingLeadID)
	assert.Equal(t, models.LeadDuplicate, dup.Lead.Status)

	var pending leadResponse
	code = doJSON(t, h, http.MethodPost, "/api/leads", map[string]interface{}{
		"workspace_id": "w1",
		"email":        "bob@mill.com",
		"industry":     "Manufacturing",
	}, &pending)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, models.LeadPending, pending.Lead.Status)

	var queued routing.RoutingResult
	code = doJSON(t, h, http.MethodPost, "/api/leads/"+pending.Lead.ID+"/route",
		map[string]interface{}{"source_workspace_id": "w1"}, &queued)
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, queued.Queued)

	var depth struct {
		Queued  int `json:"queued"`
		Stalled int `json:"stalled"`
	}
	code = doJSON(t, h, http.MethodGet, "/api/queue/depth?workspace_id=w1", nil, &depth)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, depth.Queued)
	assert.Equal(t, 1, depth.Stalled)

	var stats models.RoutingStats
	code = doJSON(t, h, http.MethodGet, "/api/workspaces/w1/routing-stats?days=7", nil, &stats)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, stats.Total)

	var w2Stats models.RoutingStats
	code = doJSON(t, h, http.MethodGet, "/api/workspaces/w2/routing-stats", nil, &w2Stats)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, w2Stats.RoutedIn)
}

func TestHTTPRuleManagement(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	var created rules.Rule
	code := doJSON(t, h, http.MethodPost, "/api/rules", map[string]interface{}{
		"name":                     "manufacturing-to-w2",
		"source_workspace_id":      "w1",
		"destination_workspace_id": "w2",
		"priority":                 5,
		"is_active":                true,
		"conditions":               []map[string]interface{}{{"type": "industry_in", "values": []string{"Manufacturing"}}},
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, created.ID)

	var listed []rules.Rule
	code = doJSON(t, h, http.MethodGet, "/api/workspaces/w1/rules", nil, &listed)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, listed, 2)

	code = doJSON(t, h, http.MethodPut, "/api/rules/"+created.ID+"/active", map[string]interface{}{"active": false}, nil)
	require.Equal(t, http.StatusOK, code)

	code = doJSON(t, h, http.MethodGet, "/api/workspaces/w1/rules", nil, &listed)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, listed, 1)

	t.Run("unknown condition type is rejected", func(t *testing.T) {
		code := doJSON(t, h, http.MethodPost, "/api/rules", map[string]interface{}{
			"name":                     "bad",
			"source_workspace_id":      "w1",
			"destination_workspace_id": "w2",
			"conditions":               []map[string]interface{}{{"type": "zodiac_in", "values": []string{"Leo"}}},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("duplicate workspace conflicts", func(t *testing.T) {
		code := doJSON(t, h, http.MethodPost, "/api/workspaces", map[string]interface{}{"id": "w1", "name": "again"}, nil)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("missing workspace", func(t *testing.T) {
		code := doJSON(t, h, http.MethodGet, "/api/workspaces/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestHTTPErrors(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown lead", http.MethodPost, "/api/leads/missing/route", map[string]interface{}{"source_workspace_id": "w1"}, http.StatusNotFound},
		{"unknown body field", http.MethodPost, "/api/leads/x/route", map[string]interface{}{"source_workspace_id": "w1", "extra": 1}, http.StatusBadRequest},
		{"missing source workspace", http.MethodPost, "/api/leads/x/route", map[string]interface{}{}, http.StatusBadRequest},
		{"bulk without ids", http.MethodPost, "/api/leads/route", map[string]interface{}{"source_workspace_id": "w1"}, http.StatusBadRequest},
		{"bad process limit", http.MethodPost, "/api/queue/process?limit=0", nil, http.StatusBadRequest},
		{"bad failed limit", http.MethodGet, "/api/queue/failed?limit=abc", nil, http.StatusBadRequest},
		{"bad since", http.MethodGet, "/api/workspaces/w1/routing-stats?since=yesterday", nil, http.StatusBadRequest},
		{"malformed padded email", http.MethodPost, "/api/leads", map[string]interface{}{"workspace_id": "w1", "email": " not-an-email "}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/queue/process", nil, http.StatusMethodNotAllowed},
		{"wrong method on get route", http.MethodPost, "/api/queue/depth", nil, http.StatusMethodNotAllowed},
		{"wrong method on last route", http.MethodGet, "/api/rules/r1/active", nil, http.StatusMethodNotAllowed},
		{"unknown api path", http.MethodGet, "/api/nope", nil, http.StatusNotFound},
		{"unknown path", http.MethodGet, "/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, doJSON(t, h, tt.method, tt.path, tt.body, nil))
		})
	}

	t.Run("allow header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/workspaces/w1", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	})
}

func TestHTTPOperatorEndpoints(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	var health map[string]interface{}
	code := doJSON(t, h, http.MethodGet, "/health", nil, &health)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "closed", health["breaker_state"])

	var summary map[string]interface{}
	code = doJSON(t, h, http.MethodPost, "/api/queue/process?limit=10", nil, &summary)
	require.Equal(t, http.StatusOK, code)

	var failed struct {
		Results []models.FailedJob `json:"results"`
		Count   int                `json:"count"`
	}
	code = doJSON(t, h, http.MethodGet, "/api/queue/failed", nil, &failed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, failed.Count)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRedisBackedApp(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDRESS", mr.Addr())
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("EVENTS_BACKEND", "redis")
	t.Setenv("API_RATE_LIMIT", "2")
	app := newTestApp(t)
	require.NotNil(t, app.RedisClient)
	h := app.Handler()

	var routed leadResponse
	code := doJSON(t, h, http.MethodPost, "/api/leads", map[string]interface{}{
		"workspace_id": "w1",
		"email":        "ann@acme.io",
		"industry":     "Technology",
		"route":        true,
	}, &routed)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, routed.Routing.Success)
	assert.True(t, mr.Exists(app.RedisClient.Key("events", app.Config.Events.RedisStream)), "routed event published")

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/api/queue/depth", nil, nil))
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, h, http.MethodGet, "/api/queue/depth", nil, nil))
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/health", nil, nil), "health is not limited")
}
