package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/Constellation/internal/devices"
	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/observability"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
	"github.com/AaronLay10/Constellation/internal/storage/postgres"
)

func setReadiness(orch, mqtt, mqttOptional, pg, pgOptional bool) {
	readiness.mu.Lock()
	readiness.orchestratorReady = orch
	readiness.mqttConnected = mqtt
	readiness.mqttOptional = mqttOptional
	readiness.postgresConnected = pg
	readiness.postgresOptional = pgOptional
	readiness.mu.Unlock()
}

func TestHealthEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "constellation", resp.Service)
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name                           string
		orch, mqtt, mqttOpt, pg, pgOpt bool
		wantCode                       int
		wantChecks                     map[string]string
	}{
		{
			name: "all ready", orch: true, mqtt: true, pg: true,
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"orchestrator": "ok", "mqtt": "ok", "postgres": "ok"},
		},
		{
			name: "orchestrator not ready", mqtt: true, pg: true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"orchestrator": "not_ready"},
		},
		{
			name: "optional mqtt unavailable", orch: true, mqttOpt: true, pg: true,
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"mqtt": "unavailable"},
		},
		{
			name: "required mqtt down", orch: true, pg: true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"mqtt": "not_connected"},
		},
		{
			name: "required postgres down", orch: true, mqtt: true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "not_connected"},
		},
		{
			name: "optional postgres unavailable", orch: true, mqtt: true, pgOpt: true,
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"postgres": "unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setReadiness(tt.orch, tt.mqtt, tt.mqttOpt, tt.pg, tt.pgOpt)
			t.Cleanup(func() { setReadiness(false, false, true, false, true) })

			w := httptest.NewRecorder()
			readyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.wantCode, w.Code)

			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode == http.StatusOK, resp.Ready)
			for dep, status := range tt.wantChecks {
				assert.Equal(t, status, resp.Checks[dep].Status, dep)
			}
		})
	}
}

type testEnv struct {
	hub     *orchestrator.Hub
	server  *httptest.Server
	metrics *observability.Metrics
	reg     *prometheus.Registry
}

// newTestEnv runs a hub whose devices finish every command immediately.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	withAuth(t, nil)
	events.Clear()

	env := &testEnv{reg: prometheus.NewRegistry()}
	env.metrics = observability.NewMetrics("test", env.reg)

	channel := orchestrator.DispatchFunc(func(_ context.Context, cmd orchestrator.Command) error {
		go func() {
			_ = env.hub.Deliver(context.Background(), orchestrator.Result{
				ConstellationID: cmd.ConstellationID,
				TaskID:          cmd.TaskID,
				DeviceID:        cmd.DeviceID,
				AssignmentToken: cmd.AssignmentToken,
				Status:          orchestrator.ResultSuccess,
				Payload:         json.RawMessage(`{"ok":true}`),
			})
		}()
		return nil
	})

	cfg := orchestrator.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	env.hub = orchestrator.NewHub(context.Background(), devices.NewRegistry(), channel, cfg, orchestrator.WithMetrics(env.metrics))
	t.Cleanup(env.hub.Shutdown)

	srv := NewServer(env.hub, env.metrics).WithGatherer(observability.HandlerFor(env.reg))
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestRouter_StartAndInspectConstellation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.hub.Register("pc-1", "linux", []string{"shell"}))

	resp, body := env.do(t, http.MethodPost, "/constellations", `{
		"constellation_id": "c1",
		"name": "build",
		"tasks": [
			{"task_id": "fetch", "required_capabilities": ["shell"]},
			{"task_id": "compile", "dependencies": ["fetch"], "required_capabilities": ["shell"]}
		]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "c1", created.ConstellationID)
	assert.Len(t, created.Tasks, 2)

	var got constellationResponse
	require.Eventually(t, func() bool {
		resp, body := env.do(t, http.MethodGet, "/constellations/c1", "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		got = constellationResponse{}
		return json.Unmarshal(body, &got) == nil && got.Report != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, orchestrator.StateCompleted, got.State)
	assert.Equal(t, orchestrator.StateCompleted, got.Report.State)
	assert.Empty(t, got.Report.Snapshot.Tasks)

	resp, body = env.do(t, http.MethodGet, "/constellations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ConstellationID)

	resp, body = env.do(t, http.MethodGet, "/events?constellation_id=c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stream []events.Event
	require.NoError(t, json.Unmarshal(body, &stream))
	require.NotEmpty(t, stream)
	for _, e := range stream {
		assert.Equal(t, "c1", e.ConstellationID())
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/constellations", "201")))
}

func TestRouter_StartErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "empty body", body: "", want: http.StatusBadRequest},
		{name: "malformed json", body: `{"tasks":`, want: http.StatusBadRequest},
		{name: "cycle", body: `{"tasks":[{"task_id":"a","dependencies":["b"]},{"task_id":"b","dependencies":["a"]}]}`, want: http.StatusUnprocessableEntity},
		{name: "unknown dependency", body: `{"tasks":[{"task_id":"a","dependencies":["ghost"]}]}`, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/constellations", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))

			var e errorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e.Code)
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		graph := `{"constellation_id":"dup","tasks":[{"task_id":"a","required_capabilities":["gpu"]}]}`
		resp, _ := env.do(t, http.MethodPost, "/constellations", graph)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp, _ = env.do(t, http.MethodPost, "/constellations", graph)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestRouter_Mutations(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.hub.Start(orchestrator.InitialGraph{
		ConstellationID: "c1",
		Tasks:           []orchestrator.TaskSpec{{TaskID: "render", RequiredCapabilities: []string{"gpu"}}},
	})
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodPost, "/constellations/c1/mutations",
		`{"kind":"insert","tasks":[{"task_id":"upload","dependencies":["render"],"required_capabilities":["gpu"]}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out orchestrator.MutationOutcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 2, out.Version)
	assert.Equal(t, []string{"upload"}, out.Added)

	resp, _ = env.do(t, http.MethodPost, "/constellations/c1/mutations", `{"kind":"remove","task_ids":["ghost"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/constellations/nope/mutations", `{"kind":"remove","task_ids":["a"]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/constellations/c1/mutations", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/constellations/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_RetireConstellation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodDelete, "/constellations/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := env.hub.Start(orchestrator.InitialGraph{
		ConstellationID: "waiting",
		Tasks:           []orchestrator.TaskSpec{{TaskID: "render", RequiredCapabilities: []string{"gpu"}}},
	})
	require.NoError(t, err)
	resp, body := env.do(t, http.MethodDelete, "/constellations/waiting", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "constellation_active", e.Code)

	done, err := env.hub.Start(orchestrator.InitialGraph{ConstellationID: "empty"})
	require.NoError(t, err)
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("empty constellation did not finish")
	}

	resp, _ = env.do(t, http.MethodDelete, "/constellations/empty", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/constellations/empty", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	withAuth(t, fullAuth())
	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/constellations/waiting", nil)
	require.NoError(t, err)
	req.SetBasicAuth("operator", "opsecret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouter_Devices(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.hub.Register("pc-2", "windows", []string{"office"}))
	require.NoError(t, env.hub.Register("pc-1", "linux", []string{"shell"}))

	resp, body := env.do(t, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []devices.Record
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 2)
	assert.Equal(t, "pc-1", all[0].DeviceID)
	assert.Equal(t, "pc-2", all[1].DeviceID)

	resp, body = env.do(t, http.MethodGet, "/devices?status=busy", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var busy []devices.Record
	require.NoError(t, json.Unmarshal(body, &busy))
	assert.Empty(t, busy)

	resp, _ = env.do(t, http.MethodDelete, "/devices/pc-2", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, env.hub.Registry().Exists("pc-2"))

	resp, _ = env.do(t, http.MethodDelete, "/devices/pc-2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type historyStore struct {
	rows []postgres.EventRow
	last postgres.Query
}

func (s *historyStore) Append(context.Context, time.Time, string, string, string, map[string]interface{}, string) error {
	return nil
}

func (s *historyStore) Query(q postgres.Query) ([]postgres.EventRow, error) {
	s.last = q
	return s.rows, nil
}

func TestRouter_EventHistory(t *testing.T) {
	env := newTestEnv(t)

	prev := events.GetStore()
	t.Cleanup(func() { events.SetStore(prev) })

	events.SetStore(nil)
	resp, _ := env.do(t, http.MethodGet, "/events/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	id := "c9"
	store := &historyStore{rows: []postgres.EventRow{{EventID: 7, Level: "info", Event: "constellation.created", ConstellationID: &id}}}
	events.SetStore(store)

	resp, body := env.do(t, http.MethodGet, "/events/history?constellation_id=c9&event=constellation.created&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []postgres.EventRow
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].EventID)
	assert.Equal(t, postgres.Query{Limit: 5, ConstellationID: "c9", Event: "constellation.created"}, store.last)

	resp, _ = env.do(t, http.MethodGet, "/events/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_Auth(t *testing.T) {
	env := newTestEnv(t)
	withAuth(t, fullAuth())

	resp, _ := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/constellations", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/constellations", strings.NewReader(`{"tasks":[]}`))
	require.NoError(t, err)
	req.SetBasicAuth("operator", "opsecret")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRouter_Metrics(t *testing.T) {
	env := newTestEnv(t)
	RegisterRuntimeMetrics("test", env.reg)
	SetOrchestratorReady(true)
	t.Cleanup(func() { SetOrchestratorReady(false) })

	env.do(t, http.MethodGet, "/health", "")

	resp, body := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, `test_http_requests_total{code="200",route="/health"} 1`)
	assert.Contains(t, text, "test_ready 1")
	assert.Contains(t, text, "test_uptime_seconds")
	assert.Contains(t, text, "test_ws_clients")
}
