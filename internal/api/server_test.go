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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/alloc"
	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/control"
	"github.com/jessejamescox/platform-dlm/internal/failsafe"
	"github.com/jessejamescox/platform-dlm/internal/shedding"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := zap.NewNop()
	store := state.New(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go store.Run(ctx)

	caps := capability.NewRegistry(log)
	ac := control.NewACController(store, caps, control.NopDispatcher{}, control.ACSettings{}, log)
	dc := control.NewDCController(store, caps, control.NopDispatcher{}, log)
	shed := shedding.NewController(shedding.Settings{
		UpperThreshold: 0.95, LowerThreshold: 0.85, WindowSize: 5,
	}, log)
	fs := failsafe.NewManager(store, failsafe.Settings{
		HeartbeatInterval:  10 * time.Second,
		HeartbeatTimeout:   60 * time.Second,
		DefaultCommTimeout: 30 * time.Second,
		DefaultAction:      state.ActionReduce,
		DefaultSafePowerKW: 3.7,
	}, log)
	allocator := alloc.New(store, caps, nil, shed, ac, dc, alloc.Settings{
		TickInterval:       5 * time.Second,
		GridCapacityKW:     50,
		PeakThresholdKW:    45,
		MinChargingPowerKW: 3.7,
		MaxStationPowerKW:  22,
	}, nil, log)

	srv := NewServer(Deps{
		Store: store, Caps: caps, AC: ac, DC: dc,
		Shed: shed, FailSafe: fs, Alloc: allocator,
		Cost: CostSettings{EnergyCostPerKWh: 0.30, PeakCostPerKWh: 0.45},
		Log:  log,
	})
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	resp.Body.Close()
	return resp, envelope
}

func TestStationLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/stations", map[string]any{
		"id": "st-1", "name": "Bay 1", "class": "ac_3p",
		"nominal_voltage": 400, "priority": 7, "requested_power_kw": 11,
		"profile": "ac_l2_3p",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.OK)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/stations/st-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	station := data["station"].(map[string]any)
	assert.Equal(t, "Bay 1", station["name"])
	capData := data["capability"].(map[string]any)
	assert.Equal(t, "ac_l2_3p", capData["profile"])

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/stations/st-1/power", map[string]any{
		"power_kw": 7.4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7.4, env.Data.(map[string]any)["requested_power_kw"])

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/stations/st-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/stations/st-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, env.OK)
	assert.Equal(t, "not_discovered", env.Code)
}

func TestRegisterStationValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/stations", map[string]any{
		"id": "st-1", "class": "hovercraft",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", env.Code)
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	_, ts := newTestServer(t)

	body := map[string]any{"id": "st-1", "class": "dc", "profile": "dcfc_high"}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/stations", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/stations", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "state_conflict", env.Code)
}

func TestLoadLimitsAndCapacity(t *testing.T) {
	_, ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodPut, ts.URL+"/api/load/limits", map[string]any{
		"max_capacity_kw": 80, "peak_threshold_kw": 70,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	assert.Equal(t, 80.0, data["max_kw"])
	assert.Equal(t, 70.0, data["threshold_kw"])

	resp, env = doJSON(t, http.MethodPut, ts.URL+"/api/load/limits", map[string]any{
		"max_capacity_kw": 50, "peak_threshold_kw": 60,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", env.Code)
}

func TestRebalanceRecordsTick(t *testing.T) {
	_, ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/load/rebalance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.OK)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/load/history?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticks := env.Data.([]any)
	assert.Len(t, ticks, 1)
}

func TestMeterAndConsumption(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/meters", map[string]any{
		"id": "grid", "name": "Service Entrance", "role": "grid",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/meters", map[string]any{
		"id": "m2", "role": "imaginary",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", env.Code)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/energy/consumption", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, env.Data.(map[string]any), "building_kw")
}

func TestFailSafeTestEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	doJSON(t, http.MethodPost, ts.URL+"/api/stations", map[string]any{
		"id": "st-1", "class": "ac_3p", "profile": "ac_l2_3p",
	})

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/health/failsafe/st-1/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	assert.Equal(t, "reduce", data["offline_action"])
	assert.Equal(t, 3.7, data["target_kw"])
}

func TestV2GRequiresBidirectionalHardware(t *testing.T) {
	_, ts := newTestServer(t)

	doJSON(t, http.MethodPost, ts.URL+"/api/stations", map[string]any{
		"id": "dc-1", "class": "dc", "profile": "dcfc_high",
	})
	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/control/dc-1/v2g", map[string]any{
		"enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", env.Code)

	doJSON(t, http.MethodPost, ts.URL+"/api/stations", map[string]any{
		"id": "dc-2", "class": "dc", "profile": "chademo",
	})
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/control/dc-2/v2g", map[string]any{
		"enabled": true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketEstablishedAndRelay(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var established state.Event
	require.NoError(t, conn.ReadJSON(&established))
	assert.Equal(t, "connection.established", established.Topic)

	// A registration must arrive as a push event.
	doJSON(t, http.MethodPost, ts.URL+"/api/stations", map[string]any{
		"id": "st-1", "class": "ac_3p", "profile": "ac_l2_3p",
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev state.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "station.registered", ev.Topic)
}

func TestHealthzReady(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
