package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/driver"
	"github.com/arctos-robotics/armd/pkg/motion"
)

func newTestServer(t *testing.T) (*Server, *motion.Service, *config.Config) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "armd.yml"))
	require.NoError(t, err)
	drv := driver.NewSim()
	require.NoError(t, drv.Connect())
	require.NoError(t, drv.Enable())
	svc := motion.New(drv, cfg)
	return New(svc, drv, cfg, NewHub()), svc, cfg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestExecuteEnqueuesJointCommand(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/execute", map[string]interface{}{
		"q":          []float64{0.1, 0.2, 0.3, 0, 0, 0},
		"duration_s": 1.5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
	assert.Equal(t, 1, svc.Status().QueueLen)
}

func TestExecuteValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/execute", map[string]interface{}{
		"q": []float64{0.1, 0.2},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "wrong joint count")

	w = doJSON(t, h, http.MethodPost, "/api/execute", map[string]interface{}{
		"q":          []float64{0, 0, 0, 0, 0, 0},
		"duration_s": -1.0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "negative duration")

	w = doJSON(t, h, http.MethodPost, "/api/execute", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty body")

	w = doJSON(t, h, http.MethodGet, "/api/execute", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGripperActions(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/execute/gripper", map[string]string{"action": "open"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/execute/gripper", map[string]float64{"position": 0.4})
	assert.Equal(t, http.StatusOK, w.Code)

	// Two gripper commands coalesce into the latest.
	assert.Equal(t, 1, svc.Status().QueueLen)

	w = doJSON(t, h, http.MethodPost, "/api/execute/gripper", map[string]float64{"position": 1.4})
	assert.Equal(t, http.StatusBadRequest, w.Code, "out-of-range position")

	w = doJSON(t, h, http.MethodPost, "/api/execute/gripper", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "no action and no position")
}

func TestHomeValidation(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/execute/home", map[string][]int{"joints": {0, 4}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.Status().QueueLen)

	w = doJSON(t, h, http.MethodPost, "/api/execute/home", map[string][]int{"joints": {6}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJogBypassesQueue(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/jog", map[string]interface{}{"joint": 2, "scale": 0.5})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, svc.Status().QueueLen, "jog must not enqueue")

	w = doJSON(t, h, http.MethodPost, "/api/jog", map[string]interface{}{"joint": 2, "scale": 0})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/jog", map[string]interface{}{"joint": 9, "scale": 0.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEStopEndpoint(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodPost, "/api/execute/gripper", map[string]string{"action": "open"})
	require.Equal(t, 1, svc.Status().QueueLen)

	w := doJSON(t, h, http.MethodPost, "/api/estop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	st := svc.Status()
	assert.Equal(t, motion.StateEStopped, st.State)
	assert.Equal(t, 0, st.QueueLen)
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st motion.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, motion.StateIdle, st.State)
	assert.Equal(t, "SIM", st.Mode)
}

func TestConfigRoundTrip(t *testing.T) {
	s, _, cfg := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	update := map[string]interface{}{
		"coupled_axis_mode": true,
		"motion":            map[string]interface{}{"loop_hz": 25},
	}
	w = doJSON(t, h, http.MethodPut, "/api/config", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.True(t, cfg.CoupledAxisMode())
	assert.Equal(t, 25, cfg.MotionParams().LoopHz)
}

func TestTelemetryWebSocket(t *testing.T) {
	s, svc, _ := newTestServer(t)
	hub := s.hub
	svc.SetTelemetry(hub)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	assert.False(t, hub.HasConsumers())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitCount := func(n int) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if hub.ClientCount() == n {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("client count never reached %d", n)
	}
	waitCount(1)
	assert.True(t, hub.HasConsumers())

	hub.Publish(motion.Status{State: motion.StateIdle, Mode: "SIM"})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var st motion.Status
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, motion.StateIdle, st.State)

	conn.Close()
	waitCount(0)
}
