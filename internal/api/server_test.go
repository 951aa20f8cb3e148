package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/resident-x/go-solarlog/internal/config"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	snapshot   *domain.Snapshot
	devices    map[int]domain.DeviceInfo
	refreshErr error
	historyErr error
	records    []*storage.Record

	historySince time.Time
	historyLimit int
	refreshed    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		devices: map[int]domain.DeviceInfo{
			0: {ID: 0, Name: "Inverter 1", Enabled: true},
			1: {ID: 1, Name: "Inverter 2"},
		},
	}
}

func (b *fakeBackend) Status() map[string]interface{} {
	return map[string]interface{}{"host": "http://192.168.1.20", "devices": len(b.devices)}
}

func (b *fakeBackend) LatestSnapshot() (*domain.Snapshot, bool) {
	return b.snapshot, b.snapshot != nil
}

func (b *fakeBackend) Devices() []domain.DeviceInfo {
	devices := make([]domain.DeviceInfo, 0, len(b.devices))
	for id := 0; id < 10; id++ {
		if device, ok := b.devices[id]; ok {
			devices = append(devices, device)
		}
	}
	return devices
}

func (b *fakeBackend) SetDeviceEnabled(id int, enabled bool) domain.DeviceInfo {
	device := b.devices[id]
	device.ID = id
	device.Enabled = enabled
	b.devices[id] = device
	return device
}

func (b *fakeBackend) RefreshDevices(_ context.Context) ([]domain.DeviceInfo, error) {
	b.refreshed++
	if b.refreshErr != nil {
		return nil, b.refreshErr
	}
	return b.Devices(), nil
}

func (b *fakeBackend) History(_ context.Context, since time.Time, limit int) ([]*storage.Record, error) {
	b.historySince = since
	b.historyLimit = limit
	return b.records, b.historyErr
}

func newTestServer(backend Backend, metrics http.Handler) *Server {
	cfg := config.DefaultConfig()
	return NewServer(cfg, backend, metrics)
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestNewAPIServer(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(backend, nil)

	assert.NotNil(t, server)
	assert.Equal(t, backend, server.backend)
	assert.NotNil(t, server.router)
	assert.NotZero(t, server.startTime)
}

func TestHandleStatus(t *testing.T) {
	server := newTestServer(newFakeBackend(), nil)

	w := do(t, server, http.MethodGet, "/api/v1/status", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	response := decode(t, w)
	assert.Equal(t, "ok", response["status"])
	assert.NotEmpty(t, response["uptime"])
	assert.Equal(t, "http://192.168.1.20", response["host"])
	assert.Equal(t, float64(2), response["devices"])
}

func TestHandleSnapshotBeforeFirstPoll(t *testing.T) {
	server := newTestServer(newFakeBackend(), nil)

	w := do(t, server, http.MethodGet, "/api/v1/snapshot", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "No snapshot available yet", decode(t, w)["error"])
}

func TestHandleSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshot = &domain.Snapshot{
		LastUpdated: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		PowerAC:     2200,
		PowerDC:     2500,
	}
	backend.snapshot.ComputeDerived()
	server := newTestServer(backend, nil)

	w := do(t, server, http.MethodGet, "/api/v1/snapshot", "")

	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, 2200.0, response["power_ac"])
	assert.Equal(t, 300.0, response["alternator_loss"])
	assert.Equal(t, "2024-06-01T12:00:00Z", response["last_updated"])
}

func TestHandleListDevices(t *testing.T) {
	server := newTestServer(newFakeBackend(), nil)

	w := do(t, server, http.MethodGet, "/api/v1/devices", "")

	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(2), response["count"])

	devices, ok := response["devices"].([]interface{})
	require.True(t, ok)
	first := devices[0].(map[string]interface{})
	assert.Equal(t, float64(0), first["id"])
	assert.Equal(t, "Inverter 1", first["name"])
	assert.Equal(t, true, first["enabled"])
}

func TestHandleSetDeviceEnabled(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(backend, nil)

	w := do(t, server, http.MethodPut, "/api/v1/devices/1/enabled", `{"enabled": true}`)

	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(1), response["id"])
	assert.Equal(t, true, response["enabled"])
	assert.True(t, backend.devices[1].Enabled)
}

func TestHandleSetDeviceEnabledInvalid(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"missing body field", "/api/v1/devices/1/enabled", `{}`, http.StatusBadRequest},
		{"malformed body", "/api/v1/devices/1/enabled", `{"enabled":`, http.StatusBadRequest},
		{"wrong type", "/api/v1/devices/1/enabled", `{"enabled":"yes"}`, http.StatusBadRequest},
		{"non numeric id", "/api/v1/devices/abc/enabled", `{"enabled":true}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			server := newTestServer(backend, nil)

			w := do(t, server, http.MethodPut, tt.path, tt.body)

			assert.Equal(t, tt.status, w.Code)
			assert.False(t, backend.devices[1].Enabled)
		})
	}
}

func TestHandleRefreshDevices(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(backend, nil)

	w := do(t, server, http.MethodPost, "/api/v1/devices/refresh", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, backend.refreshed)
	assert.Equal(t, float64(2), decode(t, w)["count"])
}

func TestHandleRefreshDevicesErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"extended data disabled", fmt.Errorf("%w: extended data", ErrUnavailable), http.StatusConflict},
		{"device unreachable", domain.NewConnectionError("request failed", context.DeadlineExceeded), http.StatusBadGateway},
		{"access denied", domain.NewAuthenticationError("access denied"), http.StatusBadGateway},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.refreshErr = tt.err
			server := newTestServer(backend, nil)

			w := do(t, server, http.MethodPost, "/api/v1/devices/refresh", "")

			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestHandleHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.records = []*storage.Record{
		{ID: 1, RecordedAt: time.Unix(100, 0), Snapshot: &domain.Snapshot{PowerAC: 100}},
		{ID: 2, RecordedAt: time.Unix(200, 0), Snapshot: &domain.Snapshot{PowerAC: 200}},
	}
	server := newTestServer(backend, nil)

	w := do(t, server, http.MethodGet, "/api/v1/history?since=2024-06-01T00:00:00Z&limit=5", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])
	assert.Equal(t, 5, backend.historyLimit)
	assert.True(t, backend.historySince.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestHandleHistoryDefaults(t *testing.T) {
	backend := newFakeBackend()
	server := newTestServer(backend, nil)

	w := do(t, server, http.MethodGet, "/api/v1/history", "")

	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(0), response["count"])
	assert.Equal(t, []interface{}{}, response["snapshots"])
	assert.Equal(t, DefaultHistoryLimit, backend.historyLimit)
	assert.True(t, backend.historySince.IsZero())
}

func TestHandleHistoryErrors(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		err    error
		status int
	}{
		{"bad since", "?since=yesterday", nil, http.StatusBadRequest},
		{"bad limit", "?limit=-1", nil, http.StatusBadRequest},
		{"storage disabled", "", fmt.Errorf("%w: snapshot history", ErrUnavailable), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.historyErr = tt.err
			server := newTestServer(backend, nil)

			w := do(t, server, http.MethodGet, "/api/v1/history"+tt.query, "")

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("solarlog_up 1\n")) //nolint:errcheck // test handler
	})

	t.Run("mounted", func(t *testing.T) {
		server := newTestServer(newFakeBackend(), metrics)
		w := do(t, server, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "solarlog_up 1")
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Metrics.Enabled = false
		server := NewServer(cfg, newFakeBackend(), metrics)
		w := do(t, server, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	server := NewServer(cfg, newFakeBackend(), nil)

	require.NoError(t, server.Start(context.Background()))
	assert.NoError(t, server.Stop(context.Background()))
}
