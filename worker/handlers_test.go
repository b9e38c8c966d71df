package worker

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

func newTestApi(col Collector) *Api {
	agent := NewAgent(config.AgentConfig{Server: "ws://coordinator/socket"}, col, zap.NewNop())
	return NewApi("127.0.0.1", 0, agent, col, zap.NewNop())
}

func get(a *Api, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandler(t *testing.T) {
	rec := get(newTestApi(&fixedCollector{}), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"up"}`, rec.Body.String())
}

func TestStatusHandler(t *testing.T) {
	rec := get(newTestApi(&fixedCollector{}), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var s Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "ws://coordinator/socket", s.Server)
	assert.False(t, s.Connected)
	assert.Nil(t, s.Assigned)
}

func TestGetStatsHandler(t *testing.T) {
	rec := get(newTestApi(&fixedCollector{}), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var st node.DeviceState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "test", st.CPU.Model)
}

func TestGetStatsHandlerSampleError(t *testing.T) {
	rec := get(newTestApi(&fixedCollector{err: errors.New("boom")}), "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var e ErrResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "boom", e.Message)
}
