package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	handler := NewHealthHandler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response HealthResponse
	err := json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "healthy", response.Status)
	assert.NotEmpty(t, response.Timestamp)
}

func TestReadyHandler_Ready(t *testing.T) {
	handler := NewHealthHandler()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	handler.Ready(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response ReadyResponse
	err := json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "ready", response.Status)
	assert.NotEmpty(t, response.Timestamp)
}

func TestReadyHandler_NotReady(t *testing.T) {
	handler := NewHealthHandler()
	handler.SetReady(false)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	handler.Ready(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var response ReadyResponse
	err := json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "not ready", response.Status)
}

func TestHealthHandler_SetReady(t *testing.T) {
	handler := NewHealthHandler()

	// Default should be ready
	assert.True(t, handler.IsReady())

	handler.SetReady(false)
	assert.False(t, handler.IsReady())

	handler.SetReady(true)
	assert.True(t, handler.IsReady())
}

func TestReadyResponse_WithChecks(t *testing.T) {
	handler := NewHealthHandler()
	handler.AddCheck("redis", func(ctx context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	handler.Ready(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var response ReadyResponse
	err := json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "ready", response.Status)
	assert.Equal(t, "ok", response.Checks["redis"])
}

func TestReadyResponse_WithFailingCheck(t *testing.T) {
	handler := NewHealthHandler()
	handler.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })
	handler.AddCheck("postgres", func(ctx context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	handler.Ready(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var response ReadyResponse
	err := json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "not ready", response.Status)
	assert.Equal(t, "fail: connection refused", response.Checks["redis"])
	assert.Equal(t, "ok", response.Checks["postgres"])
}

func TestReadyResponse_CheckTimeout(t *testing.T) {
	handler := NewHealthHandler()
	handler.SetCheckTimeout(10 * time.Millisecond)
	handler.AddCheck("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	handler.Ready(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var response ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Contains(t, response.Checks["redis"], "deadline exceeded")
}
