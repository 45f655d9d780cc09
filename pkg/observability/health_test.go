package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "test")

	rr := httptest.NewRecorder()
	checker.Liveness(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	assert.Equal(t, StatusHealthy, response["status"])
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("healthy database and redis", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		status := NewHealthChecker(db, client, "1.2.3").Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, "1.2.3", status.Version)
		assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		checker := NewHealthChecker(db, nil, "test")
		status := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "connection refused", status.Dependencies["database"].Message)

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("redis down is degraded", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		defer client.Close()
		mr.Close()

		checker := NewHealthChecker(nil, client, "test")
		status := checker.Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)

		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
