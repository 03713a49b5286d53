package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memKV struct {
	mu      sync.Mutex
	data    map[string]string
	pingErr error
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Ping(context.Context) error { return m.pingErr }
func (m *memKV) Close() error               { return nil }

func newTestRouter(t *testing.T, opts Options) (*gin.Engine, sqlmock.Sqlmock, *memKV) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewStore(sqlx.NewDb(db, "sqlmock"), logger.NopLogger{})
	kvs := newMemKV()
	return NewRouter(store, kvs, opts, logger.NopLogger{}), mock, kvs
}

func doRequest(router *gin.Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthzOK(t *testing.T) {
	router, mock, _ := newTestRouter(t, Options{})
	mock.ExpectPing()

	w := doRequest(router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "up", body["database"])
	assert.Equal(t, "up", body["kv"])
}

func TestHealthzReportsSourceProbes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing()

	store := storage.NewStore(sqlx.NewDb(db, "sqlmock"), logger.NopLogger{})
	router := NewRouter(store, newMemKV(), Options{
		Health: map[string]func(context.Context) bool{
			"hackernews": func(context.Context) bool { return true },
			"github":     func(context.Context) bool { return false },
		},
	}, logger.NopLogger{})

	w := doRequest(router, http.MethodGet, "/healthz")
	// An upstream outage is informational only.
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status  string            `json:"status"`
		Sources map[string]string `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "up", body.Sources["hackernews"])
	assert.Equal(t, "down", body.Sources["github"])
}

func TestHealthzReportsKVDown(t *testing.T) {
	router, mock, kvs := newTestRouter(t, Options{})
	mock.ExpectPing()
	kvs.pingErr = context.DeadlineExceeded

	w := doRequest(router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["kv"])
}

func TestListItems(t *testing.T) {
	router, mock, _ := newTestRouter(t, Options{})

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "source_id", "external_id", "title", "content", "url", "score",
		"published_at", "created_at", "updated_at",
	}).AddRow(int64(1), "src-1", "42", "hello", nil, "https://example.com/42", 10, now, now, now)
	mock.ExpectQuery(`SELECT id, source_id, external_id, title`).
		WithArgs("src-1", 50).
		WillReturnRows(rows)

	w := doRequest(router, http.MethodGet, "/v1/items?source_id=src-1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []map[string]any `json:"items"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "42", body.Items[0]["external_id"])
}

func TestListItemsRejectsBadTimestamp(t *testing.T) {
	router, _, _ := newTestRouter(t, Options{})

	w := doRequest(router, http.MethodGet, "/v1/items?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid since timestamp")
}

func TestListRunsFiltersByStatus(t *testing.T) {
	router, mock, _ := newTestRouter(t, Options{})

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "source_id", "started_at", "completed_at", "status",
		"items_processed", "items_new", "items_updated", "items_failed", "errors_count", "error_notes",
	}).AddRow("run-1", "src-1", now, now, "completed", 5, 3, 2, 0, 0, nil)
	mock.ExpectQuery(`SELECT id, source_id, started_at`).
		WithArgs("completed", 50).
		WillReturnRows(rows)

	w := doRequest(router, http.MethodGet, "/v1/runs?status=completed")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Runs  []map[string]any `json:"runs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "completed", body.Runs[0]["status"])
}

func TestStats(t *testing.T) {
	router, mock, _ := newTestRouter(t, Options{})

	rows := sqlmock.NewRows([]string{
		"total_runs", "successful_runs", "failed_runs",
		"total_processed", "total_new", "total_updated", "total_errors",
	}).AddRow(4, 3, 1, 120, 80, 40, 2)
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	w := doRequest(router, http.MethodGet, "/v1/stats?window_hours=6")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		WindowHours int                 `json:"window_hours"`
		Stats       storage.WindowStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 6, body.WindowHours)
	assert.Equal(t, 4, body.Stats.TotalRuns)
	assert.Equal(t, 3, body.Stats.SuccessfulRuns)
}

func TestThrottleReturns429(t *testing.T) {
	router, mock, _ := newTestRouter(t, Options{RateLimit: 2})

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "source_id", "external_id", "title", "content", "url", "score",
			"published_at", "created_at", "updated_at",
		})
	}
	mock.ExpectQuery(`SELECT id, source_id, external_id`).WillReturnRows(rows())
	mock.ExpectQuery(`SELECT id, source_id, external_id`).WillReturnRows(rows())

	for i := 0; i < 2; i++ {
		w := doRequest(router, http.MethodGet, "/v1/items")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := doRequest(router, http.MethodGet, "/v1/items")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestThrottleUsesConfiguredRefillRate(t *testing.T) {
	// Capacity 1 with a 500 tokens/sec refill: the bucket drained by the
	// first request is full again milliseconds later. The fallback rate for
	// capacity 1 (one token per minute) could never recover in test time.
	router, mock, _ := newTestRouter(t, Options{RateLimit: 1, RefillPerSec: 500})

	itemRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "source_id", "external_id", "title", "content", "url", "score",
			"published_at", "created_at", "updated_at",
		})
	}
	mock.ExpectQuery(`SELECT id, source_id, external_id`).WillReturnRows(itemRows())
	mock.ExpectQuery(`SELECT id, source_id, external_id`).WillReturnRows(itemRows())

	w := doRequest(router, http.MethodGet, "/v1/items")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	time.Sleep(20 * time.Millisecond)

	w = doRequest(router, http.MethodGet, "/v1/items")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzBypassesThrottle(t *testing.T) {
	router, mock, _ := newTestRouter(t, Options{RateLimit: 1})
	for i := 0; i < 3; i++ {
		mock.ExpectPing()
	}

	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
