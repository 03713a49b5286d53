package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noSleep records requested waits without actually sleeping.
func noSleep(waits *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))
		w.Header().Set("ETag", `W/"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var waits []time.Duration
	client := New(Options{RateLimit: 0}).WithSleep(noSleep(&waits))

	resp, err := client.Get(context.Background(), srv.URL, map[string]string{"Authorization": "token abc"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `W/"v1"`, resp.ETag())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Empty(t, waits, "no delay configured, no sleeps expected")
}

func TestGetNotModifiedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `W/"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := New(Options{}).WithSleep(noSleep(&waits))

	resp, err := client.Get(context.Background(), srv.URL, map[string]string{"If-None-Match": `W/"v1"`})
	require.NoError(t, err)
	assert.True(t, resp.NotModified())
	assert.Empty(t, resp.Body)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := New(Options{Retries: 3}).WithSleep(noSleep(&waits))

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{serverErrorBackoff, serverErrorBackoff}, waits)
}

func TestGetRateLimitedBackoffExponential(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := New(Options{Retries: 3}).WithSleep(noSleep(&waits))

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, waits)
}

func TestGetHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := New(Options{Retries: 2}).WithSleep(noSleep(&waits))

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []time.Duration{7 * time.Second}, waits)
}

func TestGetClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var waits []time.Duration
	client := New(Options{Retries: 3}).WithSleep(noSleep(&waits))

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
	assert.Empty(t, waits)
}

func TestGetAppliesPolitenessDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var waits []time.Duration
	// 600 requests/minute -> 100ms between requests.
	client := New(Options{RateLimit: 600}).WithSleep(noSleep(&waits))

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, 100*time.Millisecond, waits[0])
}

func TestGetContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(Options{Retries: 3}).WithSleep(func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	})

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
