package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:      srv.URL,
		APIKey:       "secret",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestCheckStatusBatchesIDs(t *testing.T) {
	var calls atomic.Int32
	var path, ids, auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		path, ids, auth = r.URL.Path, r.URL.Query().Get("ids"), r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":[
			{"id":"a","status":0,"duration":187000,"audio_url":"https://cdn/a.mp3","image_url":"https://cdn/a.jpg"},
			{"id":"b","status":2}
		]}`))
	})

	got, err := c.CheckStatus(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, statusPath, path)
	require.Equal(t, "a,b", ids)
	require.Equal(t, "Bearer secret", auth)
	require.Len(t, got, 2)
	require.Equal(t, int64(187000), got[0].DurationMs)
	require.Equal(t, "https://cdn/a.mp3", got[0].AudioURL)
	require.NotEmpty(t, got[0].Raw)
	require.Equal(t, DurationUnknown, got[1].DurationMs)
}

func TestCheckStatusRetriesThenTypedError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":503,"msg":"upstream busy"}`))
	})

	_, err := c.CheckStatus(context.Background(), []string{"a"})
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())

	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
	require.Equal(t, "upstream busy", pe.Message)
}

func TestCheckStatusUnauthorizedNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.CheckStatus(context.Background(), []string{"a"})
	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	require.Equal(t, int32(1), calls.Load())
}

func TestCheckStatusEnvelopeFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":429,"msg":"too many requests"}`))
	})

	_, err := c.CheckStatus(context.Background(), []string{"a"})
	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

func TestCheckStatusRequiresAPIKey(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "http://localhost"})
	require.NoError(t, err)

	_, err = c.CheckStatus(context.Background(), []string{"a"})
	require.ErrorIs(t, err, ErrMissingAPIKey)
}
