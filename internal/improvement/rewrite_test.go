package improvement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-loop-go/internal/aggregator"
	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/config"
)

func samplePayload() Payload {
	return Payload{
		CallsSince:  3,
		Threshold:   3,
		TriggeredAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Summary:     "3 calls since last cycle.",
		Insight:     aggregator.Insight{Calls: 3},
	}
}

func TestRewriteClient_Bearer(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-API-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(3), body["calls_since"])
		assert.Equal(t, float64(3), body["threshold"])
		assert.Equal(t, "2025-06-01T09:00:00Z", body["triggered_at"])
		assert.Equal(t, "3 calls since last cycle.", body["summary"])
		assert.Contains(t, body, "insight")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewRewriteClient(config.RewriteConfig{URL: srv.URL, APIKey: "secret"}, srv.Client(), nil)
	require.NoError(t, c.Send(context.Background(), samplePayload()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRewriteClient_FallsBackToAPIKey(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "bearer not accepted", http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRewriteClient(config.RewriteConfig{URL: srv.URL, APIKey: "secret"}, srv.Client(), nil)
	require.NoError(t, c.Send(context.Background(), samplePayload()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// flakyTransport fails the first round trip at the transport level.
type flakyTransport struct {
	next  http.RoundTripper
	calls int32
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestRewriteClient_RetriesAfterTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := &flakyTransport{next: srv.Client().Transport}
	c := NewRewriteClient(config.RewriteConfig{URL: srv.URL, APIKey: "secret"}, &http.Client{Transport: tr}, nil)
	require.NoError(t, c.Send(context.Background(), samplePayload()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&tr.calls))
}

func TestRewriteClient_BothSchemesFail(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewRewriteClient(config.RewriteConfig{URL: srv.URL, APIKey: "secret"}, srv.Client(), nil)
	err := c.Send(context.Background(), samplePayload())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadGateway))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadGateway, appErr.HTTPStatus())
	assert.Contains(t, appErr.Detail, "nope")
}

func TestRewriteClient_Unconfigured(t *testing.T) {
	c := NewRewriteClient(config.RewriteConfig{}, nil, nil)
	assert.False(t, c.Configured())
	err := c.Send(context.Background(), samplePayload())
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
}
