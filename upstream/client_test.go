package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vincy69/mcp-drupal-server-sub002/types"
)

func newTestUpstream(t *testing.T, handler http.Handler) (*httptest.Server, *HTTPClient) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(context.Background(), nopLogger(), "drupal", &types.UpstreamConfig{
		BaseURL:   server.URL,
		ProbePath: "/jsonapi",
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return server, client
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(context.Background(), nopLogger(), "drupal", nil)
	assert.ErrorIs(t, err, types.ErrUpstreamNotConfigured)

	_, err = NewHTTPClient(context.Background(), nopLogger(), "drupal", &types.UpstreamConfig{})
	assert.ErrorIs(t, err, types.ErrUpstreamNotConfigured)
}

func TestCallReturnsBody(t *testing.T) {
	_, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/node/1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"title":"About"}`))
	}))

	body, status, err := client.Call(context.Background(), "GET", "/node/1", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"title":"About"}`, string(body))
}

func TestCallSendsJSONBody(t *testing.T) {
	_, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))

	_, status, err := client.Call(context.Background(), "POST", "/node", map[string]string{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
}

func TestCallNon2xxIsResponseError(t *testing.T) {
	_, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, status, err := client.Call(context.Background(), "GET", "/node/1", nil)
	assert.ErrorIs(t, err, types.ErrUpstreamResponse)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestCallTransportFailure(t *testing.T) {
	server, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, _, err := client.Call(context.Background(), "GET", "/", nil)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestProbe(t *testing.T) {
	_, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jsonapi" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.NoError(t, client.Probe(context.Background()))
}

func TestProbeFailure(t *testing.T) {
	_, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := client.Probe(context.Background())
	assert.ErrorIs(t, err, types.ErrUpstreamProbeFailed)
}

func TestCallAfterClose(t *testing.T) {
	_, client := newTestUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	client.Close()

	_, _, err := client.Call(context.Background(), "GET", "/", nil)
	assert.ErrorIs(t, err, types.ErrManagerNotRunning)
}
