package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/fault"
	"github.com/jonwraymond/infergate/health"
	"github.com/jonwraymond/infergate/provider"
	"github.com/jonwraymond/infergate/resilience"
	"github.com/jonwraymond/infergate/router"
)

type testEnv struct {
	router *router.Router
	coord  *backsync.Coordinator
	server *httptest.Server
}

func echo(name string) provider.Provider {
	return provider.Func{ProviderName: name, Fn: func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}}
}

func newTestEnv(t *testing.T, offline bool, providers ...provider.Provider) *testEnv {
	t.Helper()
	reg := provider.NewRegistry()
	for i, p := range providers {
		require.NoError(t, reg.Register(p, provider.Descriptor{Priority: i, MaxConcurrent: 2}))
	}
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{MaxFailures: 10})
	coord := backsync.NewCoordinator(backsync.NewMemoryStore(), nil, backsync.Config{StartOffline: offline})

	rt, err := router.New(reg, breakers, router.Config{}, router.WithBacklog(coord))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()

	agg := health.NewAggregator()
	agg.Register("providers", health.NewBreakerChecker(breakers))

	reg2 := prometheus.NewRegistry()
	srv, err := New(rt, agg, WithPrometheus(reg2, reg2))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &testEnv{router: rt, coord: coord, server: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestSubmit_OK(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	resp, body := env.do(t, http.MethodPost, "/v1/requests",
		`{"id":"req-1","payload":{"prompt":"hi"},"priority":"high"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out SubmitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "req-1", out.RequestID)
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.Fingerprint)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(out.Payload))
	assert.Empty(t, out.Text)
}

func TestSubmit_TextPayload(t *testing.T) {
	p := provider.Func{ProviderName: "plain", Fn: func(context.Context, []byte) ([]byte, error) {
		return []byte("not json"), nil
	}}
	env := newTestEnv(t, false, p)

	resp, body := env.do(t, http.MethodPost, "/v1/requests", `{"payload":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SubmitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "not json", out.Text)
	assert.Empty(t, out.Payload)
}

func TestSubmit_BadRequests(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"payload":`},
		{"missing payload", `{"priority":"low"}`},
		{"bad priority", `{"payload":"x","priority":"urgent"}`},
		{"bad timeout", `{"payload":"x","timeout":"soon"}`},
		{"negative ttl", `{"payload":"x","cache_ttl":"-1s"}`},
		{"unknown provider", `{"payload":"x","provider":"nobody"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/requests", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var er ErrorResponse
			require.NoError(t, json.Unmarshal(body, &er))
			assert.Equal(t, fault.KindValidation.String(), er.Error)
		})
	}
}

func TestSubmit_DeferredWhileOffline(t *testing.T) {
	env := newTestEnv(t, true, echo("openai"))

	resp, body := env.do(t, http.MethodPost, "/v1/requests", `{"id":"later","payload":"x"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, "deferred", er.Error)
	assert.Equal(t, "later", er.Ref)

	n, err := env.coord.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Cancelling the persisted request discards it.
	resp, _ = env.do(t, http.MethodDelete, "/v1/requests/later", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	n, err = env.coord.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancel_Unknown(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	resp, body := env.do(t, http.MethodDelete, "/v1/requests/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "ghost")
}

func TestConnectivity(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	resp, _ := env.do(t, http.MethodPut, "/v1/connectivity", `{"online":false}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, env.coord.Online())

	resp, _ = env.do(t, http.MethodPut, "/v1/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, env.coord.Online())

	resp, _ = env.do(t, http.MethodPut, "/v1/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPut, "/v1/connectivity", `nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	resp, body := env.do(t, http.MethodPost, "/v1/cache/invalidate", `{"prefix":"provider:"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":0}`, string(body))

	resp, _ = env.do(t, http.MethodPost, "/v1/cache/invalidate", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvidersAndStats(t *testing.T) {
	env := newTestEnv(t, false, echo("primary"), echo("secondary"))

	resp, body := env.do(t, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var providers []ProviderStatus
	require.NoError(t, json.Unmarshal(body, &providers))
	require.Len(t, providers, 2)
	assert.Equal(t, "primary", providers[0].Name)
	assert.Equal(t, "secondary", providers[1].Name)
	assert.Equal(t, 2, providers[0].MaxConcurrent)
	assert.Equal(t, "closed", providers[0].Breaker.StateName)

	resp, body = env.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.True(t, stats.Online)
	assert.Positive(t, stats.Capacity)
	assert.Zero(t, stats.Backlog)
}

func TestMetricsAndHealth(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	resp, _ := env.do(t, http.MethodPost, "/v1/requests", `{"payload":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `infergate_gateway_requests_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), "infergate_gateway_request_duration_seconds")

	resp, _ = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/health/providers", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, false, echo("openai"))

	resp, body := env.do(t, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "not_found")
}

func TestWriteFault_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeFault(rec, &fault.Error{Kind: fault.KindCircuitOpen, Provider: "openai", RetryAfter: 1500 * time.Millisecond})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeFault(rec, io.EOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, err := router.New(provider.NewRegistry(), resilience.NewBreakers(resilience.CircuitBreakerConfig{}), router.Config{})
	require.NoError(t, err)

	_, err = New(rt, nil, WithPrometheus(reg, reg))
	require.NoError(t, err)
	_, err = New(rt, nil, WithPrometheus(reg, reg))
	assert.NoError(t, err, "re-registering the same collectors should be tolerated")
}
