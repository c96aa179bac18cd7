package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/ctxstore/pkg/store"
)

func TestRouter_Authentication(t *testing.T) {
	_, _, h := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"missing key", "/api/v1/health", "", http.StatusUnauthorized},
		{"wrong key", "/api/v1/health", "nope", http.StatusUnauthorized},
		{"valid key", "/api/v1/health", testKey, http.StatusOK},
		{"metrics are open", "/metrics", "", http.StatusOK},
		{"unknown route", "/api/v1/nothing", testKey, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.key != "" {
				req.Header.Set(apiKeyHeader, tt.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	s, server, h := setupTestServer(t)
	appendDecisions(t, s, "one")
	m := server.metrics

	do(t, h, "GET", "/api/v1/health")
	do(t, h, "GET", "/api/v1/stats")
	do(t, h, "POST", "/api/v1/rebuild")

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set(apiKeyHeader, "wrong")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecksTotal.WithLabelValues(string(store.StatusHealthy))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuildsTotal.WithLabelValues(statusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.categoryRecords.WithLabelValues(store.CategoryDecisions)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.authRequestsTotal.WithLabelValues(statusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authRequestsTotal.WithLabelValues(statusError)))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "ctxstore_admin_http_requests_total")
}

func TestRouter_CORS(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	server := NewServer(s, ServerConfig{APIKey: testKey, CORSOrigins: []string{"http://localhost:3000"}}, nil, nil)
	h := NewRouter(server, nil)

	req := httptest.NewRequest("OPTIONS", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		m.RecordAuthRequest(true)
		m.RecordHealthCheck(store.StatusHealthy)
		m.RecordRebuild(false)
		m.UpdateCategoryStats([]*store.Summary{{Category: "x"}})
	})
}

func TestServe(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	server := NewServer(s, ServerConfig{Bind: "127.0.0.1", Port: 0, APIKey: testKey, ShutdownTimeout: time.Second}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, server, NewRouter(server, nil)) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartServer_RequiresKey(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	err = StartServer(context.Background(), s, ServerConfig{Port: 0}, prometheus.NewRegistry(), nil)
	assert.Error(t, err)
}

func TestServerFactory(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	starter := NewServerFactory(prometheus.NewRegistry(), nil).CreateServerStarter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, starter.Start(ctx, s, ServerConfig{Bind: "127.0.0.1", Port: 0, APIKey: testKey}))
}
