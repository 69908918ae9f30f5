package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	r.Get("/api/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
}

func testConfig() *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		GracefulShutdownDuration: time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), pingRoutes{})
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServer_MountsRoutes(t *testing.T) {
	h := newTestServer(t).Handler()

	w := get(t, h, "/api/ping")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	w = get(t, h, "/api/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestServer_DrainUndrain(t *testing.T) {
	h := newTestServer(t).Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	w := get(t, h, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, w.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
	assert.JSONEq(t, `{"status":"already draining"}`, get(t, h, "/drain").Body.String())

	w = get(t, h, "/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
}

func TestServer_ReadinessChecks(t *testing.T) {
	storeErr := errors.New("connection refused")
	healthy := true

	cfg := testConfig()
	cfg.ReadinessChecks = map[string]func(context.Context) error{
		"store": func(context.Context) error {
			if healthy {
				return nil
			}
			return storeErr
		},
		"backups": func(context.Context) error { return nil },
	}
	srv, err := New(cfg, pingRoutes{})
	require.NoError(t, err)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	healthy = false
	w := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"not ready","failed":["store"]}`, w.Body.String())
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	// Reserve a free port for the listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.ListenAddr = addr
	srv, err := New(cfg, pingRoutes{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestServer_RunReportsListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.ListenAddr = l.Addr().String()
	srv, err := New(cfg, pingRoutes{})
	require.NoError(t, err)

	assert.Error(t, srv.Run(context.Background()), "A port already in use should fail Run")
}
