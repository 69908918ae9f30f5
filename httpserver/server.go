package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/threshold-vault-backend/common"
	"github.com/ruteri/threshold-vault-backend/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	ListenAddr string

	// MetricsAddr is the address and port for the metrics server.
	// If empty, metrics server will not be started.
	MetricsAddr string

	// EnablePprof enables the pprof debugging API when true.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadinessChecks are consulted by /readyz, keyed by dependency name.
	ReadinessChecks map[string]func(context.Context) error
}

// RouteRegistrar mounts a set of API routes.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server serves the vault API next to the health, drain and pprof endpoints,
// and the metrics listener.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

func New(cfg *HTTPServerConfig, routes ...RouteRegistrar) (*Server, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	srv.isReady.Store(true)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.router(routes),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *Server) router(routes []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, rr := range routes {
			rr.RegisterRoutes(r)
		}
		r.Get("/livez", srv.handleLivenessCheck)
		r.Get("/readyz", srv.handleReadinessCheck)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// Handler returns the API router, mainly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

type statusResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

func writeStatus(w http.ResponseWriter, code int, resp statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, statusResponse{Status: "alive"})
}

// handleReadinessCheck reports not ready while draining or while any
// dependency check fails.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, statusResponse{Status: "draining"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var failed []string
	for name, check := range srv.cfg.ReadinessChecks {
		if err := check(ctx); err != nil {
			srv.log.Warn("Readiness check failed", "check", name, "err", err)
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		writeStatus(w, http.StatusServiceUnavailable, statusResponse{Status: "not ready", Failed: failed})
		return
	}
	writeStatus(w, http.StatusOK, statusResponse{Status: "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, statusResponse{Status: "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")
	writeStatus(w, http.StatusOK, statusResponse{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, statusResponse{Status: "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, statusResponse{Status: "ready"})
}

// Run serves the API and metrics listeners until ctx is cancelled, then
// drains and shuts both down. A listener that fails to start stops the other
// and its error is returned.
func (srv *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		return serve(srv.srv.ListenAndServe)
	})
	if srv.cfg.MetricsAddr != "" {
		g.Go(func() error {
			srv.log.Info("Starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			return serve(srv.metricsSrv.ListenAndServe)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.shutdown(ctx.Err() != nil)
		return nil
	})

	return g.Wait()
}

func serve(listen func() error) error {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listener failed: %w", err)
	}
	return nil
}

// shutdown marks the server not ready and, when drain is set, waits out the
// drain period so load balancers stop routing to it before the listeners stop.
func (srv *Server) shutdown(drain bool) {
	if srv.isReady.Swap(false) && drain && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
	if srv.cfg.MetricsAddr != "" {
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		}
	}
}
