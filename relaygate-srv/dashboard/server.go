package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pageTitle = "relaygate"

// Server serves the stats page, the JSON document, Prometheus metrics and a
// health check on its own listener.
type Server struct {
	source   StatsSource
	health   *stats.HealthChecker
	registry *prometheus.Registry
	secret   []byte
	httpSrv  *http.Server
}

// NewServer builds a dashboard over counters. An empty secret disables
// bearer authentication.
func NewServer(counters *stats.Counters, collector stats.Collector, secret string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(stats.NewPrometheusCollector(counters))

	s := &Server{
		source:   StatsSourceFunc(counters.Snapshot),
		health:   stats.NewHealthChecker(collector),
		registry: registry,
	}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Handler returns the routed handler, wrapped in bearer auth when enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.servePage)
	mux.HandleFunc("GET /stats.json", s.serveJSON)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.serveHealth)
	return s.authenticate(mux)
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	templ.Handler(StatsPage(pageTitle, s.source.Stats())).ServeHTTP(w, r)
}

func (s *Server) serveJSON(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, NewData(s.source.Stats()))
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.health.Check(ctx); err != nil {
		logger.Warn("Dashboard health check failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.secret == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := bearerToken(r)
		if err == nil {
			_, err = parseToken(s.secret, token)
		}
		if err != nil {
			logger.Debug("Dashboard request from %s rejected: %v", r.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="relaygate"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the dashboard on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("Dashboard listening on %s", ln.Addr())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
