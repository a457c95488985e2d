package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/adapters/observability"
	"github.com/eleven-am/weft/internal/adapters/rate_limiter"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Server exposes the engine, journey and graph surfaces over HTTP. All
// state mutation goes through the ports; the server itself only translates
// between the wire and the domain.
type Server struct {
	config   domain.HTTPConfig
	engine   ports.EnginePort
	journey  ports.JourneyPort
	compiler ports.CompilerPort
	storage  *storage.AppStorage
	metrics  *observability.Metrics
	logger   *slog.Logger

	router    *mux.Router
	handler   http.Handler
	limiter   *rate_limiter.Limiter
	startTime time.Time

	mu       sync.Mutex
	running  bool
	server   *http.Server
	listener net.Listener
	readyFn  func() bool
}

func NewServer(config domain.HTTPConfig, engine ports.EnginePort, journey ports.JourneyPort, compiler ports.CompilerPort, appStorage *storage.AppStorage, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    config,
		engine:    engine,
		journey:   journey,
		compiler:  compiler,
		storage:   appStorage,
		metrics:   metrics,
		logger:    logger.With("component", "api"),
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.registerRoutes()

	var inner http.Handler = s.router
	if config.RateLimitPerSecond > 0 {
		s.limiter = rate_limiter.New(rate_limiter.Config{
			PerSecond: config.RateLimitPerSecond,
			Burst:     config.RateLimitBurst,
		}, logger)
		inner = s.withRateLimit(inner)
	}
	s.handler = s.withLogging(inner)
	if config.EnableCORS {
		origins := config.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		c := cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Content-Length", "Content-Type"},
		})
		s.handler = c.Handler(s.handler)
	}
	return s
}

// Handler returns the fully assembled http.Handler, which lets callers mount
// the API inside their own server instead of calling Start.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetReady installs the readiness probe consulted by /readyz. Absent a probe,
// readiness follows the server's own running state.
func (s *Server) SetReady(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyFn = fn
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.ErrAlreadyStarted
	}

	addr := s.config.Addr
	if addr == "" {
		addr = defaultAddr
	}

	// Bind synchronously so the caller sees port clashes as a Start error
	// rather than a log line from the serve goroutine.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return domain.NewInternalError("listen on "+addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  orDefault(s.config.ReadTimeout, defaultReadTimeout),
		WriteTimeout: orDefault(s.config.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:  orDefault(s.config.IdleTimeout, defaultIdleTimeout),
	}
	s.running = true

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}(s.server, listener)

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return domain.ErrNotStarted
	}
	s.running = false
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), orDefault(s.config.ShutdownTimeout, defaultShutdownTimeout))
	defer cancel()

	s.logger.Info("api server stopping")
	err := server.Shutdown(shutdownCtx)
	if s.limiter != nil {
		s.limiter.Close()
	}
	return err
}

// Addr reports the bound address, useful when Addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) registerRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/graphs", s.handlePublishGraph).Methods(http.MethodPost)
	v1.HandleFunc("/graphs/{graphID}", s.handleGetGraph).Methods(http.MethodGet)
	v1.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}/nodes/{nodeKey}/callback", s.handleCallback).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{runID}/nodes/{nodeKey}/retry", s.handleRetry).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{runID}/nodes/{nodeKey}/complete", s.handleCompleteUserTask).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{entityID}/journey", s.handleGetJourney).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{entityID}/move", s.handleMoveEntity).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// EnablePprof mounts the runtime profiling endpoints under /debug/pprof/.
// The named-profile routes must precede the catch-all Index prefix because
// the router matches in registration order.
func (s *Server) EnablePprof() {
	s.router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var domainErr domain.Error
	if !errors.As(err, &domainErr) {
		domainErr = domain.Error{Type: domain.ErrorTypeInternal, Message: err.Error()}
	}
	s.writeJSON(w, statusCodeFor(err), errorResponse{Error: domainErr})
}

type errorResponse struct {
	Error domain.Error `json:"error"`
}

func statusCodeFor(err error) int {
	switch {
	case domain.IsValidationError(err) || domain.IsInvalidTransitionError(err) || errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsNotFoundError(err):
		return http.StatusNotFound
	case domain.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// withRateLimit sheds requests over the per-client budget before they reach
// the router. Clients are keyed by IP, so honor X-Forwarded-For upstream if
// the server sits behind a proxy.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: domain.Error{
				Type:    domain.ErrorTypeRateLimit,
				Message: "rate limit exceeded",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
