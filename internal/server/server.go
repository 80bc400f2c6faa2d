// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
	"github.com/xkilldash9x/scriptgym/internal/events"
	"github.com/xkilldash9x/scriptgym/internal/service"
	"github.com/xkilldash9x/scriptgym/internal/store"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	eventBufferSize        = 512
)

// RunnerFactory builds the controller for one websocket run.
// *service.Components satisfies it.
type RunnerFactory interface {
	NewRunner(ctx context.Context, run schemas.RunConfig, emitter events.Emitter) (service.Runner, func(), error)
}

// Server hosts the run history API and the /ws/simulate stream.
type Server struct {
	cfg      config.ServerConfig
	gym      config.GymConfig
	logger   *zap.Logger
	history  store.Store
	runners  RunnerFactory
	gatherer prometheus.Gatherer

	// Every run event is mirrored here so the server log carries run progress.
	bus      *events.Bus
	router   http.Handler
	upgrader *websocket.Upgrader

	// runCtx parents every websocket run and is cancelled on shutdown.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup
	mu         sync.Mutex
	closing    bool

	httpServer *http.Server
}

// New creates the server. gatherer may be nil, in which case /metrics is not served.
func New(cfg config.ServerConfig, gym config.GymConfig, history store.Store, runners RunnerFactory, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	logger = logger.Named("server")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		gym:        gym,
		logger:     logger,
		history:    history,
		runners:    runners,
		gatherer:   gatherer,
		bus:        events.NewBus(logger, eventBufferSize),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
	s.upgrader = newUpgrader(cfg.AllowedOrigins)
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	// Websocket routes stay outside the request logger; a run can stream for minutes.
	r.Get("/ws/simulate", s.handleSimulate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  zap.NewStdLog(s.logger.Named("http")),
			NoColor: true,
		}))

		r.Get("/healthz", s.handleHealthCheck)
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Delete("/", s.handleClearRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Delete("/{runID}", s.handleDeleteRun)
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})
	return r
}

// ListenAndServe listens on the configured address and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully: in-flight runs are cancelled and given the shutdown timeout to
// persist their history.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	progress, unsubscribe := s.bus.Subscribe(events.AllTypes...)
	defer unsubscribe()
	logEvents := events.NewLogEmitter(s.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for msg := range progress {
			logEvents.Emit(context.Background(), msg.Event)
			s.bus.Acknowledge(msg)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Server listening.", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}

	// Hijacked websocket connections are not tracked by http.Server.
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelRuns()

	drained := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for active runs to persist.")
		errs = append(errs, fmt.Errorf("active runs did not finish: %w", ctx.Err()))
	}

	s.bus.Shutdown()
	s.logger.Info("Server stopped.")
	return errors.Join(errs...)
}

// beginRun registers a websocket run unless the server is shutting down.
func (s *Server) beginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.runs.Add(1)
	return true
}

// corsMiddleware allows the configured origins. "*" allows any origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowsAny(allowed):
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && originAllowed(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowsAny(allowed []string) bool {
	for _, o := range allowed {
		if o == "*" {
			return true
		}
	}
	return false
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
