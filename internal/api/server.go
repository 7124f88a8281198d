package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/zwave-relay/internal/audit"
	"github.com/nerrad567/zwave-relay/internal/controller"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/logging"
	"github.com/nerrad567/zwave-relay/internal/proprietary"
	"github.com/nerrad567/zwave-relay/internal/provisioning"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// History lists recorded vendor frames. *audit.SQLiteRepository satisfies it.
type History interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config       config.APIConfig
	WS           config.WebSocketConfig
	Metrics      config.MetricsConfig
	Logger       *logging.Logger
	Controller   *controller.Controller
	Provisioning *provisioning.Manager
	Sender       *proprietary.Sender
	History      History // optional

	// ClientMetrics and Registry are optional. /metrics is served only
	// when Registry is set and Metrics.Enabled is true.
	ClientMetrics ClientMetrics
	Registry      *prometheus.Registry

	Version string
}

// Server is the relay's HTTP and WebSocket front end.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	metCfg   config.MetricsConfig
	logger   *logging.Logger
	ctrl     *controller.Controller
	prov     *provisioning.Manager
	sender   *proprietary.Sender
	history  History
	metrics  ClientMetrics
	registry *prometheus.Registry
	version  string

	table  map[string]route
	hub    *Hub
	server *http.Server

	ctxMu  sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc // cancels background goroutines on Close()
	wg     sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, controller, provisioning, sender)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Controller == nil:
		return nil, fmt.Errorf("controller is required")
	case deps.Provisioning == nil:
		return nil, fmt.Errorf("provisioning manager is required")
	case deps.Sender == nil:
		return nil, fmt.Errorf("vendor command sender is required")
	}
	if deps.WS.Path == "" {
		deps.WS.Path = "/ws"
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		metCfg:   deps.Metrics,
		logger:   deps.Logger,
		ctrl:     deps.Controller,
		prov:     deps.Provisioning,
		sender:   deps.Sender,
		history:  deps.History,
		metrics:  deps.ClientMetrics,
		registry: deps.Registry,
		version:  deps.Version,
		ctx:      context.Background(),
	}
	s.table = s.routes()
	s.hub = NewHub(s.wsCfg, s.logger, s.metrics)
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts forwarding bus events to WebSocket clients and launches the
// HTTP listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines and driver starts
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr, "websocket_path", s.wsCfg.Path)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// startBackground creates the server context and starts the hub.
func (s *Server) startBackground(ctx context.Context) {
	srvCtx, cancel := context.WithCancel(ctx)
	s.ctxMu.Lock()
	s.ctx, s.cancel = srvCtx, cancel
	s.ctxMu.Unlock()

	// Subscribe before returning so no event published after Start is missed.
	events, unsubscribe := s.ctrl.Bus().Subscribe(busSubscriberName, busBuffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(srvCtx, events, unsubscribe)
	}()
}

// baseContext is the context requests run under. It outlives any one
// client so a START survives the requesting client disconnecting.
func (s *Server) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.ctxMu.RLock()
	cancel := s.cancel
	s.ctxMu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.server == nil {
		return nil
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancelShutdown()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
