// Package api provides the HTTP REST API and WebSocket server for
// Quantix Connect.
//
// It exposes protocol template and device management to operator UIs and
// line systems, and fans runtime weight updates out over WebSocket.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quantix-io/quantix-connect/internal/driver"
	"github.com/quantix-io/quantix-connect/internal/infrastructure/config"
	"github.com/quantix-io/quantix-connect/internal/infrastructure/logging"
	"github.com/quantix-io/quantix-connect/internal/protocol"
	"github.com/quantix-io/quantix-connect/internal/runtime"
	"github.com/quantix-io/quantix-connect/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// managerTimeout bounds every runtime RPC issued from a handler, so a
// wedged driver cannot hold an HTTP worker indefinitely.
const managerTimeout = 5 * time.Second

// Runtime is the device-runtime surface the handlers use. Satisfied by
// *runtime.Manager.
type Runtime interface {
	ReloadDevice(ctx context.Context, deviceID int64) error
	RemoveDevice(deviceID int64)
	ExecuteManualStep(ctx context.Context, deviceID int64, stepID string, params map[string]any) (*protocol.ManualResult, error)
	Snapshot(deviceID int64) runtime.Message
	Subscribe() chan runtime.Message
	Unsubscribe(ch chan runtime.Message)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    *config.Config
	Logger    *logging.Logger
	Templates store.TemplateStore
	Devices   store.DeviceStore
	Runtime   Runtime
	Version   string
}

// Server is the HTTP API server for Quantix Connect.
//
// It manages the HTTP listener, routes, middleware and the WebSocket
// fan-out. The server is created with New() and started with Start().
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	templates store.TemplateStore
	devices   store.DeviceStore
	runtime   Runtime
	version   string

	// newDriver builds ephemeral drivers for template test endpoints.
	// Tests swap it for a stub.
	newDriver func(protocolType string, connParams map[string]any, opts driver.Options) (driver.Driver, error)
	exec      *protocol.Executor

	server *http.Server
	// baseCtx is cancelled by Close so WebSocket writers terminate;
	// Shutdown alone does not close hijacked connections.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Templates == nil || deps.Devices == nil {
		return nil, fmt.Errorf("template and device stores are required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("device runtime is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		templates: deps.Templates,
		devices:   deps.Devices,
		runtime:   deps.Runtime,
		version:   deps.Version,
		newDriver: driver.New,
		exec:      protocol.NewExecutor(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Auth.APIKey == "" {
		s.logger.Warn("API key is empty: control plane authentication is disabled")
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
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

// runtimeContext derives the bounded context used for runtime RPCs.
func runtimeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), managerTimeout)
}
