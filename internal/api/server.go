package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tracewire/tracewire-core/internal/eventbus"
	"github.com/tracewire/tracewire-core/internal/framestore"
	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
	"github.com/tracewire/tracewire-core/internal/infrastructure/logging"
	"github.com/tracewire/tracewire-core/internal/ingest"
	"github.com/tracewire/tracewire-core/internal/workspace"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Workspace is the slice of the session manager the gateway drives. The
// manager satisfies it; tests substitute a fake.
type Workspace interface {
	Connect(ctx context.Context, req workspace.ConnectRequest) (*workspace.SessionInfo, error)
	Disconnect(ctx context.Context, sessionID string) error
	UiState(ctx context.Context, sessionID, viewID string) (json.RawMessage, error)
	Notify(ctx context.Context, kind string, data map[string]any) error
	Capabilities(ctx context.Context, entry string) ([]hostproto.Capability, error)
	Catalog() []workspace.CatalogEntry
	Hosts() []workspace.HostStatus
	Sessions() []workspace.SessionInfo
	Session(sessionID string) (*workspace.SessionInfo, error)
}

// Deps holds the dependencies required by the gateway server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Workspace Workspace
	Frames    *framestore.Store
	Ingest    *ingest.Loop
	Bus       *eventbus.Bus
	Version   string
}

// Server is the gateway HTTP server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	workspace Workspace
	frames    *framestore.Store
	ingest    *ingest.Loop
	bus       *eventbus.Bus
	version   string
	startTime time.Time

	tickets *ticketIssuer
	hub     *Hub
	server  *http.Server
	cancel  context.CancelFunc
}

// New creates a gateway server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Workspace == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required for websocket tickets")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		workspace: deps.Workspace,
		frames:    deps.Frames,
		ingest:    deps.Ingest,
		bus:       deps.Bus,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketIssuer(deps.Security.JWT),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router, starts the WebSocket hub relaying bus events,
// and launches the HTTP listener in a background goroutine. The server
// is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.bus, s.logger)
	go s.hub.Run(srvCtx)
	go s.tickets.pruneLoop(srvCtx)

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
			s.logger.Info("gateway starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("gateway starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the gateway.
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

	s.logger.Info("gateway shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}
	return nil
}

// HealthCheck verifies the gateway is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("gateway health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("gateway not started")
	}

	return nil
}
