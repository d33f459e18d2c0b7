// Package gateway is the assistant's HTTP server: relay webhooks, health,
// Prometheus metrics and the operator API over live conversations.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/conversation"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/scheduler"
)

// Config configures the HTTP server.
type Config struct {
	// Address is the listen address (default ":8085").
	Address string `yaml:"address"`

	// AuthToken protects everything but /health and webhooks with
	// "Authorization: Bearer <token>". Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins (empty = no CORS headers).
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{Address: ":8085"}
}

// Conversations is the operator view of the state store.
type Conversations interface {
	List() []*conversation.State
	Get(userID string) *conversation.State
	Clear(userID string) bool
	Count() int
}

// Deps are the components the gateway reports on. Nil fields disable the
// matching endpoints.
type Deps struct {
	Conversations Conversations
	Channels      interface {
		HealthAll() map[string]channels.HealthStatus
	}
	Metrics http.Handler
	Jobs    func() []scheduler.JobStatus
	// Status adds component details (database, contacts cache) to /api/status.
	Status func(ctx context.Context) map[string]any
	// QR returns the pending WhatsApp pairing code.
	QR func() (code string, ok bool)
}

// Gateway is the HTTP server.
type Gateway struct {
	cfg     Config
	deps    Deps
	version string
	logger  *slog.Logger

	mu        sync.Mutex
	webhooks  map[string]http.Handler
	server    *http.Server
	startedAt time.Time
}

// New creates a gateway. Mount webhooks before Start.
func New(cfg Config, deps Deps, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Gateway{
		cfg:       cfg,
		deps:      deps,
		version:   version,
		logger:    logger.With("component", "gateway"),
		webhooks:  make(map[string]http.Handler),
		startedAt: time.Now(),
	}
}

// Mount registers an inbound webhook. Webhooks authenticate themselves
// (e.g. Twilio signatures) and bypass the bearer check.
func (g *Gateway) Mount(path string, h http.Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.webhooks[path] = h
}

// Handler builds the full handler chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	if g.deps.Metrics != nil {
		mux.Handle("GET /metrics", g.deps.Metrics)
	}
	if g.deps.Conversations != nil {
		mux.HandleFunc("GET /api/conversations", g.handleListConversations)
		mux.HandleFunc("GET /api/conversations/{user}", g.handleGetConversation)
		mux.HandleFunc("DELETE /api/conversations/{user}", g.handleDeleteConversation)
	}
	mux.HandleFunc("GET /api/status", g.handleStatus)
	if g.deps.QR != nil {
		mux.HandleFunc("GET /api/whatsapp/qr", g.handleQR)
	}

	g.mu.Lock()
	public := make(map[string]bool, len(g.webhooks))
	for path, h := range g.webhooks {
		mux.Handle(path, h)
		public[path] = true
	}
	g.mu.Unlock()

	return g.securityHeaders(g.cors(g.auth(mux, public)))
}

// Start listens in the background.
func (g *Gateway) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Serve serves on ln in the background.
func (g *Gateway) Serve(ln net.Listener) error {
	g.mu.Lock()
	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	srv := g.server
	g.mu.Unlock()

	if g.cfg.AuthToken == "" && !loopback(ln.Addr()) {
		g.logger.Warn("SECURITY: gateway has no auth token and listens on a non-loopback address",
			"address", ln.Addr().String())
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return srv.Shutdown(ctx)
}

func loopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}
