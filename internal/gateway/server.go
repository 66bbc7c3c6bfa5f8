// Package gateway is the operator-facing HTTP surface: health and
// deploy for supervision, the TUI API (groups, messages, send, SSE
// events), the Prometheus scrape endpoint and the webchat socket. It
// binds 0.0.0.0:<deploy_port>; agent containers never talk to it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/channels"
	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

// Repo is the deployment checkout /health reports and /deploy updates.
// Satisfied by *gitops.Manager.
type Repo interface {
	HeadSHA(ctx context.Context) (string, error)
	HeadSubject(ctx context.Context) (string, error)
	PullMain(ctx context.Context) error
}

// Server serves the gateway HTTP surface.
type Server struct {
	cfg      config.GatewayConfig
	stores   *store.Stores
	channels *channels.Manager
	events   bus.Publisher

	repo    Repo
	webchat http.Handler
	restart func()
	limiter *channels.WebhookRateLimiter

	startedAt time.Time
	mux       *http.ServeMux
	srv       *http.Server
}

// Option adjusts optional server wiring.
type Option func(*Server)

// WithRepo attaches the deployment checkout; without it /deploy is
// disabled and /health reports empty head fields.
func WithRepo(r Repo) Option {
	return func(s *Server) { s.repo = r }
}

// WithRestart sets the hook /deploy fires after a successful pull. The
// hook runs on its own goroutine so the response can flush first.
func WithRestart(fn func()) Option {
	return func(s *Server) { s.restart = fn }
}

// WithWebchat mounts the webchat websocket handler at GET /ws.
func WithWebchat(h http.Handler) Option {
	return func(s *Server) { s.webchat = h }
}

// NewServer builds the gateway. events may be nil when nothing will
// consume /api/events.
func NewServer(cfg config.GatewayConfig, stores *store.Stores, ch *channels.Manager, events bus.Publisher, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		stores:    stores,
		channels:  ch,
		events:    events,
		startedAt: time.Now(),
	}
	if events == nil {
		s.events = bus.Nop{}
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = channels.NewWebhookRateLimiter(cfg.RateLimitRPM, time.Minute)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildMux creates and caches the route table. Call it before Start
// when the same routes should serve an additional listener, such as
// the tsnet one.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /deploy", s.handleDeploy)

	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	if s.webchat != nil {
		mux.Handle("GET /ws", s.webchat)
	}

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	host := s.cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.DeployPort)
	s.srv = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func extractBearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// clientKey buckets rate-limited requests by client address.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
