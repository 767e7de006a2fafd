// Package agentgate assembles the gateway server: authentication, the
// session cache, the question registry, history storage, the agent
// registry and the engine, wired behind one HTTP handler. Nothing here is
// process-global; tests and embedders construct as many servers as they
// need.
package agentgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/agents"
	"github.com/agentgate/agentgate/auth"
	"github.com/agentgate/agentgate/engine"
	"github.com/agentgate/agentgate/engine/claude"
	"github.com/agentgate/agentgate/gateway"
	"github.com/agentgate/agentgate/internal/logctx"
	"github.com/agentgate/agentgate/internal/tokenauth"
	"github.com/agentgate/agentgate/questions"
	"github.com/agentgate/agentgate/sessions"
	"github.com/agentgate/agentgate/storage"
	memorystore "github.com/agentgate/agentgate/storage/memory"
	redisstore "github.com/agentgate/agentgate/storage/redis"
)

// Config is the server's environment-driven configuration.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	// Exactly one of HMACSecret or JWKSURI selects the token validator.
	HMACSecret string `env:"AUTH_HMAC_SECRET"`
	JWKSURI    string `env:"AUTH_JWKS_URI"`
	Issuer     string `env:"AUTH_ISSUER"`
	Audience   string `env:"AUTH_AUDIENCE"`

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AgentsDir       string `env:"AGENTS_DIR"`

	// RedisAddr switches history storage from in-memory to Redis.
	RedisAddr string `env:"REDIS_ADDR"`

	SessionTTL      time.Duration `env:"SESSION_TTL,default=30m"`
	SessionCapacity int           `env:"SESSION_CACHE_CAPACITY,default=100"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT,default=10s"`
	QuestionTimeout time.Duration `env:"QUESTION_TIMEOUT,default=5m"`

	// RateLimitPerMinute of 0 disables the per-user connection limit.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE,default=0"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST,default=10"`
}

// Server is a fully wired gateway.
type Server struct {
	log       *slog.Logger
	cfg       Config
	handler   *gateway.Handler
	sessions  *sessions.Manager
	registry  *agents.Registry
	store     storage.MessageStore
	factory   engine.Factory
	authn     auth.Authenticator
	httpSrv   *http.Server
	stopWatch chan struct{}
}

// New wires a Server from configuration. The engine factory defaults to
// the Claude engine; tests inject their own via WithEngine.
func New(ctx context.Context, cfg Config, opts ...ServerOption) (*Server, error) {
	s := &Server{cfg: cfg, stopWatch: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLevel(cfg.LogLevel),
		})})
	}

	registry, err := agents.NewRegistry(cfg.AgentsDir, s.log)
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}
	s.registry = registry

	if s.store == nil {
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
			}
			store, err := redisstore.New(redisstore.Config{Client: client})
			if err != nil {
				return nil, fmt.Errorf("redis storage: %w", err)
			}
			s.store = store
		} else {
			s.store = memorystore.New()
		}
	}

	authn, err := s.buildAuthenticator(ctx)
	if err != nil {
		return nil, err
	}

	if s.factory == nil {
		s.factory = claude.NewFactory(claude.WithAPIKey(cfg.AnthropicAPIKey), claude.WithLogger(s.log))
	}

	s.sessions = sessions.NewManager(s.factory, s.store, registry,
		sessions.WithTTL(cfg.SessionTTL),
		sessions.WithCapacity(cfg.SessionCapacity),
		sessions.WithLogger(s.log),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gwOpts := []gateway.Option{
		gateway.WithLogger(s.log),
		gateway.WithAuthTimeout(cfg.AuthTimeout),
		gateway.WithQuestionTimeout(cfg.QuestionTimeout),
		gateway.WithMetrics(promReg),
	}
	if cfg.RateLimitPerMinute > 0 {
		gwOpts = append(gwOpts, gateway.WithRateLimit(cfg.RateLimitPerMinute, time.Minute, cfg.RateLimitBurst))
	}
	s.handler = gateway.NewHandler(authn, s.sessions, questions.NewManager(), s.store, registry, gwOpts...)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) buildAuthenticator(ctx context.Context) (auth.Authenticator, error) {
	switch {
	case s.authn != nil:
		return s.authn, nil
	case s.cfg.HMACSecret != "":
		return tokenauth.NewHMAC([]byte(s.cfg.HMACSecret), tokenauth.HMACConfig{
			Issuer:   s.cfg.Issuer,
			Audience: s.cfg.Audience,
		})
	case s.cfg.JWKSURI != "":
		return tokenauth.NewJWKS(ctx, &tokenauth.JWKSConfig{
			Issuer:            s.cfg.Issuer,
			ExpectedAudiences: []string{s.cfg.Audience},
		}, s.cfg.JWKSURI)
	default:
		return nil, errors.New("no authenticator configured: set AUTH_HMAC_SECRET or AUTH_JWKS_URI")
	}
}

// Handler exposes the HTTP surface for embedding or tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.registry.Watch(s.stopWatch); err != nil {
			s.log.Warn("agents.watch.fail", slog.String("err", err.Error()))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server.listen", slog.String("addr", s.cfg.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, disconnects live engine sessions
// and releases storage.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopWatch)
	err := s.httpSrv.Shutdown(ctx)
	s.sessions.Shutdown(ctx)
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.log.Info("server.stopped")
	return err
}

// ServerOption overrides a wired component, mainly for tests.
type ServerOption func(*Server)

// WithEngine substitutes the engine factory.
func WithEngine(f engine.Factory) ServerOption {
	return func(s *Server) { s.factory = f }
}

// WithAuthenticator substitutes the token validator.
func WithAuthenticator(a auth.Authenticator) ServerOption {
	return func(s *Server) { s.authn = a }
}

// WithStore substitutes the message store.
func WithStore(st storage.MessageStore) ServerOption {
	return func(s *Server) { s.store = st }
}

// WithServerLogger substitutes the logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
