// Package gateway implements the websocket front door: it authenticates
// connections, binds each one to a session, relays chat turns to the
// engine, and suspends turns while the engine waits on user input.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/agentgate/agents"
	"github.com/agentgate/agentgate/auth"
	"github.com/agentgate/agentgate/questions"
	"github.com/agentgate/agentgate/sessions"
	"github.com/agentgate/agentgate/storage"
)

const (
	// DefaultAuthTimeout bounds how long a fresh connection may sit
	// unauthenticated before it is closed.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultQuestionTimeout bounds how long a turn stays suspended waiting
	// for the user to answer a question.
	DefaultQuestionTimeout = 5 * time.Minute
	// DefaultQueueDepth bounds buffered chat messages per connection.
	DefaultQueueDepth = 32
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthTimeout overrides the authentication deadline.
func WithAuthTimeout(d time.Duration) Option {
	return func(h *Handler) { h.authTimeout = d }
}

// WithQuestionTimeout overrides the question wait deadline.
func WithQuestionTimeout(d time.Duration) Option {
	return func(h *Handler) { h.questionTimeout = d }
}

// WithQueueDepth overrides the per-connection message queue depth.
func WithQueueDepth(n int) Option {
	return func(h *Handler) { h.queueDepth = n }
}

// WithRateLimit enables a per-user connection rate limit of rate
// connections per interval with the given burst.
func WithRateLimit(rate int, interval time.Duration, burst int) Option {
	return func(h *Handler) { h.limiter = newRateLimiter(rate, interval, burst) }
}

// WithMetrics registers the handler's metrics on reg and serves them at
// /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(h *Handler) { h.promReg = reg }
}

// WithCheckOrigin overrides the websocket origin check. The default
// accepts any origin; deployments fronted by a browser should restrict it.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler serves the websocket endpoint and the admin surface.
type Handler struct {
	log        *slog.Logger
	authn      auth.Authenticator
	sessions   *sessions.Manager
	questions  *questions.Manager
	store      storage.MessageStore
	registry   *agents.Registry
	limiter    *rateLimiter
	metrics    *metrics
	promReg    *prometheus.Registry
	upgrader   websocket.Upgrader
	mux        *http.ServeMux

	authTimeout     time.Duration
	questionTimeout time.Duration
	queueDepth      int
}

// NewHandler assembles the gateway's HTTP surface.
func NewHandler(authn auth.Authenticator, sm *sessions.Manager, qm *questions.Manager, store storage.MessageStore, registry *agents.Registry, opts ...Option) *Handler {
	h := &Handler{
		log:             slog.Default(),
		authn:           authn,
		sessions:        sm,
		questions:       qm,
		store:           store,
		registry:        registry,
		authTimeout:     DefaultAuthTimeout,
		questionTimeout: DefaultQuestionTimeout,
		queueDepth:      DefaultQueueDepth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	var promReg prometheus.Registerer
	if h.promReg != nil {
		promReg = h.promReg
	}
	h.metrics = newMetrics(promReg)

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /v1/connect", h.handleConnect)
	h.mux.HandleFunc("GET /v1/sessions", h.handleListSessions)
	h.mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleDeleteSession)
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	if h.promReg != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.promReg, promhttp.HandlerOpts{}))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}
