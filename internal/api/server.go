// Package api exposes the daemon's decision pipeline and supporting
// components over HTTP and WebSocket, using ServeMux "METHOD /path" routing
// and a Bearer-token auth middleware.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/govd/govd/internal/config"
	"github.com/govd/govd/internal/consent"
	"github.com/govd/govd/internal/decision"
	"github.com/govd/govd/internal/fanout"
	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/spend"
	"github.com/govd/govd/internal/storage"
	"github.com/govd/govd/internal/template"
	"github.com/govd/govd/internal/token"
)

// webhookPersister durably records webhook registrations. *storage.Store
// satisfies it; it is narrowed here so tests can fake it without a database.
type webhookPersister interface {
	SaveWebhook(w storage.Webhook) error
	DeleteWebhook(url string) error
	LoadWebhooks() ([]storage.Webhook, error)
}

// Server is the daemon's HTTP/WS surface. It holds no state of its own
// beyond routing -- every operation delegates to the component that owns
// the relevant state.
type Server struct {
	cfg       *config.Config
	engine    *decision.Engine
	broker    *consent.Broker
	tokens    *token.Store
	templates *template.Store
	roles     *role.Resolver
	ledger    *spend.Ledger
	journal   *journal.Journal
	bus       *fanout.Bus
	webhooks  webhookPersister
	logger    *slog.Logger

	upgrader websocket.Upgrader

	mux        *http.ServeMux
	httpServer *http.Server
}

// New constructs a Server and wires its routes. webhooks may be nil, in
// which case registered webhooks do not survive a restart.
func New(
	cfg *config.Config,
	engine *decision.Engine,
	broker *consent.Broker,
	tokens *token.Store,
	templates *template.Store,
	roles *role.Resolver,
	ledger *spend.Ledger,
	j *journal.Journal,
	bus *fanout.Bus,
	webhooks webhookPersister,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		broker:    broker,
		tokens:    tokens,
		templates: templates,
		roles:     roles,
		ledger:    ledger,
		journal:   j,
		bus:       bus,
		webhooks:  webhooks,
		logger:    logger.With("component", "api.Server"),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /decide", s.handleDecide)
	s.mux.HandleFunc("POST /decide/{id}", s.requireAPIKey(s.handleDecideTicket))
	s.mux.HandleFunc("POST /await/{id}", s.requireAPIKey(s.handleAwait))
	s.mux.HandleFunc("POST /events", s.requireAPIKey(s.handlePostEvent))

	s.mux.HandleFunc("GET /timeline", s.requireAPIKey(s.handleTimeline))
	s.mux.HandleFunc("POST /timeline/replay", s.requireAPIKey(s.handleTimelineReplay))
	s.mux.HandleFunc("GET /timeline.ndjson", s.requireAPIKey(s.handleTimelineNDJSON))
	s.mux.HandleFunc("GET /timeline/export", s.requireAPIKey(s.handleTimelineExport))

	s.mux.HandleFunc("POST /tokens/issue", s.requireAPIKey(s.handleTokensIssue))
	s.mux.HandleFunc("POST /tokens/introspect", s.requireAPIKey(s.handleTokensIntrospect))
	s.mux.HandleFunc("POST /tokens/pause", s.requireAPIKey(s.handleTokensPause))
	s.mux.HandleFunc("POST /tokens/resume", s.requireAPIKey(s.handleTokensResume))
	s.mux.HandleFunc("POST /tokens/revoke", s.requireAPIKey(s.handleTokensRevoke))
	s.mux.HandleFunc("GET /tokens/list", s.requireAPIKey(s.handleTokensList))

	s.mux.HandleFunc("GET /templates", s.requireAPIKey(s.handleTemplatesList))
	s.mux.HandleFunc("POST /templates/validate", s.requireAPIKey(s.handleTemplatesValidate))

	s.mux.HandleFunc("POST /roles/apply", s.requireAPIKey(s.handleRolesApply))
	s.mux.HandleFunc("GET /roles", s.requireAPIKey(s.handleRolesList))
	s.mux.HandleFunc("GET /roles/{agentId}", s.requireAPIKey(s.handleRolesGet))

	s.mux.HandleFunc("POST /policy/test", s.requireAPIKey(s.handlePolicyTest))
	s.mux.HandleFunc("POST /input-filter/test", s.requireAPIKey(s.handleInputFilterTest))

	s.mux.HandleFunc("GET /webhooks", s.requireAPIKey(s.handleWebhooksList))
	s.mux.HandleFunc("POST /webhooks", s.requireAPIKey(s.handleWebhooksAdd))
	s.mux.HandleFunc("DELETE /webhooks", s.requireAPIKey(s.handleWebhooksDelete))

	s.mux.HandleFunc("GET /metrics/llm", s.requireAPIKey(s.handleMetricsLLM))
	s.mux.HandleFunc("GET /metrics/chaos", s.requireAPIKey(s.handleMetricsChaos))
	s.mux.HandleFunc("GET /scopes", s.requireAPIKey(s.handleScopes))

	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.Handle("GET /debug/metrics", metricsHandler())
}

// Start begins serving on cfg.Listen.Address. It blocks until the server
// stops (via Shutdown or an unrecoverable error).
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http/ws surface listening", "address", s.cfg.Listen.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight HTTP requests. WebSocket connections
// have been hijacked from the HTTP server, so Shutdown does not close them.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireAPIKey wraps next so it only runs for a request carrying an API
// key configured in cfg.APIKeys, via "Authorization: Bearer <key>" or
// "x-api-key: <key>". /decide is deliberately not wrapped with this -- it
// has its own dual auth path (API key or a valid capability token in the
// body), handled in handleDecide.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.validAPIKey(apiKeyFromRequest(r)) {
			writeError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) validAPIKey(key string) bool {
	if key == "" {
		return false
	}
	for _, configured := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(configured)) == 1 {
			return true
		}
	}
	return false
}

func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("apiKey")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
