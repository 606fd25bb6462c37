package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mobilinkhero/waflow/internal/bot"
	"github.com/mobilinkhero/waflow/internal/config"
	"github.com/mobilinkhero/waflow/internal/observability"
	"github.com/mobilinkhero/waflow/internal/session"
)

type Server struct {
	cfg       config.Config
	processor *bot.Processor
	sessions  *session.Manager
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, processor *bot.Processor, sessions *session.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		processor: processor,
		sessions:  sessions,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/webhook/message", s.handleWebhookMessage)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"session_store_driver":  s.cfg.SessionStoreDriver,
		"threads_enabled":       s.cfg.ThreadsEnabled,
		"active_order_sessions": s.sessions.LiveCount(r.Context()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.processor == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "processor not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	var ev bot.InboundEvent
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !ev.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_event", "tenant_id, contact_id and text are required")
		return
	}

	reply := s.processor.Process(r.Context(), "webhook", ev)
	respondJSON(w, http.StatusOK, map[string]any{
		"reply":               reply,
		"reply_to_message_id": ev.ReplyToMessageID,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snapshot := s.metrics.StageSnapshot()
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, snapshot)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
