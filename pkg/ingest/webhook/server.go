// Package webhook receives source-native CI/SCM webhooks, verifies their
// signatures, stores them, and forwards normalized events to the ingestion
// emitter.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/ingest"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/logger"
)

const (
	webhookKeyTTL    = 7 * 24 * time.Hour
	webhookStreamCap = 1000
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fluxline_webhook_requests_total",
	Help: "Webhook deliveries by source and outcome.",
}, []string{"source", "outcome"})

// Handler consumes a stored webhook after normalization.
type Handler func(we *domain.WebhookEvent) error

// Server is the webhook ingress. Endpoints are registered per source path
// segment; POST /webhook routes to the endpoint registered as "default".
type Server struct {
	emitter *ingest.Emitter
	kv      *kvstore.Store
	log     zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]domain.WebhookConfig
	handlers  map[domain.WebhookSource][]Handler
	received  map[domain.WebhookSource]int64
}

// NewServer builds the ingress over the emitter and KV mirror.
func NewServer(em *ingest.Emitter, kv *kvstore.Store) *Server {
	return &Server{
		emitter:   em,
		kv:        kv,
		log:       logger.New("webhook"),
		endpoints: make(map[string]domain.WebhookConfig),
		handlers:  make(map[domain.WebhookSource][]Handler),
		received:  make(map[domain.WebhookSource]int64),
	}
}

// Register configures an endpoint. The path is the {source} segment of
// POST /webhook/{source}. Missing supported events default per source.
func (s *Server) Register(cfg domain.WebhookConfig) {
	if len(cfg.SupportedEvents) == 0 {
		cfg.SupportedEvents = domain.DefaultSupportedEvents(cfg.Source)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[cfg.Path] = cfg
}

// OnWebhook subscribes a handler to every stored webhook from one source.
func (s *Server) OnWebhook(source domain.WebhookSource, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[source] = append(s.handlers[source], h)
}

// Router wires the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/{source}", s.handleWebhook)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "source")
	if path == "" {
		path = "default"
	}

	s.mu.RLock()
	cfg, ok := s.endpoints[path]
	s.mu.RUnlock()
	if !ok {
		requestsTotal.WithLabelValues(path, "not_found").Inc()
		http.Error(w, "unknown webhook endpoint", http.StatusNotFound)
		return
	}
	if !cfg.Enabled {
		requestsTotal.WithLabelValues(string(cfg.Source), "disabled").Inc()
		http.Error(w, "endpoint disabled", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, cfg.Source, "read request body", err)
		return
	}

	if cfg.VerifySignature {
		if ok, reason := verifySignature(cfg.Source, cfg.Secret, r.Header, body); !ok {
			requestsTotal.WithLabelValues(string(cfg.Source), "unauthorized").Inc()
			http.Error(w, "signature verification failed: "+reason, http.StatusUnauthorized)
			return
		}
	}

	if !json.Valid(body) {
		requestsTotal.WithLabelValues(string(cfg.Source), "invalid").Inc()
		http.Error(w, "body is not valid JSON", http.StatusBadRequest)
		return
	}

	et := eventType(cfg.Source, r.Header.Get)
	we := &domain.WebhookEvent{
		ID:        domain.WebhookID(cfg.Source, et, body),
		Source:    cfg.Source,
		EventType: et,
		Timestamp: time.Now().UTC(),
		Payload:   body,
		Headers:   flattenHeaders(r.Header),
	}

	if err := s.process(r, we, cfg); err != nil {
		s.fail(w, cfg.Source, "process webhook", err)
		return
	}

	requestsTotal.WithLabelValues(string(cfg.Source), "ok").Inc()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) process(r *http.Request, we *domain.WebhookEvent, cfg domain.WebhookConfig) error {
	ctx := r.Context()

	s.mirror(ctx, we)

	if supportedEvent(cfg.SupportedEvents, we.EventType) {
		event, err := ParseEvent(we)
		if err != nil {
			return err
		}
		if event != nil {
			if _, err := s.emitter.Emit(ctx, event); err != nil {
				return err
			}
		}
	}

	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers[we.Source]...)
	s.mu.RUnlock()
	for _, h := range handlers {
		if err := h(we); err != nil {
			s.log.Error().Err(err).Str("source", string(we.Source)).Msg("webhook handler failed")
		}
	}

	s.mu.Lock()
	s.received[we.Source]++
	s.mu.Unlock()
	return nil
}

// mirror stores the webhook record and stream entry; KV failures degrade
// to log lines.
func (s *Server) mirror(ctx context.Context, we *domain.WebhookEvent) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(we)
	if err != nil {
		return
	}
	key := fmt.Sprintf("webhooks:%s:%s", we.Source, we.ID)
	if err := s.kv.Set(ctx, key, string(raw), webhookKeyTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("webhook mirror write failed")
	}
	stream := fmt.Sprintf("webhooks:stream:%s", we.Source)
	if _, err := s.kv.XAdd(ctx, stream, webhookStreamCap, map[string]any{"webhook": string(raw)}); err != nil {
		s.log.Warn().Err(err).Str("stream", stream).Msg("webhook stream append failed")
	}
}

// fail answers 500 with an opaque error id; the cause stays in the logs.
func (s *Server) fail(w http.ResponseWriter, source domain.WebhookSource, what string, err error) {
	errorID := uuid.NewString()
	s.log.Error().Err(err).Str("error_id", errorID).Str("source", string(source)).Msg(what)
	requestsTotal.WithLabelValues(string(source), "error").Inc()
	http.Error(w, "internal error, id="+errorID, http.StatusInternalServerError)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := make(map[string]any, len(s.endpoints))
	for path, cfg := range s.endpoints {
		endpoints[path] = map[string]any{
			"source":           cfg.Source,
			"enabled":          cfg.Enabled,
			"verify_signature": cfg.VerifySignature,
			"supported_events": cfg.SupportedEvents,
		}
	}
	handlers := make(map[string]int, len(s.handlers))
	for source, hs := range s.handlers {
		handlers[string(source)] = len(hs)
	}
	status := map[string]any{
		"configured_endpoints": len(s.endpoints),
		"endpoints":            endpoints,
		"handlers_registered":  handlers,
	}
	for source, n := range s.received {
		status[string(source)+"_events_count"] = n
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// ReceivedCounts snapshots per-source delivery counts for the dashboard.
func (s *Server) ReceivedCounts() map[domain.WebhookSource]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.WebhookSource]int64, len(s.received))
	for k, v := range s.received {
		out[k] = v
	}
	return out
}

func supportedEvent(supported []string, eventType string) bool {
	for _, e := range supported {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
