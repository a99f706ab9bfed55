// Package ingest turns upstream git activity into normalized events: a
// repository poller watches local clones and an emitter fans events out to
// registered handlers while mirroring them into the KV store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/logger"
)

// KindAny subscribes a handler to every event kind.
const KindAny domain.EventKind = "*"

const (
	eventKeyTTL    = 30 * 24 * time.Hour
	eventStreamCap = 1000
)

// Handler consumes a normalized event. Handlers run synchronously in
// registration order; a handler error is logged and does not stop the rest.
type Handler func(ctx context.Context, e *domain.Event) error

// Emitter deduplicates, persists, and fans out normalized events.
type Emitter struct {
	kv  *kvstore.Store
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[domain.EventKind][]Handler
}

// NewEmitter builds an emitter over the KV store. A nil store disables
// mirroring and cross-process dedup but keeps handler fan-out working.
func NewEmitter(kv *kvstore.Store) *Emitter {
	return &Emitter{
		kv:       kv,
		log:      logger.New("ingest"),
		handlers: make(map[domain.EventKind][]Handler),
	}
}

// RegisterHandler subscribes a handler to one event kind (or KindAny).
func (em *Emitter) RegisterHandler(kind domain.EventKind, h Handler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.handlers[kind] = append(em.handlers[kind], h)
}

// HandlerCount reports registered handlers per kind.
func (em *Emitter) HandlerCount() map[domain.EventKind]int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	counts := make(map[domain.EventKind]int, len(em.handlers))
	for k, hs := range em.handlers {
		counts[k] = len(hs)
	}
	return counts
}

// Emit finalizes the event, deduplicates it by event_id, invokes handlers,
// and mirrors it to `git_events:<id>` and the repository stream. The return
// reports whether the event was new. Repeated delivery of the same upstream
// event stores at most one normalized event.
func (em *Emitter) Emit(ctx context.Context, e *domain.Event) (bool, error) {
	if err := domain.ValidateEvent(e); err != nil {
		return false, err
	}
	e.Finalize()

	raw, err := json.Marshal(e)
	if err != nil {
		return false, err
	}

	if em.kv != nil {
		stored, err := em.kv.SetNX(ctx, "git_events:"+e.ID, string(raw), eventKeyTTL)
		if err != nil {
			// degraded KV never blocks ingestion
			em.log.Warn().Err(err).Str("event_id", e.ID).Msg("event dedup check failed, treating as new")
		} else if !stored {
			em.log.Debug().Str("event_id", e.ID).Msg("duplicate event dropped")
			return false, nil
		}
	}

	em.invokeHandlers(ctx, e)

	if em.kv != nil {
		stream := fmt.Sprintf("git_events:stream:%s", e.Repository)
		if _, err := em.kv.XAdd(ctx, stream, eventStreamCap, map[string]any{"event": string(raw)}); err != nil {
			em.log.Warn().Err(err).Str("stream", stream).Msg("event stream append failed")
		}
	}

	em.log.Info().Str("event_id", e.ID).Str("kind", string(e.Kind)).
		Str("repository", e.Repository).Msg("event emitted")
	return true, nil
}

func (em *Emitter) invokeHandlers(ctx context.Context, e *domain.Event) {
	em.mu.RLock()
	handlers := append(append([]Handler(nil), em.handlers[e.Kind]...), em.handlers[KindAny]...)
	em.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			em.log.Error().Err(err).Str("event_id", e.ID).Str("kind", string(e.Kind)).
				Msg("event handler failed")
		}
	}
}

// RecentEvents reads back the most recent events for a repository from its
// stream mirror.
func (em *Emitter) RecentEvents(ctx context.Context, repository string, limit int) ([]domain.Event, error) {
	if em.kv == nil {
		return nil, nil
	}
	entries, err := em.kv.XRange(ctx, fmt.Sprintf("git_events:stream:%s", repository), "-", "+")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	events := make([]domain.Event, 0, len(entries))
	for _, entry := range entries {
		payload, ok := entry.Values["event"]
		if !ok {
			continue
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			em.log.Warn().Str("stream_id", entry.ID).Msg("skipping undecodable stream entry")
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
