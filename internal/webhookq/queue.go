package webhookq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/logging"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/pkg/schema"
)

// MatchHandler resumes the conversation parked behind a subscription once a
// queue entry satisfies its filter. The event is the decoded callback payload.
type MatchHandler func(ctx context.Context, sub *store.WebhookSubscription, event map[string]any)

// Queue is the durable holding area correlating asynchronous external
// callbacks to waiting conversations. Each entry carries a TTL enforced by
// its own timer; a cron sweep mops up anything a restart orphaned.
type Queue struct {
	store  store.Store
	jq     *expressions.GoJQEngine
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler MatchHandler

	cron *cron.Cron
}

// New creates a Queue. Call Start to recover persisted entries and begin the
// expiry sweep.
func New(st store.Store, jq *expressions.GoJQEngine, logger *slog.Logger) *Queue {
	return &Queue{
		store:  st,
		jq:     jq,
		logger: logger,
		timers: make(map[string]*time.Timer),
		cron:   cron.New(),
	}
}

// SetHandler installs the resume callback. Must be called before Start.
func (q *Queue) SetHandler(h MatchHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Start re-arms expiry timers for entries that survived a restart and
// schedules the expired-entry sweep.
func (q *Queue) Start(ctx context.Context) error {
	entries, err := q.store.ListPendingWebhookEvents(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		q.armExpiry(e.ID, time.Until(e.EndingTime))
	}

	if _, err := q.cron.AddFunc("@every 1m", func() {
		n, err := q.store.DeleteExpiredWebhookEvents(context.Background())
		if err != nil {
			q.logger.Error("webhook queue sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			q.logger.Debug("webhook queue sweep", slog.Int64("expired", n))
		}
	}); err != nil {
		return err
	}
	q.cron.Start()
	return nil
}

// Stop cancels the sweep and every in-memory expiry timer. Persisted entries
// are untouched; Start recovers them.
func (q *Queue) Stop() {
	q.cron.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

// Enqueue persists an inbound callback with a TTL and asynchronously matches
// it against the pending subscriptions.
func (q *Queue) Enqueue(ctx context.Context, payload map[string]any, ttl time.Duration) (*store.WebhookQueueEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook payload is not serializable").WithCause(err)
	}

	now := time.Now().UTC()
	entry := &store.WebhookQueueEntry{
		ID:           uuid.New().String(),
		Event:        raw,
		EndingTime:   now.Add(ttl),
		CreationTime: now,
	}
	if err := q.store.EnqueueWebhookEvent(ctx, entry); err != nil {
		return nil, err
	}
	q.armExpiry(entry.ID, ttl)

	go q.matchEntry(context.WithoutCancel(ctx), entry, payload)
	return entry, nil
}

// MatchForSubscription scans pending entries for one satisfying the
// subscription's filter, consuming it on success. Used when a conversation
// parks at a webhook node after the callback already arrived.
func (q *Queue) MatchForSubscription(ctx context.Context, sub *store.WebhookSubscription) (map[string]any, bool) {
	entries, err := q.store.ListPendingWebhookEvents(ctx)
	if err != nil {
		logging.LogWith(ctx, q.logger).Error("list pending webhook events failed", slog.String("error", err.Error()))
		return nil, false
	}

	for _, e := range entries {
		event, ok := q.decode(ctx, e)
		if !ok {
			continue
		}
		if !q.filterMatches(ctx, sub.Filter, event) {
			continue
		}
		won, err := q.store.ConsumeWebhookEvent(ctx, e.ID)
		if err != nil {
			logging.LogWith(ctx, q.logger).Error("consume webhook event failed",
				slog.String("entry_id", e.ID), slog.String("error", err.Error()))
			continue
		}
		if !won {
			continue
		}
		q.disarmExpiry(e.ID)
		return event, true
	}
	return nil, false
}

// matchEntry runs a fresh entry against every pending subscription. The first
// subscription whose filter accepts the event consumes it.
func (q *Queue) matchEntry(ctx context.Context, entry *store.WebhookQueueEntry, event map[string]any) {
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	if handler == nil {
		return
	}

	subs, err := q.store.ListWebhookSubscriptions(ctx)
	if err != nil {
		q.logger.Error("list webhook subscriptions failed", slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if !q.filterMatches(ctx, sub.Filter, event) {
			continue
		}
		won, err := q.store.ConsumeWebhookEvent(ctx, entry.ID)
		if err != nil {
			q.logger.Error("consume webhook event failed",
				slog.String("entry_id", entry.ID), slog.String("error", err.Error()))
			return
		}
		if !won {
			return
		}
		q.disarmExpiry(entry.ID)
		hctx := logging.WithClientID(logging.WithRoomID(ctx, sub.RoomID), sub.ClientID)
		handler(hctx, sub, event)
		return
	}
}

func (q *Queue) filterMatches(ctx context.Context, filter string, event map[string]any) bool {
	matched, err := q.jq.Matches(ctx, filter, event)
	if err != nil {
		logging.LogWith(ctx, q.logger).Warn("webhook filter evaluation failed",
			slog.String("filter", filter), slog.String("error", err.Error()))
		return false
	}
	return matched
}

func (q *Queue) decode(ctx context.Context, entry *store.WebhookQueueEntry) (map[string]any, bool) {
	var event map[string]any
	if err := json.Unmarshal(entry.Event, &event); err != nil {
		logging.LogWith(ctx, q.logger).Warn("malformed webhook queue entry",
			slog.String("entry_id", entry.ID), slog.String("error", err.Error()))
		return nil, false
	}
	return event, true
}

// armExpiry starts (or restarts) the per-entry TTL timer. Each timer owns
// only its own entry's lifecycle.
func (q *Queue) armExpiry(id string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if old, ok := q.timers[id]; ok {
		old.Stop()
	}
	q.timers[id] = time.AfterFunc(ttl, func() {
		q.disarmExpiry(id)
		if _, err := q.store.ConsumeWebhookEvent(context.Background(), id); err != nil {
			q.logger.Error("expire webhook event failed",
				slog.String("entry_id", id), slog.String("error", err.Error()))
		}
	})
}

// disarmExpiry stops the entry's timer. Idempotent.
func (q *Queue) disarmExpiry(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
}
