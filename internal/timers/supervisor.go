package timers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convoflow/convoflow/internal/logging"
	"github.com/convoflow/convoflow/internal/store"
)

// Timer kinds.
const (
	KindInactivity = "inactivity"
	KindInvite     = "invite"
	KindWebhook    = "webhook"
)

// FireHandler runs when a timer's deadline passes. It executes on the timer
// goroutine; long work should re-enter the engine's own serialization.
type FireHandler func(ctx context.Context, timer *store.Timer)

// Supervisor owns the named, cancellable background timers that nudge or
// terminate idle conversations. Deadlines are persisted, so after a restart
// the countdown resumes from the stored fire time instead of starting over;
// a cron sweep re-arms anything the recovery pass missed.
type Supervisor struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	handlers map[string]FireHandler

	cron *cron.Cron
}

// New creates a Supervisor. Register handlers per kind before Start.
func New(st store.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:    st,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		handlers: make(map[string]FireHandler),
		cron:     cron.New(),
	}
}

// ID builds the canonical timer name for a conversation and kind.
func ID(kind, roomID, clientID string) string {
	return kind + ":" + roomID + ":" + clientID
}

// RegisterHandler installs the callback for one timer kind.
func (s *Supervisor) RegisterHandler(kind string, h FireHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Start re-arms persisted timers and schedules the recovery sweep.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() {
		if err := s.recover(context.Background()); err != nil {
			s.logger.Error("timer recovery sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop cancels the sweep and every in-memory timer. Persisted deadlines are
// untouched; Start resumes them.
func (s *Supervisor) Stop() {
	s.cron.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Schedule persists the timer and arms it in memory, replacing any timer of
// the same id (re-scheduling pushes the deadline forward).
func (s *Supervisor) Schedule(ctx context.Context, timer *store.Timer) error {
	if err := s.store.SaveTimer(ctx, timer); err != nil {
		return err
	}
	s.arm(timer)
	return nil
}

// Cancel stops a timer by name and deletes its persisted deadline.
// Cancelling an already-fired or unknown timer is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	return s.store.DeleteTimer(ctx, id)
}

// CancelFor cancels every kind of timer owned by one conversation.
func (s *Supervisor) CancelFor(ctx context.Context, roomID, clientID string) {
	for _, kind := range []string{KindInactivity, KindInvite, KindWebhook} {
		if err := s.Cancel(ctx, ID(kind, roomID, clientID)); err != nil {
			logging.LogWith(ctx, s.logger).Warn("cancel timer failed",
				slog.String("kind", kind), slog.String("error", err.Error()))
		}
	}
}

// recover arms any persisted timer with no in-memory counterpart. Past-due
// deadlines fire immediately: validity is recomputed from the stored
// deadline, not from in-memory state lost in the restart.
func (s *Supervisor) recover(ctx context.Context) error {
	persisted, err := s.store.ListTimers(ctx)
	if err != nil {
		return err
	}

	for _, tm := range persisted {
		s.mu.Lock()
		_, armed := s.timers[tm.ID]
		s.mu.Unlock()
		if armed {
			continue
		}
		s.arm(tm)
	}
	return nil
}

func (s *Supervisor) arm(timer *store.Timer) {
	delay := time.Until(timer.FireAt)
	if delay < 0 {
		delay = 0
	}

	tm := *timer

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[tm.ID]; ok {
		old.Stop()
	}
	s.timers[tm.ID] = time.AfterFunc(delay, func() {
		s.fire(&tm)
	})
}

func (s *Supervisor) fire(timer *store.Timer) {
	s.mu.Lock()
	delete(s.timers, timer.ID)
	handler := s.handlers[timer.Kind]
	s.mu.Unlock()

	ctx := logging.WithIDs(context.Background(), timer.RoomID, timer.ClientID, timer.NodeID)

	if err := s.store.DeleteTimer(ctx, timer.ID); err != nil {
		logging.LogWith(ctx, s.logger).Error("delete fired timer failed",
			slog.String("timer_id", timer.ID), slog.String("error", err.Error()))
	}

	if handler == nil {
		logging.LogWith(ctx, s.logger).Warn("no handler for timer kind", slog.String("kind", timer.Kind))
		return
	}
	handler(ctx, timer)
}
