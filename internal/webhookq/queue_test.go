package webhookq

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := New(st, expressions.NewGoJQEngine(), logger)
	t.Cleanup(q.Stop)
	return q, st
}

func subscription(id, filter string) *store.WebhookSubscription {
	return &store.WebhookSubscription{
		ID:               id,
		RoomID:           "!r:example.org",
		ClientID:         "@bot:example.org",
		Filter:           filter,
		SubscriptionTime: time.Now().UTC(),
	}
}

func TestEnqueuePersistsEntry(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, map[string]any{"status": "paid"}, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	pending, err := st.ListPendingWebhookEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)
}

func TestEnqueueMatchesWaitingSubscription(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got map[string]any
	done := make(chan struct{})
	q.SetHandler(func(ctx context.Context, sub *store.WebhookSubscription, event map[string]any) {
		mu.Lock()
		got = event
		mu.Unlock()
		close(done)
	})

	require.NoError(t, st.CreateWebhookSubscription(ctx, subscription("sub-1", `.status == "paid"`)))

	_, err := q.Enqueue(ctx, map[string]any{"status": "paid", "invoice": "A-1"}, time.Minute)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	assert.Equal(t, "A-1", got["invoice"])
	mu.Unlock()

	// The matched entry is consumed exactly once.
	pending, err := st.ListPendingWebhookEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnqueueIgnoresNonMatchingSubscription(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	q.SetHandler(func(ctx context.Context, sub *store.WebhookSubscription, event map[string]any) {
		t.Error("handler must not fire for non-matching filter")
	})

	require.NoError(t, st.CreateWebhookSubscription(ctx, subscription("sub-1", `.status == "refunded"`)))

	_, err := q.Enqueue(ctx, map[string]any{"status": "paid"}, time.Minute)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	pending, err := st.ListPendingWebhookEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMatchForSubscriptionConsumesEarlierEntry(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	// Callback arrives before the conversation parks.
	_, err := q.Enqueue(ctx, map[string]any{"order": "A-1", "status": "paid"}, time.Minute)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, map[string]any{"order": "B-2", "status": "pending"}, time.Minute)
	require.NoError(t, err)

	event, ok := q.MatchForSubscription(ctx, subscription("sub-1", `.status == "paid"`))
	require.True(t, ok)
	assert.Equal(t, "A-1", event["order"])

	// Only the matched entry was consumed.
	pending, err := st.ListPendingWebhookEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, ok = q.MatchForSubscription(ctx, subscription("sub-2", `.status == "paid"`))
	assert.False(t, ok)
}

func TestExpiryTimerConsumesEntry(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, map[string]any{"status": "paid"}, 50*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, err := st.ListPendingWebhookEvents(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBadFilterNeverMatches(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, map[string]any{"status": "paid"}, time.Minute)
	require.NoError(t, err)

	_, ok := q.MatchForSubscription(ctx, subscription("sub-1", `.[broken`))
	assert.False(t, ok)
}

func TestStartRecoversPersistedEntries(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	// Entry persisted by a previous process, deadline still ahead.
	require.NoError(t, st.EnqueueWebhookEvent(ctx, &store.WebhookQueueEntry{
		ID:           "recovered-1",
		Event:        []byte(`{"status": "paid"}`),
		EndingTime:   time.Now().UTC().Add(300 * time.Millisecond),
		CreationTime: time.Now().UTC(),
	}))

	pending, err := st.ListPendingWebhookEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Start re-arms the expiry timer from the stored deadline.
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool {
		pending, err := st.ListPendingWebhookEvents(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
