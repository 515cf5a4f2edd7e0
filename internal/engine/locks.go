package engine

import "sync"

// conversationLocks serializes transitions per (room, client) pair so two
// events for the same conversation never interleave, while distinct
// conversations run fully in parallel. Entries are reference-counted and
// removed once the last holder releases, keeping the map bounded by the
// number of concurrently active conversations.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the conversation lock is held and returns its release.
func (c *conversationLocks) acquire(roomID, clientID string) func() {
	key := roomID + "|" + clientID

	c.mu.Lock()
	entry, ok := c.locks[key]
	if !ok {
		entry = &lockEntry{}
		c.locks[key] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}
