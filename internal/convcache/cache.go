// ABOUTME: Per-counterparty cache of fully-loaded MessageStores for the agent view.
// ABOUTME: Lazily fetches history, routes pushes to background conversations, bounded LRU.

package convcache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storechat/engine/internal/chat"
)

// FetchFunc fetches one conversation's history from the server.
type FetchFunc func(ctx context.Context, counterpartyID string) ([]chat.Message, error)

// LoadedFunc is notified after a history fetch has populated a store.
type LoadedFunc func(counterpartyID string, store *chat.MessageStore)

type entry struct {
	store   *chat.MessageStore
	elem    *list.Element
	loaded  bool
	loading bool
}

// Cache keeps one MessageStore per counterparty so selecting a conversation
// in the agent view does not refetch it. Stores are created lazily: Get
// returns an empty, immediately usable store and populates it when the
// async history fetch lands. When maxSize > 0 the least recently used
// conversation is evicted; its summary in the index is unaffected and the
// store is simply refetched on next access.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // counterparty ids, least recently used at front

	maxSize     int
	matchWindow time.Duration
	fetch       FetchFunc
	onLoaded    LoadedFunc
	logger      *slog.Logger
}

// New creates a cache. maxSize <= 0 means unbounded. Pass nil logger for
// default.
func New(maxSize int, matchWindow time.Duration, fetch FetchFunc, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:     make(map[string]*entry),
		order:       list.New(),
		maxSize:     maxSize,
		matchWindow: matchWindow,
		fetch:       fetch,
		logger:      logger.With("component", "convcache"),
	}
}

// OnLoaded sets the hook fired after a history fetch populates a store.
// Set before first use.
func (c *Cache) OnLoaded(fn LoadedFunc) {
	c.onLoaded = fn
}

// Get returns the store for a counterparty, creating it (and kicking off
// the history fetch) on first access. A store whose previous fetch failed
// is retried.
func (c *Cache) Get(ctx context.Context, counterpartyID string) *chat.MessageStore {
	c.mu.Lock()

	e, ok := c.entries[counterpartyID]
	if ok {
		c.order.MoveToBack(e.elem)
	} else {
		e = &entry{store: chat.NewMessageStore(c.matchWindow, c.logger)}
		e.elem = c.order.PushBack(counterpartyID)
		c.entries[counterpartyID] = e
		if c.maxSize > 0 && len(c.entries) > c.maxSize {
			c.evictOldestLocked()
		}
	}

	needFetch := !e.loaded && !e.loading && c.fetch != nil
	if needFetch {
		e.loading = true
	}
	store := e.store
	c.mu.Unlock()

	if needFetch {
		go c.load(ctx, counterpartyID, e)
	}
	return store
}

// Route delivers a push-channel message to the correct store's Observe,
// regardless of which conversation is selected in the UI. Returns the
// conversation key and its store, or false for an echo that cannot be
// attributed to a single conversation.
func (c *Cache) Route(ctx context.Context, m chat.Message, localID string) (string, *chat.MessageStore, bool) {
	counterparty, ok := chat.Counterparty(m, localID)
	if !ok {
		c.logger.Warn("cannot route push to a conversation", "message_id", m.ID)
		return "", nil, false
	}
	store := c.Get(ctx, counterparty)
	store.Observe(m)
	return counterparty, store, true
}

// Contains reports whether a conversation is currently cached.
func (c *Cache) Contains(counterpartyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[counterpartyID]
	return ok
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// load runs the history fetch and seeds the store. A failed fetch leaves
// the entry unloaded so the next Get retries.
func (c *Cache) load(ctx context.Context, counterpartyID string, e *entry) {
	msgs, err := c.fetch(ctx, counterpartyID)

	c.mu.Lock()
	e.loading = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("history fetch failed, will retry on next access",
			"counterparty_id", counterpartyID,
			"error", err)
		return
	}
	e.loaded = true
	c.mu.Unlock()

	added := e.store.Seed(msgs)
	c.logger.Debug("conversation history loaded",
		"counterparty_id", counterpartyID,
		"fetched", len(msgs),
		"added", added)

	if c.onLoaded != nil {
		c.onLoaded(counterpartyID, e.store)
	}
}

// evictOldestLocked removes the least recently used conversation. Must be
// called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, id)
	c.logger.Debug("evicted conversation from cache", "counterparty_id", id)
}
