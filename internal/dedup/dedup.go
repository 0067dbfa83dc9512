// Package dedup enforces at-most-once replies: a durable, append-only
// set of object ids that have already produced a reply.
package dedup

import (
	"fmt"

	"chatrelay/internal/logging"
	"chatrelay/internal/store"
)

// Cache is one tenant's responded-id set. All access happens on that
// tenant's single event-processing goroutine, so check-then-mark needs
// no locking.
type Cache struct {
	tenantID string
	store    store.Store
	seen     map[string]bool
}

// Load seeds a cache from persisted ids.
func Load(s store.Store, tenantID string) (*Cache, error) {
	ids, err := s.RespondedIDs(tenantID)
	if err != nil {
		return nil, fmt.Errorf("seed dedup cache: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	logging.Store("tenant %s: dedup cache seeded with %d ids", tenantID, len(ids))
	return &Cache{tenantID: tenantID, store: s, seen: seen}, nil
}

// HasResponded reports whether an object id already produced a reply.
func (c *Cache) HasResponded(id string) bool {
	return c.seen[id]
}

// MarkResponded durably records an id. The persist happens before the
// in-memory commit: once MarkResponded returns nil, HasResponded is
// guaranteed true for that id.
func (c *Cache) MarkResponded(id string) error {
	if c.seen[id] {
		return nil
	}
	if err := c.store.MarkResponded(c.tenantID, id); err != nil {
		return fmt.Errorf("persist responded id: %w", err)
	}
	c.seen[id] = true
	return nil
}

// Size returns the number of recorded ids.
func (c *Cache) Size() int {
	return len(c.seen)
}
