// Package registry tracks every running tenant's last-known status and
// a bounded feed of recent log events for the dashboard collaborator.
// It is observability state, never authoritative storage.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/logging"
)

// Log event kinds, matching what the dashboard renders.
const (
	KindDebug  = "DebugMessage"
	KindError  = "ErrorMessage"
	KindBot    = "BotMessage"
	KindInfo   = "Info"
	KindFatal  = "FatalError"
	KindStatus = "BotStatus"
)

// feedLimit bounds the in-memory log feed.
const feedLimit = 20

// Status is one tenant's last-known session state.
type Status struct {
	TenantID  string    `json:"tenant_id"`
	Username  string    `json:"username,omitempty"`
	State     string    `json:"state"`
	Running   bool      `json:"running"`
	Headless  bool      `json:"headless"`
	SessionID string    `json:"session_id,omitempty"`
	Failures  int       `json:"failures"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEvent is one structured observability event.
type LogEvent struct {
	ID        string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenant_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// Registry is safe for concurrent writers keyed by tenant id.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]Status
	feed     []LogEvent
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{statuses: make(map[string]Status)}
}

// Update applies fn to a tenant's status (zero value on first touch)
// and stamps UpdatedAt.
func (r *Registry) Update(tenantID string, fn func(*Status)) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.statuses[tenantID]
	st.TenantID = tenantID
	fn(&st)
	st.UpdatedAt = time.Now()
	r.statuses[tenantID] = st
	return st
}

// Get returns a tenant's status.
func (r *Registry) Get(tenantID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[tenantID]
	return st, ok
}

// Remove drops a tenant from the registry.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.statuses, tenantID)
}

// Snapshot returns all statuses sorted by tenant id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Publish records a log event in the feed, newest first, keeping at
// most feedLimit entries.
func (r *Registry) Publish(tenantID, kind, message string) LogEvent {
	ev := LogEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		TenantID:  tenantID,
		Kind:      kind,
		Message:   message,
	}

	r.mu.Lock()
	r.feed = append([]LogEvent{ev}, r.feed...)
	if len(r.feed) > feedLimit {
		r.feed = r.feed[:feedLimit]
	}
	r.mu.Unlock()

	logging.Registry("[%s] %s: %s", tenantID, kind, message)
	return ev
}

// Feed returns the recent log events, newest first.
func (r *Registry) Feed() []LogEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LogEvent, len(r.feed))
	copy(out, r.feed)
	return out
}
