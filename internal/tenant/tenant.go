// Package tenant binds one isolated chat account to its session,
// router, and dispatcher, and supervises the whole fleet.
package tenant

import (
	"encoding/json"
	"fmt"
	"sync"

	"chatrelay/internal/store"
)

type enabledDoc struct {
	Status bool `json:"status"`
}

// ResponseDelay is the dashboard-owned reply delay window. The engine
// loads and validates it but leaves scheduling to the dispatcher's
// collaborators.
type ResponseDelay struct {
	MinMs int `json:"min_ms"`
	MaxMs int `json:"max_ms"`
}

// Validate rejects negative or inverted windows.
func (d ResponseDelay) Validate() error {
	if d.MinMs < 0 || d.MaxMs < 0 {
		return fmt.Errorf("response delay must be non-negative, got min=%d max=%d", d.MinMs, d.MaxMs)
	}
	if d.MaxMs < d.MinMs {
		return fmt.Errorf("response delay max %d below min %d", d.MaxMs, d.MinMs)
	}
	return nil
}

// Tenant is one account's runtime identity: the captured session
// credential and the operator's on/off toggle. Both are read from
// concurrent goroutines (dispatcher sends, router gating) while the
// session machine writes them.
type Tenant struct {
	ID string

	store store.Store

	mu         sync.RWMutex
	credential string
	enabled    bool
	delay      ResponseDelay
}

// Load builds a tenant from its persisted enabled toggle. The
// credential always starts empty; it only ever comes from a live
// Authenticate capture.
func Load(s store.Store, tenantID string) (*Tenant, error) {
	doc, err := s.Load(tenantID, store.KeyEnabled)
	if err != nil {
		return nil, fmt.Errorf("load enabled toggle: %w", err)
	}
	var d enabledDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode enabled toggle: %w", err)
	}

	delayDoc, err := s.Load(tenantID, store.KeyResponseDelay)
	if err != nil {
		return nil, fmt.Errorf("load response delay: %w", err)
	}
	var delay ResponseDelay
	if err := json.Unmarshal(delayDoc, &delay); err != nil {
		return nil, fmt.Errorf("decode response delay: %w", err)
	}
	if err := delay.Validate(); err != nil {
		return nil, fmt.Errorf("response delay: %w", err)
	}

	return &Tenant{ID: tenantID, store: s, enabled: d.Status, delay: delay}, nil
}

// Delay returns the validated reply delay window.
func (t *Tenant) Delay() ResponseDelay {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.delay
}

// Credential returns the captured session token, or "" before auth.
func (t *Tenant) Credential() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.credential
}

// SetCredential installs a freshly captured session token.
func (t *Tenant) SetCredential(token string) {
	t.mu.Lock()
	t.credential = token
	t.mu.Unlock()
}

// HasCredential reports whether an Authenticate frame has been seen.
func (t *Tenant) HasCredential() bool {
	return t.Credential() != ""
}

// Enabled reports the operator toggle.
func (t *Tenant) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// SetEnabled persists the toggle, then applies it in memory. A failed
// persist leaves the running value unchanged so a restart cannot
// silently flip the tenant back.
func (t *Tenant) SetEnabled(v bool) error {
	doc, err := json.Marshal(enabledDoc{Status: v})
	if err != nil {
		return err
	}
	if err := t.store.Save(t.ID, store.KeyEnabled, doc); err != nil {
		return fmt.Errorf("persist enabled toggle: %w", err)
	}
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
	return nil
}
