package tenant

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"chatrelay/internal/config"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/logging"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
	"chatrelay/internal/telemetry"
)

// Manager runs the tenant fleet. Each tenant gets its own pipeline;
// the nonce pool and document store are shared.
type Manager struct {
	cfg      config.Config
	store    *store.DocumentStore
	registry *registry.Registry
	pool     *dispatch.NoncePool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager creates the fleet supervisor and its shared nonce pool.
func NewManager(cfg config.Config, st *store.DocumentStore, reg *registry.Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		registry: reg,
		pool:     dispatch.NewNoncePool(cfg.Dispatch.NoncePoolSize, cfg.Dispatch.NonceLowWater),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Registry returns the shared status registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Run starts every configured tenant and blocks until all of them
// stop. One tenant failing to assemble stops the fleet; a tenant
// dying at its failure threshold does not.
func (m *Manager) Run(ctx context.Context) error {
	defer m.pool.Close()

	if len(m.cfg.Tenants) == 0 {
		logging.Boot("no tenants configured")
		<-ctx.Done()
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tc := range m.cfg.Tenants {
		tc := tc
		g.Go(func() error {
			return m.runTenant(gctx, tc)
		})
	}
	return g.Wait()
}

func (m *Manager) runTenant(ctx context.Context, tc config.TenantConfig) error {
	runner, err := NewRunner(m.cfg, tc, Deps{Store: m.store, Registry: m.registry, Pool: m.pool})
	if err != nil {
		return fmt.Errorf("assemble tenant %s: %w", tc.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	if _, exists := m.cancels[tc.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("tenant %s already running", tc.ID)
	}
	m.cancels[tc.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, tc.ID)
		m.mu.Unlock()
	}()

	if telemetry.ActiveTenants != nil {
		telemetry.ActiveTenants.Inc()
		defer telemetry.ActiveTenants.Dec()
	}
	logging.Boot("tenant %s: starting", tc.ID)
	return runner.Run(runCtx)
}

// StopTenant cancels one tenant's pipeline. It reports whether the
// tenant was running.
func (m *Manager) StopTenant(tenantID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[tenantID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running lists the tenants with a live pipeline.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cancels))
	for id := range m.cancels {
		out = append(out, id)
	}
	return out
}
