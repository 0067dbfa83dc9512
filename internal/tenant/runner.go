package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"chatrelay/internal/config"
	"chatrelay/internal/dedup"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/logging"
	"chatrelay/internal/platform"
	"chatrelay/internal/registry"
	"chatrelay/internal/router"
	"chatrelay/internal/rules"
	"chatrelay/internal/session"
	"chatrelay/internal/store"
)

// Deps are the engine-wide collaborators shared by every runner.
type Deps struct {
	Store    *store.DocumentStore
	Registry *registry.Registry
	Pool     *dispatch.NoncePool
}

// Runner assembles one tenant's full pipeline: session machine tapping
// the browser, router evaluating events, dispatcher sending replies.
type Runner struct {
	Tenant *Tenant

	machine    *session.Machine
	router     *router.Router
	dispatcher *dispatch.Dispatcher
}

// NewRunner wires a tenant from its persisted state. The per-tenant
// headless override, when set, wins over the engine default.
func NewRunner(cfg config.Config, tc config.TenantConfig, deps Deps) (*Runner, error) {
	if err := deps.Store.EnsureDefaults(tc.ID); err != nil {
		return nil, fmt.Errorf("tenant %s: seed defaults: %w", tc.ID, err)
	}
	ten, err := Load(deps.Store, tc.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tc.ID, err)
	}
	ruleSet, err := rules.Load(deps.Store, tc.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: load rules: %w", tc.ID, err)
	}
	seen, err := dedup.Load(deps.Store, tc.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: load dedup cache: %w", tc.ID, err)
	}

	dispatcher := dispatch.New(cfg.Platform.APIURL, deps.Pool, ten.Credential, cfg.Dispatch.SendTimeout())

	// The router reports faults to the machine, and the machine feeds
	// events to the router; break the cycle with a late binding.
	var machine *session.Machine
	rt := router.New(router.Config{
		TenantID: tc.ID,
		Rules:    ruleSet,
		Dedup:    seen,
		Sender:   dispatcher,
		Registry: deps.Registry,
		Store:    deps.Store,
		Enabled:  ten.Enabled,
		OnFault: func(kind platform.EventType, text string) {
			if machine != nil {
				machine.ObserveFault(kind, text)
			}
		},
	})

	browserCfg := cfg.Browser
	if tc.Headless != nil {
		browserCfg.Headless = *tc.Headless
	}
	machine = session.New(session.Config{
		TenantID:    tc.ID,
		Platform:    cfg.Platform,
		Browser:     browserCfg,
		Recovery:    cfg.Recovery,
		UserDataDir: filepath.Join(cfg.TenantDir(tc.ID), "profile"),
		Sink:        rt,
		Credential:  ten.SetCredential,
		Enabled:     ten.Enabled,
		Registry:    deps.Registry,
	})

	r := &Runner{Tenant: ten, machine: machine, router: rt, dispatcher: dispatcher}
	r.seedStatus(deps.Store, deps.Registry, browserCfg.Headless)
	return r, nil
}

// seedStatus restores the registry entry from the persisted profile so
// the dashboard shows a username before the first Ready arrives.
func (r *Runner) seedStatus(s store.Store, reg *registry.Registry, headless bool) {
	doc, err := s.Load(r.Tenant.ID, store.KeyProfile)
	if err != nil {
		logging.StoreDebug("tenant %s: load profile: %v", r.Tenant.ID, err)
		doc = nil
	}
	var profile platform.User
	if doc != nil {
		_ = json.Unmarshal(doc, &profile)
	}
	reg.Update(r.Tenant.ID, func(st *registry.Status) {
		st.Username = profile.Username
		st.State = string(session.StateLaunching)
		st.Headless = headless
	})
}

// Run drives the session machine until stop. A tripped failure
// threshold ends this tenant without being treated as an engine
// error; the fleet keeps running.
func (r *Runner) Run(ctx context.Context) error {
	err := r.machine.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrFailureThreshold):
		logging.SessionError("tenant %s: stopped at failure threshold", r.Tenant.ID)
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// State exposes the session phase for status listings.
func (r *Runner) State() session.State {
	return r.machine.State()
}
