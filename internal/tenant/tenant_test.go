package tenant

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"chatrelay/internal/config"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/platform"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
)

func openStore(t *testing.T) *store.DocumentStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "documents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadDefaultsToEnabled(t *testing.T) {
	s := openStore(t)
	ten, err := Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !ten.Enabled() {
		t.Error("fresh tenant should be enabled")
	}
	if ten.HasCredential() {
		t.Error("credential must start empty")
	}
}

func TestSetEnabledPersists(t *testing.T) {
	s := openStore(t)
	ten, err := Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}
	if err := ten.SetEnabled(false); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Enabled() {
		t.Error("disabled toggle lost across reload")
	}
}

func TestLoadRejectsBadResponseDelay(t *testing.T) {
	s := openStore(t)
	if err := s.Save("server-alpha", store.KeyResponseDelay, []byte(`{"min_ms":500,"max_ms":100}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(s, "server-alpha"); err == nil {
		t.Error("inverted delay window should fail validation")
	}
}

func TestLoadReadsResponseDelay(t *testing.T) {
	s := openStore(t)
	if err := s.Save("server-alpha", store.KeyResponseDelay, []byte(`{"min_ms":100,"max_ms":400}`)); err != nil {
		t.Fatal(err)
	}
	ten, err := Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}
	if d := ten.Delay(); d.MinMs != 100 || d.MaxMs != 400 {
		t.Errorf("delay window lost: %+v", d)
	}
}

func TestCredentialConcurrentAccess(t *testing.T) {
	s := openStore(t)
	ten, err := Load(s, "server-alpha")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ten.SetCredential("tok_live")
				_ = ten.Credential()
			}
		}()
	}
	wg.Wait()
	if ten.Credential() != "tok_live" {
		t.Errorf("credential lost: %q", ten.Credential())
	}
}

func TestNewRunnerSeedsRegistryFromProfile(t *testing.T) {
	s := openStore(t)
	profile, _ := json.Marshal(platform.User{ID: "u1", Username: "claimer"})
	if err := s.Save("server-alpha", store.KeyProfile, profile); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Dispatch.NoncePoolSize = 8
	cfg.Dispatch.NonceLowWater = 2

	pool := dispatch.NewNoncePool(cfg.Dispatch.NoncePoolSize, cfg.Dispatch.NonceLowWater)
	defer pool.Close()

	reg := registry.New()
	headless := false
	r, err := NewRunner(cfg, config.TenantConfig{ID: "server-alpha", Headless: &headless}, Deps{
		Store:    s,
		Registry: reg,
		Pool:     pool,
	})
	if err != nil {
		t.Fatal(err)
	}

	st, ok := reg.Get("server-alpha")
	if !ok {
		t.Fatal("registry not seeded")
	}
	if st.Username != "claimer" {
		t.Errorf("username not restored from profile: %+v", st)
	}
	if st.Headless {
		t.Error("per-tenant headless override ignored")
	}
	if r.Tenant.ID != "server-alpha" {
		t.Errorf("wrong tenant bound: %s", r.Tenant.ID)
	}
}

func TestManagerStopUnknownTenant(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Dispatch.NoncePoolSize = 8
	cfg.Dispatch.NonceLowWater = 2

	m := NewManager(cfg, openStore(t), registry.New())
	defer m.pool.Close()

	if m.StopTenant("nobody") {
		t.Error("StopTenant should report false for unknown tenants")
	}
	if len(m.Running()) != 0 {
		t.Errorf("no tenants should be running: %v", m.Running())
	}
}
