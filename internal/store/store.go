// Package store persists per-tenant documents and responded-id records
// in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"chatrelay/internal/logging"
)

// Well-known document keys.
const (
	KeyProfile          = "account_info"      // bot's own user profile, written on Ready
	KeyEnabled          = "enabled"           // tenant on/off toggle
	KeyResponseDelay    = "response_delay"    // min/max reply delay, dashboard-owned
	KeyResponses        = "responses"         // per-server static replies + keywords
	KeyCategoryAllow    = "category_allow"    // category allowlist
	KeyResponseType     = "response_type"     // per-server reply mode
	KeyInstantResponses = "instant_responses" // instant-response tables
	KeyServerCommands   = "server_commands"   // per-server command map
	KeyStatus           = "status"            // last persisted tenant status
)

// defaults are returned by Load when a document does not exist yet.
var defaults = map[string]string{
	KeyProfile:          `{}`,
	KeyEnabled:          `{"status":true}`,
	KeyResponseDelay:    `{"min_ms":0,"max_ms":0}`,
	KeyResponses:        `{}`,
	KeyCategoryAllow:    `[]`,
	KeyResponseType:     `{}`,
	KeyInstantResponses: `{}`,
	KeyServerCommands:   `{}`,
	KeyStatus:           `{}`,
}

// DefaultDocument returns the default payload for a key ("{}" for
// unknown keys).
func DefaultDocument(key string) []byte {
	if d, ok := defaults[key]; ok {
		return []byte(d)
	}
	return []byte(`{}`)
}

// Store is the abstract persistence collaborator consumed by the engine.
type Store interface {
	Load(tenantID, key string) ([]byte, error)
	Save(tenantID, key string, doc []byte) error
	RespondedIDs(tenantID string) ([]string, error)
	MarkResponded(tenantID, objectID string) error
}

// DocumentStore implements Store on SQLite.
type DocumentStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*DocumentStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("set journal_mode=WAL: %v", err)
	}

	s := &DocumentStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *DocumentStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		tenant_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		doc        TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, key)
	);
	CREATE TABLE IF NOT EXISTS responded (
		tenant_id  TEXT NOT NULL,
		object_id  TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, object_id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_responded_tenant ON responded(tenant_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Load returns the stored document or the key's default when absent.
func (s *DocumentStore) Load(tenantID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM documents WHERE tenant_id = ? AND key = ?`,
		tenantID, key,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return DefaultDocument(key), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", tenantID, key, err)
	}
	return []byte(doc), nil
}

// Save upserts a document.
func (s *DocumentStore) Save(tenantID, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO documents (tenant_id, key, doc, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(tenant_id, key) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		tenantID, key, string(doc),
	)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", tenantID, key, err)
	}
	logging.StoreDebug("saved %s/%s (%d bytes)", tenantID, key, len(doc))
	return nil
}

// EnsureDefaults inserts missing documents for every well-known key so a
// fresh tenant starts from a complete set.
func (s *DocumentStore) EnsureDefaults(tenantID string) error {
	for key, doc := range defaults {
		s.mu.Lock()
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO documents (tenant_id, key, doc) VALUES (?, ?, ?)`,
			tenantID, key, doc,
		)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("ensure default %s/%s: %w", tenantID, key, err)
		}
	}
	return nil
}

// RespondedIDs returns every object id already replied to by a tenant.
func (s *DocumentStore) RespondedIDs(tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT object_id FROM responded WHERE tenant_id = ? ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("responded ids for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkResponded durably records an object id. Inserting an id twice is
// a no-op, never an error.
func (s *DocumentStore) MarkResponded(tenantID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO responded (tenant_id, object_id) VALUES (?, ?)`,
		tenantID, objectID,
	)
	if err != nil {
		return fmt.Errorf("mark responded %s/%s: %w", tenantID, objectID, err)
	}
	return nil
}

// Tenants lists every tenant id with at least one document.
func (s *DocumentStore) Tenants() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT tenant_id FROM documents ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTenant removes every record for a tenant.
func (s *DocumentStore) DeleteTenant(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM documents WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete documents for %s: %w", tenantID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM responded WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete responded for %s: %w", tenantID, err)
	}
	return nil
}
