// Package keypool holds the rotating set of upstream API credentials.
//
// The pool is the only shared mutable resource on the request path. Keys
// live in a SQLite table so evictions survive restarts; an in-memory mirror
// serves selection so picks never touch the database. Selection and
// eviction are safe to run concurrently: a key evicted while another
// request holds a stale copy simply fails upstream and that request
// retries on its own.
package keypool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	_ "modernc.org/sqlite"

	"canvascraft/internal/domain"
)

// Credential is one upstream API key. The Secret never leaves the server
// process; transcripts and logs only ever see the ID.
type Credential struct {
	ID     string
	Secret string
}

// Pool is a concurrently usable credential set.
type Pool struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	creds map[string]string // id -> secret
}

// Open opens (or creates) the key store at dbPath and loads all keys.
func Open(dbPath string, logger *slog.Logger) (*Pool, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open key db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS upstream_keys (
			id     TEXT PRIMARY KEY,
			secret TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key db: %w", err)
	}

	p := &Pool{db: db, logger: logger, creds: make(map[string]string)}
	if err := p.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) loadAll() error {
	rows, err := p.db.Query("SELECT id, secret FROM upstream_keys")
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	defer rows.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for rows.Next() {
		var id, secret string
		if err := rows.Scan(&id, &secret); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		p.creds[id] = secret
	}
	return rows.Err()
}

// Seed inserts credentials that are not already present. Existing rows are
// left untouched so an eviction is not undone by a restart with the same
// config.
func (p *Pool) Seed(ctx context.Context, creds []Credential) error {
	for _, c := range creds {
		res, err := p.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO upstream_keys (id, secret) VALUES (?, ?)",
			c.ID, c.Secret,
		)
		if err != nil {
			return domain.WrapOp("Pool.Seed", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			p.mu.Lock()
			p.creds[c.ID] = c.Secret
			p.mu.Unlock()
			p.logger.Info("seeded upstream key", "key_id", c.ID)
		}
	}
	return nil
}

// Add inserts or replaces a credential.
func (p *Pool) Add(ctx context.Context, c Credential) error {
	if _, err := p.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO upstream_keys (id, secret) VALUES (?, ?)",
		c.ID, c.Secret,
	); err != nil {
		return domain.WrapOp("Pool.Add", err)
	}
	p.mu.Lock()
	p.creds[c.ID] = c.Secret
	p.mu.Unlock()
	return nil
}

// Pick selects one credential uniformly at random from those whose IDs are
// not in exclude. Returns domain.ErrNoCredentials when none remain.
func (p *Pool) Pick(exclude map[string]struct{}) (Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := make([]Credential, 0, len(p.creds))
	for id, secret := range p.creds {
		if _, tried := exclude[id]; tried {
			continue
		}
		candidates = append(candidates, Credential{ID: id, Secret: secret})
	}
	if len(candidates) == 0 {
		return Credential{}, domain.ErrNoCredentials
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Evict permanently removes a credential. Idempotent: evicting a key that
// is already gone is a no-op, so two requests racing to evict the same key
// are both fine.
func (p *Pool) Evict(ctx context.Context, id string) error {
	p.mu.Lock()
	_, present := p.creds[id]
	delete(p.creds, id)
	p.mu.Unlock()

	if _, err := p.db.ExecContext(ctx, "DELETE FROM upstream_keys WHERE id = ?", id); err != nil {
		return domain.WrapOp("Pool.Evict", err)
	}
	if present {
		p.logger.Warn("evicted upstream key", "key_id", id)
	}
	return nil
}

// Len returns the number of credentials currently in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.creds)
}

// Close closes the underlying database.
func (p *Pool) Close() error { return p.db.Close() }
