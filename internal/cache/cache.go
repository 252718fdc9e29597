// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache stores step results by logical parameters.
//
// An entry has two identities. The artifact id is derived from the
// logical parameters alone, so every request for the same result shares
// one stored artifact. The lookup key adds a request token; distinct
// tokens get distinct lookups that resolve to the same artifact.
//
// Entries live in memory and in a SQLite index. Both copies change inside
// one critical section and the database side is transactional, so an
// entry never exists in one place and not the other.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/ferry/internal/idgen"
)

// Entry is a cached value as seen through one lookup.
type Entry struct {
	Key        string
	ArtifactID string
	Value      []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Config contains cache configuration.
type Config struct {
	// Path is the SQLite file. Empty keeps the index in memory.
	Path string

	// TTL is how long an entry lives after its last Set.
	TTL time.Duration

	// Now overrides the clock.
	Now func() time.Time

	Logger *slog.Logger
}

type artifactRow struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

type lookupRow struct {
	artifactID string
	expiresAt  time.Time
}

// Cache is safe for concurrent use. One mutex guards every operation.
type Cache struct {
	mu        sync.Mutex
	db        *sql.DB
	artifacts map[string]*artifactRow
	lookups   map[string]lookupRow

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the cache index.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive")
	}
	dsn := ":memory:"
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		dsn = cfg.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// SQLite serializes writes; a single connection also keeps an
	// in-memory database alive.
	db.SetMaxOpenConns(1)

	c := &Cache{
		db:        db,
		artifacts: make(map[string]*artifactRow),
		lookups:   make(map[string]lookupRow),
		ttl:       cfg.TTL,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	if err := c.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lookups (
			key TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lookups_artifact ON lookups(artifact_id)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
	}
	return nil
}

// ArtifactID names the artifact for params.
func ArtifactID(params any) (string, error) {
	return idgen.ID("cache", params)
}

// LookupKey is the lookup identity for params under token.
func LookupKey(params any, token string) (string, error) {
	id, err := ArtifactID(params)
	if err != nil {
		return "", err
	}
	return id + ":" + token, nil
}

// Set stores value for params and registers the lookup for token. The
// artifact is shared by every token; storing it again refreshes its
// expiry. The database is written first and memory only after commit.
func (c *Cache) Set(ctx context.Context, params any, token string, value []byte) (*Entry, error) {
	id, err := ArtifactID(params)
	if err != nil {
		return nil, err
	}
	key := id + ":" + token

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expires := now.Add(c.ttl)
	created := now
	if existing, ok := c.artifacts[id]; ok && existing.expiresAt.After(now) {
		created = existing.createdAt
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cache set: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		id, value, created.UnixNano(), expires.UnixNano()); err != nil {
		return nil, fmt.Errorf("cache set artifact: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lookups (key, artifact_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET artifact_id = excluded.artifact_id, expires_at = excluded.expires_at`,
		key, id, expires.UnixNano()); err != nil {
		return nil, fmt.Errorf("cache set lookup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cache set commit: %w", err)
	}

	stored := append([]byte(nil), value...)
	c.artifacts[id] = &artifactRow{value: stored, createdAt: created, expiresAt: expires}
	c.lookups[key] = lookupRow{artifactID: id, expiresAt: expires}

	return &Entry{Key: key, ArtifactID: id, Value: stored, CreatedAt: created, ExpiresAt: expires}, nil
}

// Get returns the entry for params under token. Expired entries are
// misses. Entries persisted by an earlier process are loaded on demand.
func (c *Cache) Get(ctx context.Context, params any, token string) (*Entry, bool, error) {
	id, err := ArtifactID(params)
	if err != nil {
		return nil, false, err
	}
	key := id + ":" + token

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	lookup, ok := c.lookups[key]
	if !ok || !c.liveLocked(lookup, now) {
		// Another process may have refreshed the entry since it was
		// loaded, so a stale memory row is checked against the database.
		loaded, found, err := c.loadLocked(ctx, key)
		if err != nil || !found {
			return nil, false, err
		}
		lookup = loaded
	}

	art, ok := c.artifacts[lookup.artifactID]
	if !ok || !c.liveLocked(lookup, now) {
		return nil, false, nil
	}
	return &Entry{
		Key:        key,
		ArtifactID: lookup.artifactID,
		Value:      art.value,
		CreatedAt:  art.createdAt,
		ExpiresAt:  lookup.expiresAt,
	}, true, nil
}

func (c *Cache) liveLocked(l lookupRow, now time.Time) bool {
	art, ok := c.artifacts[l.artifactID]
	return ok && l.expiresAt.After(now) && art.expiresAt.After(now)
}

// loadLocked reads a lookup and its artifact from the database into
// memory, replacing whatever memory held for them.
func (c *Cache) loadLocked(ctx context.Context, key string) (lookupRow, bool, error) {
	var (
		artifactID          string
		lookupExp           int64
		value               []byte
		createdAt, artifExp int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT l.artifact_id, l.expires_at, a.value, a.created_at, a.expires_at
		 FROM lookups l JOIN artifacts a ON a.id = l.artifact_id
		 WHERE l.key = ?`, key).Scan(&artifactID, &lookupExp, &value, &createdAt, &artifExp)
	if errors.Is(err, sql.ErrNoRows) {
		return lookupRow{}, false, nil
	}
	if err != nil {
		return lookupRow{}, false, fmt.Errorf("cache get: %w", err)
	}

	row := lookupRow{artifactID: artifactID, expiresAt: time.Unix(0, lookupExp)}
	c.lookups[key] = row
	c.artifacts[artifactID] = &artifactRow{
		value:     value,
		createdAt: time.Unix(0, createdAt),
		expiresAt: time.Unix(0, artifExp),
	}
	return row, true, nil
}

// PurgeExpired removes expired lookups and artifacts, and lookups whose
// artifact is gone. It returns the number of artifacts removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().UnixNano()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache purge artifacts: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lookups WHERE expires_at <= ? OR artifact_id NOT IN (SELECT id FROM artifacts)`, cutoff); err != nil {
		return 0, fmt.Errorf("cache purge lookups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache purge commit: %w", err)
	}

	for id, art := range c.artifacts {
		if art.expiresAt.UnixNano() <= cutoff {
			delete(c.artifacts, id)
		}
	}
	for key, l := range c.lookups {
		if _, ok := c.artifacts[l.artifactID]; !ok || l.expiresAt.UnixNano() <= cutoff {
			delete(c.lookups, key)
		}
	}

	if removed > 0 {
		c.logger.Debug("purged expired cache entries", slog.Int64("artifacts", removed))
	}
	return int(removed), nil
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts`)
	if err != nil {
		return 0, fmt.Errorf("cache purge artifacts: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM lookups`); err != nil {
		return 0, fmt.Errorf("cache purge lookups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache purge commit: %w", err)
	}

	c.artifacts = make(map[string]*artifactRow)
	c.lookups = make(map[string]lookupRow)
	return int(removed), nil
}

// Stats reports the number of persisted artifacts and lookups.
func (c *Cache) Stats(ctx context.Context) (artifacts, lookups int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&artifacts); err != nil {
		return 0, 0, fmt.Errorf("cache stats: %w", err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lookups`).Scan(&lookups); err != nil {
		return 0, 0, fmt.Errorf("cache stats: %w", err)
	}
	return artifacts, lookups, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}
