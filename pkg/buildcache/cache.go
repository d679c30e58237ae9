// Package buildcache stores stage outputs keyed by a digest of everything that went into
// the stage. The index lives in sqlite; the content lives in plain directories next to it.
package buildcache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/stackup/pkg/fsutil"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const indexFile = "index.sqlite"

type Entry struct {
	Key        digest.Digest `json:"key"`
	Stage      string        `json:"stage"`
	Size       int64         `json:"size"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
	Hits       int           `json:"hits"`
}

type Cache struct {
	dir string
	db  *sql.DB
}

func Open(ctx context.Context, dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir cache")
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, indexFile))
	if err != nil {
		return nil, errors.Wrap(err, "open cache index")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping cache index")
	}
	c := &Cache{dir: dir, db: db}
	if err := c.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS stage_cache (
  key TEXT PRIMARY KEY,
  stage TEXT NOT NULL,
  size INTEGER NOT NULL,
  created_at_ns INTEGER NOT NULL,
  last_used_at_ns INTEGER NOT NULL,
  hits INTEGER NOT NULL DEFAULT 0
);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init cache schema")
		}
	}
	return nil
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) blobDir(key digest.Digest) string {
	return filepath.Join(c.dir, "blobs", key.Encoded())
}

// Lookup returns the content directory for key. A row whose content has gone missing is
// dropped and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key digest.Digest) (string, bool, error) {
	var stage string
	err := c.db.QueryRowContext(ctx, `SELECT stage FROM stage_cache WHERE key = ?`, key.String()).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "query cache")
	}

	dir := c.blobDir(key)
	if _, err := os.Stat(dir); err != nil {
		log.Warn().Str("key", key.String()).Msg("cache entry without content, dropping")
		_, _ = c.db.ExecContext(ctx, `DELETE FROM stage_cache WHERE key = ?`, key.String())
		return "", false, nil
	}
	_, err = c.db.ExecContext(ctx,
		`UPDATE stage_cache SET hits = hits + 1, last_used_at_ns = ? WHERE key = ?`,
		time.Now().UnixNano(), key.String())
	if err != nil {
		return "", false, errors.Wrap(err, "touch cache entry")
	}
	return dir, true, nil
}

// Put copies src into the cache under key. An existing entry is kept.
func (c *Cache) Put(ctx context.Context, key digest.Digest, stage string, src string) error {
	dir := c.blobDir(key)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	tmp, err := os.MkdirTemp(filepath.Join(c.dir, "blobs"), ".put-")
	if err != nil {
		return errors.Wrap(err, "mkdir cache staging")
	}
	if err := fsutil.CopyTree(src, ".", filepath.Join(tmp, "content"), nil); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Wrap(err, "copy into cache")
	}
	if err := os.Rename(filepath.Join(tmp, "content"), dir); err != nil {
		_ = os.RemoveAll(tmp)
		return errors.Wrap(err, "commit cache entry")
	}
	_ = os.RemoveAll(tmp)

	size, err := fsutil.DirSize(dir)
	if err != nil {
		return errors.Wrap(err, "size cache entry")
	}
	now := time.Now().UnixNano()
	_, err = c.db.ExecContext(ctx, `
INSERT INTO stage_cache (key, stage, size, created_at_ns, last_used_at_ns, hits)
VALUES (?, ?, ?, ?, ?, 0)
ON CONFLICT(key) DO NOTHING`, key.String(), stage, size, now, now)
	return errors.Wrap(err, "record cache entry")
}

func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key, stage, size, created_at_ns, last_used_at_ns, hits FROM stage_cache ORDER BY last_used_at_ns DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list cache")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e             Entry
			key           string
			created, used int64
		)
		if err := rows.Scan(&key, &e.Stage, &e.Size, &created, &used, &e.Hits); err != nil {
			return nil, errors.Wrap(err, "scan cache row")
		}
		e.Key = digest.Digest(key)
		e.CreatedAt = time.Unix(0, created)
		e.LastUsedAt = time.Unix(0, used)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "list cache")
}

// Prune removes entries not used since before cutoff. A zero cutoff removes everything.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !cutoff.IsZero() && !e.LastUsedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(c.blobDir(e.Key)); err != nil {
			return removed, errors.Wrapf(err, "remove %s", e.Key)
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM stage_cache WHERE key = ?`, e.Key.String()); err != nil {
			return removed, errors.Wrap(err, "delete cache row")
		}
		removed++
	}
	return removed, nil
}
