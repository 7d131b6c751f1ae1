// Package catalog keeps a SQLite record of the domain boundaries published
// by the indexer. It stores metadata only; tuples never reach it.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"rtindex/pkg/common"
	"rtindex/pkg/domain"
)

// Entry is one catalogued tree.
type Entry struct {
	TreeID    string `json:"tree_id"`
	KeyLower  int64  `json:"key_lower"`
	KeyUpper  int64  `json:"key_upper"`
	TimeStart int64  `json:"time_start"`
	TimeEnd   int64  `json:"time_end"`
	Sealed    bool   `json:"sealed"`
	UpdatedAt int64  `json:"updated_at"`
}

func EntryFor(treeID string, d domain.Domain[common.KeyType], sealed bool) Entry {
	return Entry{
		TreeID:    treeID,
		KeyLower:  int64(d.Key.Lower),
		KeyUpper:  int64(d.Key.Upper),
		TimeStart: d.Time.Start,
		TimeEnd:   d.Time.End,
		Sealed:    sealed,
	}
}

func (e Entry) Domain() domain.Domain[common.KeyType] {
	return domain.New(
		domain.NewKeyDomain(common.KeyType(e.KeyLower), common.KeyType(e.KeyUpper)),
		domain.NewTimeDomain(e.TimeStart, e.TimeEnd),
	)
}

type Catalog struct {
	db *sql.DB
	mu sync.Mutex

	// backoff builds the retry policy for one write
	backoff func() retry.Backoff
}

const schema = `
CREATE TABLE IF NOT EXISTS domains (
	tree_id    TEXT PRIMARY KEY,
	key_lower  INTEGER NOT NULL,
	key_upper  INTEGER NOT NULL,
	time_start INTEGER NOT NULL,
	time_end   INTEGER NOT NULL,
	sealed     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS domains_time_start ON domains (time_start);`

// Open opens (or creates) the catalog database at path. ":memory:" keeps it
// in process.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("catalog: create dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// one connection: writes are serialized anyway and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL; PRAGMA busy_timeout = 1000;`); err != nil {
		log.Printf("[Catalog] Warning: failed to set PRAGMA: %v", err)
	}

	return &Catalog{
		db: db,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewFibonacci(10*time.Millisecond))
		},
	}, nil
}

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// write runs one statement, retrying while the database is busy.
func (c *Catalog) write(ctx context.Context, query string, args ...interface{}) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var affected int64
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			if isBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// Upsert records the latest bounds of a tree. A sealed entry is never
// reopened by a late update.
func (c *Catalog) Upsert(ctx context.Context, e Entry) error {
	if e.UpdatedAt == 0 {
		e.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := c.write(ctx, `
		INSERT INTO domains (tree_id, key_lower, key_upper, time_start, time_end, sealed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tree_id) DO UPDATE SET
			key_lower = excluded.key_lower,
			key_upper = excluded.key_upper,
			time_start = excluded.time_start,
			time_end = excluded.time_end,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
		WHERE domains.sealed = 0 OR excluded.sealed = 1`,
		e.TreeID, e.KeyLower, e.KeyUpper, e.TimeStart, e.TimeEnd, boolToInt(e.Sealed), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", e.TreeID, err)
	}
	return nil
}

func (c *Catalog) Remove(ctx context.Context, treeID string) error {
	if _, err := c.write(ctx, `DELETE FROM domains WHERE tree_id = ?`, treeID); err != nil {
		return fmt.Errorf("catalog: remove %s: %w", treeID, err)
	}
	return nil
}

// RemoveDomain deletes every entry whose bounds equal d and reports how many
// went.
func (c *Catalog) RemoveDomain(ctx context.Context, d domain.Domain[common.KeyType]) (int64, error) {
	n, err := c.write(ctx, `
		DELETE FROM domains
		WHERE key_lower = ? AND key_upper = ? AND time_start = ? AND time_end = ?`,
		int64(d.Key.Lower), int64(d.Key.Upper), d.Time.Start, d.Time.End)
	if err != nil {
		return 0, fmt.Errorf("catalog: remove %s: %w", d, err)
	}
	return n, nil
}

func (c *Catalog) Get(ctx context.Context, treeID string) (Entry, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT tree_id, key_lower, key_upper, time_start, time_end, sealed, updated_at
		FROM domains WHERE tree_id = ?`, treeID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("catalog: get %s: %w", treeID, err)
	}
	return e, true, nil
}

// List returns every entry, oldest time start first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	return c.query(ctx, `
		SELECT tree_id, key_lower, key_upper, time_start, time_end, sealed, updated_at
		FROM domains ORDER BY time_start ASC, tree_id ASC`)
}

// Covering returns the entries a query over [left, right] and the optional
// window would visit, oldest first.
func (c *Catalog) Covering(ctx context.Context, left, right common.KeyType, window *domain.TimeDomain) ([]Entry, error) {
	if left > right {
		return nil, nil
	}
	if window == nil {
		return c.query(ctx, `
			SELECT tree_id, key_lower, key_upper, time_start, time_end, sealed, updated_at
			FROM domains
			WHERE key_lower <= ? AND ? <= key_upper
			ORDER BY time_start ASC, tree_id ASC`, int64(right), int64(left))
	}
	if window.Start > window.End {
		return nil, nil
	}
	return c.query(ctx, `
		SELECT tree_id, key_lower, key_upper, time_start, time_end, sealed, updated_at
		FROM domains
		WHERE key_lower <= ? AND ? <= key_upper AND time_start <= ? AND ? <= time_end
		ORDER BY time_start ASC, tree_id ASC`, int64(right), int64(left), window.End, window.Start)
}

// ColdDomains returns sealed entries, oldest first.
func (c *Catalog) ColdDomains(ctx context.Context) ([]Entry, error) {
	return c.query(ctx, `
		SELECT tree_id, key_lower, key_upper, time_start, time_end, sealed, updated_at
		FROM domains WHERE sealed = 1 ORDER BY time_start ASC, tree_id ASC`)
}

func (c *Catalog) Truncate(ctx context.Context) error {
	_, err := c.write(ctx, `DELETE FROM domains`)
	return err
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) query(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var sealed int64
	err := s.Scan(&e.TreeID, &e.KeyLower, &e.KeyUpper, &e.TimeStart, &e.TimeEnd, &sealed, &e.UpdatedAt)
	e.Sealed = sealed != 0
	return e, err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
