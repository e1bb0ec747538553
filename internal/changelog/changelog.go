// Package changelog provides the durable per-project change queue backing
// file-change notifications. Both the watcher and client notifications feed
// it; the incremental indexer drains it.
package changelog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"engram/internal/watch"
)

// Log is a SQLite-backed change queue. The database lives next to the
// project's other storage files.
type Log struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_changes_pending ON changes(processed, id);
`

// Open opens or creates the change log database.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening change log: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying change log schema: %w", err)
	}
	return &Log{conn: conn}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.conn.Close()
}

// Enqueue durably records a single change. Returns only after the row is
// committed.
func (l *Log) Enqueue(relpath string, kind watch.Kind) error {
	_, err := l.conn.Exec(
		"INSERT INTO changes(path, kind, enqueued_at) VALUES(?, ?, ?)",
		relpath, string(kind), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueuing change: %w", err)
	}
	return nil
}

// EnqueueBatch records a coalesced watcher batch in one transaction.
func (l *Log) EnqueueBatch(batch watch.Batch) error {
	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting change batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO changes(path, kind, enqueued_at) VALUES(?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing change insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	insert := func(paths []string, kind watch.Kind) error {
		for _, p := range paths {
			if _, err := stmt.Exec(p, string(kind), now); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert(batch.Created, watch.Created); err != nil {
		return fmt.Errorf("inserting changes: %w", err)
	}
	if err := insert(batch.Modified, watch.Modified); err != nil {
		return fmt.Errorf("inserting changes: %w", err)
	}
	if err := insert(batch.Deleted, watch.Deleted); err != nil {
		return fmt.Errorf("inserting changes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing change batch: %w", err)
	}
	return nil
}

// Pending returns all unprocessed changes coalesced into one batch, plus the
// row ids to mark processed afterwards.
func (l *Log) Pending() (watch.Batch, []int64, error) {
	rows, err := l.conn.Query(
		"SELECT id, path, kind FROM changes WHERE processed = 0 ORDER BY id")
	if err != nil {
		return watch.Batch{}, nil, fmt.Errorf("querying pending changes: %w", err)
	}
	defer rows.Close()

	var events []watch.Event
	var ids []int64
	for rows.Next() {
		var id int64
		var path, kind string
		if err := rows.Scan(&id, &path, &kind); err != nil {
			return watch.Batch{}, nil, fmt.Errorf("scanning change row: %w", err)
		}
		events = append(events, watch.Event{Path: path, Kind: watch.Kind(kind)})
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return watch.Batch{}, nil, fmt.Errorf("reading pending changes: %w", err)
	}
	return watch.Coalesce(events), ids, nil
}

// MarkProcessed flags rows as consumed by the indexer.
func (l *Log) MarkProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting mark transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE changes SET processed = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("preparing mark update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("marking change %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mark transaction: %w", err)
	}
	return nil
}

// RecentPaths returns distinct paths changed within the window, newest
// first. The composer uses this for the no-prompt focus fallback.
func (l *Log) RecentPaths(window time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	rows, err := l.conn.Query(
		`SELECT path, MAX(enqueued_at) AS at FROM changes
		 WHERE enqueued_at >= ? AND kind != 'deleted'
		 GROUP BY path ORDER BY at DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		var at int64
		if err := rows.Scan(&p, &at); err != nil {
			return nil, fmt.Errorf("scanning recent path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
