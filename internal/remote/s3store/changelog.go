package s3store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/db"
	"github.com/cloudmirror/cloudmirror/internal/remote"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS objects (
    lpath TEXT PRIMARY KEY, -- lower-cased path, the namespace is case-insensitive
    path TEXT NOT NULL,
    kind INTEGER NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    client_modified TEXT NOT NULL DEFAULT '', -- RFC3339Nano, empty for folders
    size INTEGER NOT NULL DEFAULT 0,
    etag TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    lpath TEXT NOT NULL,
    path TEXT NOT NULL,
    kind INTEGER NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    client_modified TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_changes_lpath ON changes(lpath);
`

// Entry is the indexed state of one remote path.
type Entry struct {
	remote.Metadata
	ETag string
}

type dbEntry struct {
	Seq            int64  `db:"seq"`
	LPath          string `db:"lpath"`
	Path           string `db:"path"`
	Kind           int    `db:"kind"`
	ContentHash    string `db:"content_hash"`
	ClientModified string `db:"client_modified"`
	Size           int64  `db:"size"`
	ETag           string `db:"etag"`
}

func toDB(e *Entry) dbEntry {
	row := dbEntry{
		LPath:       strings.ToLower(e.Path),
		Path:        e.Path,
		Kind:        int(e.Kind),
		ContentHash: e.ContentHash,
		Size:        e.Size,
		ETag:        e.ETag,
	}
	if !e.ClientModified.IsZero() {
		row.ClientModified = e.ClientModified.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func (r *dbEntry) toEntry() *Entry {
	e := &Entry{
		Metadata: remote.Metadata{
			Kind:        remote.Kind(r.Kind),
			Path:        r.Path,
			ContentHash: r.ContentHash,
			Size:        r.Size,
		},
		ETag: r.ETag,
	}
	if r.ClientModified != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.ClientModified); err == nil {
			e.ClientModified = t
		} else {
			slog.Warn("change log", "path", r.Path, "client_modified", r.ClientModified, "error", err)
		}
	}
	return e
}

// ChangeLog keeps the last known state of the bucket together with an append-only log of
// every change observed or made, which backs cursors and long polls.
type ChangeLog struct {
	db *sqlx.DB
}

// OpenChangeLog opens a change log at path, ":memory:" keeps it in memory.
func OpenChangeLog(path string) (*ChangeLog, error) {
	// a single connection, an in-memory database exists once per connection
	sqlDB, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open change log: %w", err)
	}
	log, err := NewChangeLog(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return log, nil
}

func NewChangeLog(sqlDB *sqlx.DB) (*ChangeLog, error) {
	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("initialize change log schema: %w", err)
	}
	return &ChangeLog{db: sqlDB}, nil
}

func (c *ChangeLog) Close() error {
	return c.db.Close()
}

// Record applies entries to the indexed state and appends them to the log in one
// transaction. Deleted entries remove the indexed state. It returns the last sequence
// number written.
func (c *ChangeLog) Record(ctx context.Context, entries ...*Entry) (int64, error) {
	if len(entries) == 0 {
		return c.LastSeq(ctx)
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	for _, e := range entries {
		row := toDB(e)
		if e.Kind == remote.KindDeleted {
			_, err = tx.ExecContext(ctx, "DELETE FROM objects WHERE lpath = ?", row.LPath)
		} else {
			_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO objects (lpath, path, kind, content_hash, client_modified, size, etag)
				VALUES (:lpath, :path, :kind, :content_hash, :client_modified, :size, :etag)`, row)
		}
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", e.Path, err)
		}

		res, err := tx.NamedExecContext(ctx, `INSERT INTO changes (lpath, path, kind, content_hash, client_modified, size)
			VALUES (:lpath, :path, :kind, :content_hash, :client_modified, :size)`, row)
		if err != nil {
			return 0, fmt.Errorf("append %s: %w", e.Path, err)
		}
		if seq, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("append %s: %w", e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// Get returns the indexed state of path, or nil when it is unknown.
func (c *ChangeLog) Get(ctx context.Context, path string) (*Entry, error) {
	var row dbEntry
	err := c.db.GetContext(ctx, &row, `SELECT lpath, path, kind, content_hash, client_modified, size, etag
		FROM objects WHERE lpath = ?`, strings.ToLower(remote.CleanPath(path)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	return row.toEntry(), nil
}

// List returns the indexed entries under root ordered by path.
func (c *ChangeLog) List(ctx context.Context, root string, recursive bool) ([]*Entry, error) {
	var rows []dbEntry
	prefix := scopePrefix(root)
	err := c.db.SelectContext(ctx, &rows, `SELECT lpath, path, kind, content_hash, client_modified, size, etag
		FROM objects WHERE substr(lpath, 1, length(?)) = ? ORDER BY lpath`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		if remote.InScope(root, rows[i].Path, recursive) {
			entries = append(entries, rows[i].toEntry())
		}
	}
	return entries, nil
}

// Objects returns the whole indexed state keyed by lower-cased path.
func (c *ChangeLog) Objects(ctx context.Context) (map[string]*Entry, error) {
	var rows []dbEntry
	err := c.db.SelectContext(ctx, &rows, `SELECT lpath, path, kind, content_hash, client_modified, size, etag FROM objects`)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}

	objects := make(map[string]*Entry, len(rows))
	for i := range rows {
		objects[rows[i].LPath] = rows[i].toEntry()
	}
	return objects, nil
}

func (c *ChangeLog) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := c.db.GetContext(ctx, &seq, "SELECT COALESCE(MAX(seq), 0) FROM changes"); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq, nil
}

// Changes returns the changes after cursor.Seq that fall in the cursor's scope, reading
// at most limit log rows. next is the sequence number to continue from.
func (c *ChangeLog) Changes(ctx context.Context, cursor *remote.Cursor, limit int) (changes []*remote.Metadata, next int64, more bool, err error) {
	var rows []dbEntry
	prefix := scopePrefix(cursor.Path)
	err = c.db.SelectContext(ctx, &rows, `SELECT seq, lpath, path, kind, content_hash, client_modified, size
		FROM changes WHERE seq > ? AND substr(lpath, 1, length(?)) = ? ORDER BY seq LIMIT ?`,
		cursor.Seq, prefix, prefix, limit+1)
	if err != nil {
		return nil, cursor.Seq, false, fmt.Errorf("query changes: %w", err)
	}

	if len(rows) > limit {
		rows, more = rows[:limit], true
	}
	next = cursor.Seq
	for i := range rows {
		next = rows[i].Seq
		e := rows[i].toEntry()
		if e.Kind == remote.KindDeleted && !cursor.IncludeDeleted {
			continue
		}
		if remote.InScope(cursor.Path, e.Path, cursor.Recursive) {
			changes = append(changes, &e.Metadata)
		}
	}
	return changes, next, more, nil
}

// HasChanges reports whether Changes would return anything for cursor.
func (c *ChangeLog) HasChanges(ctx context.Context, cursor *remote.Cursor) (bool, error) {
	pos := *cursor
	for {
		changes, next, more, err := c.Changes(ctx, &pos, 500)
		if err != nil {
			return false, err
		}
		if len(changes) > 0 {
			return true, nil
		}
		if !more {
			return false, nil
		}
		pos.Seq = next
	}
}

// scopePrefix is the lower-cased path prefix shared by every strict descendant of root.
func scopePrefix(root string) string {
	root = strings.ToLower(remote.CleanPath(root))
	if root == "/" {
		return root
	}
	return root + "/"
}
