/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opensketch/internal/domain"
	applog "opensketch/internal/log"
	"opensketch/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// IndexDirName holds library-wide derived data under the storage root.
	IndexDirName  = ".osk"
	IndexFileName = "index.sqlite"

	// schemaVersion tracks the local SQLite schema for the embedded index.
	// Bump this when you perform breaking schema changes and add migrations.
	schemaVersion = 3

	// DefaultThumbnailBytes caps the thumbnail cache.
	DefaultThumbnailBytes = 64 * 1024 * 1024

	// fixed width so timestamps order lexically
	tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// IndexPath returns the full path to the library's index database file.
func IndexPath(root string) string {
	return filepath.Join(root, IndexDirName, IndexFileName)
}

// CatalogEntry describes one sketchbook known to the index.
type CatalogEntry struct {
	ID          string
	SketchCount int
	UpdatedAt   time.Time
}

// Index is the library catalog and thumbnail cache.
type Index struct {
	db       *sql.DB
	root     string
	maxBytes int64
}

// OpenIndex ensures that <root>/.osk/index.sqlite exists, enables WAL mode and
// brings the schema up to date.
func OpenIndex(root string) (*Index, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "index_init").With(slog.String("root", root))
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, IndexDirName), 0o755); err != nil {
		l.Error("create .osk dir failed", slog.Any("err", err))
		return nil, fmt.Errorf("create .osk dir: %w", err)
	}

	path := IndexPath(root)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		l.Warn("enable foreign_keys failed", slog.Any("err", err))
	}
	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, err
	}
	if err := ensureIndexSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure index schema failed", slog.Any("err", err))
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, err
	}
	l.Debug("index ready", slog.String("path", path))
	return &Index{db: db, root: root, maxBytes: DefaultThumbnailBytes}, nil
}

// Close releases the database.
func (ix *Index) Close() error { return ix.db.Close() }

// SetMaxThumbnailBytes sets the thumbnail cache cap; <= 0 disables eviction.
func (ix *Index) SetMaxThumbnailBytes(n int64) { ix.maxBytes = n }

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, schemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		// keep existing schema for migrations
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > schemaVersion {
		// never downgrade
		return nil
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			stmts = []string{
				`CREATE INDEX IF NOT EXISTS idx_thumbnails_access ON thumbnails(last_access);`,
				`CREATE INDEX IF NOT EXISTS idx_sketchbooks_updated ON sketchbooks(updated_at);`,
			}
		case 3:
			// digest of the image a thumbnail was rendered from; tables created
			// by ensureIndexSchema already carry it
			has, err := hasColumn(ctx, db, "thumbnails", "source")
			if err != nil {
				return fmt.Errorf("migration %d: %w", next, err)
			}
			if !has {
				stmts = []string{`ALTER TABLE thumbnails ADD COLUMN source TEXT NOT NULL DEFAULT '';`}
			}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	return n > 0, nil
}

func ensureIndexSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sketchbooks (
			id           TEXT PRIMARY KEY,
			sketch_count INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT    NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS thumbnails (
			sketchbook_id TEXT    NOT NULL REFERENCES sketchbooks(id) ON DELETE CASCADE,
			sketch_id     INTEGER NOT NULL,
			w             INTEGER NOT NULL,
			h             INTEGER NOT NULL,
			png           BLOB    NOT NULL,
			size          INTEGER NOT NULL,
			updated_at    TEXT    NOT NULL,
			last_access   TEXT,
			source        TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY(sketchbook_id, sketch_id, w, h)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thumbnails_access ON thumbnails(last_access);`,
		`CREATE INDEX IF NOT EXISTS idx_sketchbooks_updated ON sketchbooks(updated_at);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure index schema: %w", err)
		}
	}
	return nil
}

// Record upserts the catalog row for sb and drops thumbnails of sketches that
// no longer exist.
func (ix *Index) Record(ctx context.Context, sb domain.Sketchbook, at time.Time) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sketchbooks(id, sketch_count, updated_at) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET sketch_count=excluded.sketch_count, updated_at=excluded.updated_at`,
		sb.ID, sb.Len(), at.UTC().Format(tsLayout)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert sketchbook: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM thumbnails WHERE sketchbook_id=? AND sketch_id>?`, sb.ID, sb.Len()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim thumbnails: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Remove deletes a sketchbook from the catalog together with its thumbnails.
func (ix *Index) Remove(ctx context.Context, id string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM thumbnails WHERE sketchbook_id=?`, id); err != nil {
		return fmt.Errorf("delete thumbnails: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM sketchbooks WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete sketchbook: %w", err)
	}
	return nil
}

// List returns the catalog, most recently updated first.
func (ix *Index) List(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT id, sketch_count, updated_at FROM sketchbooks ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sketchbooks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.SketchCount, &ts); err != nil {
			return nil, err
		}
		e.UpdatedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutThumbnail caches a PNG thumbnail rendered from the image with digest
// source and evicts least recently used entries beyond the configured cap.
func (ix *Index) PutThumbnail(ctx context.Context, sketchbookID string, sketchID, w, h int, source string, data []byte) error {
	now := time.Now().UTC().Format(tsLayout)
	if _, err := ix.db.ExecContext(ctx, `INSERT INTO thumbnails(sketchbook_id, sketch_id, w, h, png, size, updated_at, last_access, source)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(sketchbook_id, sketch_id, w, h) DO UPDATE SET png=excluded.png, size=excluded.size,
			updated_at=excluded.updated_at, last_access=excluded.last_access, source=excluded.source`,
		sketchbookID, sketchID, w, h, data, len(data), now, now, source); err != nil {
		return fmt.Errorf("upsert thumbnail: %w", err)
	}
	if ix.maxBytes > 0 {
		return ix.evictToFit(ctx, ix.maxBytes)
	}
	return nil
}

// Thumbnail returns a cached thumbnail or nil when there is none.
func (ix *Index) Thumbnail(ctx context.Context, sketchbookID string, sketchID, w, h int) ([]byte, error) {
	var data []byte
	err := ix.db.QueryRowContext(ctx, `SELECT png FROM thumbnails WHERE sketchbook_id=? AND sketch_id=? AND w=? AND h=?`,
		sketchbookID, sketchID, w, h).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query thumbnail: %w", err)
	}
	_, _ = ix.db.ExecContext(ctx, `UPDATE thumbnails SET last_access=? WHERE sketchbook_id=? AND sketch_id=? AND w=? AND h=?`,
		time.Now().UTC().Format(tsLayout), sketchbookID, sketchID, w, h)
	return data, nil
}

// ThumbnailSources maps sketch ids to the source digest of their cached
// w x h thumbnail.
func (ix *Index) ThumbnailSources(ctx context.Context, sketchbookID string, w, h int) (map[int]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT sketch_id, source FROM thumbnails WHERE sketchbook_id=? AND w=? AND h=?`,
		sketchbookID, w, h)
	if err != nil {
		return nil, fmt.Errorf("query thumbnail sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[int]string{}
	for rows.Next() {
		var id int
		var src string
		if err := rows.Scan(&id, &src); err != nil {
			return nil, err
		}
		out[id] = src
	}
	return out, rows.Err()
}

// ThumbnailBytes returns the total size of cached thumbnails.
func (ix *Index) ThumbnailBytes(ctx context.Context) (int64, error) {
	var total int64
	err := ix.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size),0) FROM thumbnails`).Scan(&total)
	return total, err
}

func (ix *Index) evictToFit(ctx context.Context, capBytes int64) error {
	total, err := ix.ThumbnailBytes(ctx)
	if err != nil {
		return fmt.Errorf("sum thumbnail size: %w", err)
	}
	if total <= capBytes {
		return nil
	}
	rows, err := ix.db.QueryContext(ctx, `SELECT rowid, size FROM thumbnails ORDER BY
		CASE WHEN last_access IS NULL THEN 0 ELSE 1 END ASC, last_access ASC`)
	if err != nil {
		return fmt.Errorf("select victims: %w", err)
	}
	var victims []any
	cur := total
	for rows.Next() && cur > capBytes {
		var id, sz int64
		if err := rows.Scan(&id, &sz); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, id)
		cur -= sz
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	// close the cursor before writing
	if err := rows.Close(); err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	q := `DELETE FROM thumbnails WHERE rowid IN (?` + strings.Repeat(",?", len(victims)-1) + `)`
	if _, err := ix.db.ExecContext(ctx, q, victims...); err != nil {
		return fmt.Errorf("evict thumbnails: %w", err)
	}
	return nil
}

// Rebuild clears the catalog and repopulates it from the manifests found
// under the storage root. Unreadable sketchbooks are skipped and logged.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "index_rebuild")
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM thumbnails`); err != nil {
		return 0, fmt.Errorf("clear thumbnails: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM sketchbooks`); err != nil {
		return 0, fmt.Errorf("clear catalog: %w", err)
	}
	ents, err := os.ReadDir(ix.root)
	if err != nil {
		return 0, fmt.Errorf("read root: %w", err)
	}
	n := 0
	for _, e := range ents {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		dir := filepath.Join(ix.root, e.Name())
		h, err := Open(dir)
		if err != nil {
			l.Warn("skip sketchbook", slog.String("dir", dir), slog.Any("err", err))
			continue
		}
		at := time.Now()
		if st, err := os.Stat(h.ManifestPath); err == nil {
			at = st.ModTime()
		}
		sb := h.Sketchbook
		sb.ID = e.Name()
		if err := ix.Record(ctx, sb, at); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DetectAndRebuildIndex opens the index at root and rebuilds it when it is
// corrupt or unreadable. It returns true when a rebuild was performed.
func DetectAndRebuildIndex(ctx context.Context, root string) (*Index, bool, error) {
	path := IndexPath(root)
	ix, err := OpenIndex(root)
	if err == nil {
		var chk string
		qerr := ix.db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&chk)
		if qerr == nil && strings.Contains(strings.ToLower(chk), "ok") {
			if _, perr := ix.db.ExecContext(ctx, `SELECT 1 FROM sketchbooks LIMIT 1;`); perr == nil {
				return ix, false, nil
			}
		}
		_ = ix.Close()
	}
	backupIndexFile(path)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	ix, err = OpenIndex(root)
	if err != nil {
		return nil, false, fmt.Errorf("reopen index: %w", err)
	}
	if _, err := ix.Rebuild(ctx); err != nil {
		_ = ix.Close()
		return nil, false, err
	}
	return ix, true, nil
}

// backupIndexFile copies the current index file into .osk/backups.
func backupIndexFile(indexPath string) {
	bdir := filepath.Join(filepath.Dir(indexPath), "backups")
	_ = os.MkdirAll(bdir, 0o755)
	bak := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", filepath.Base(indexPath), time.Now().Format(backupStamp)))
	if data, err := os.ReadFile(indexPath); err == nil {
		_ = os.WriteFile(bak, data, 0o644)
	}
}
