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
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"opensketch/internal/domain"

	_ "modernc.org/sqlite"
)

func openIndex(t *testing.T, root string) *Index {
	t.Helper()
	ix, err := OpenIndex(root)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestIndexInitCreatesWALAndTables(t *testing.T) {
	root := t.TempDir()
	ix := openIndex(t, root)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var mode string
	if err := ix.db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" && mode != "WAL" {
		t.Fatalf("expected WAL mode, got %s", mode)
	}
	var cnt int
	if err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('meta','version','sketchbooks','thumbnails')").Scan(&cnt); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if cnt != 4 {
		t.Fatalf("expected 4 tables, got %d", cnt)
	}
	var schema int
	if err := ix.db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&schema); err != nil || schema != schemaVersion {
		t.Fatalf("schema = %d err=%v", schema, err)
	}
}

// TestMigrations_UpgradeV1 ensures that an older DB (schema=1) is migrated and the new indexes exist.
func TestMigrations_UpgradeV1(t *testing.T) {
	root := t.TempDir()
	idx := IndexPath(root)
	if err := os.MkdirAll(filepath.Dir(idx), 0o755); err != nil {
		t.Fatalf("mk .osk: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)", filepath.ToSlash(idx))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`,
		`CREATE TABLE version (id INTEGER PRIMARY KEY CHECK(id=1), schema INTEGER NOT NULL, app TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
		`INSERT INTO version(id, schema, app, created_at, updated_at) VALUES(1, 1, 'test', '2020-01-01T00:00:00Z', '2020-01-01T00:00:00Z');`,
		`CREATE TABLE sketchbooks (id TEXT PRIMARY KEY, sketch_count INTEGER NOT NULL DEFAULT 0, updated_at TEXT NOT NULL);`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			t.Fatalf("seed v1 schema: %v (q=%s)", err, q)
		}
	}
	_ = db.Close()

	ix := openIndex(t, root)
	var schema int
	if err := ix.db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&schema); err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if schema != schemaVersion {
		t.Fatalf("expected schema %d after migration, got %d", schemaVersion, schema)
	}
	var cnt int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name IN ('idx_thumbnails_access','idx_sketchbooks_updated')`).Scan(&cnt); err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	if cnt != 2 {
		t.Fatalf("expected 2 indexes after migration, got %d", cnt)
	}
}

func TestMigrations_UpgradeV2AddsThumbnailSource(t *testing.T) {
	root := t.TempDir()
	idx := IndexPath(root)
	if err := os.MkdirAll(filepath.Dir(idx), 0o755); err != nil {
		t.Fatalf("mk .osk: %v", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)", filepath.ToSlash(idx)))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE version (id INTEGER PRIMARY KEY CHECK(id=1), schema INTEGER NOT NULL, app TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
		`INSERT INTO version(id, schema, app, created_at, updated_at) VALUES(1, 2, 'test', '2020-01-01T00:00:00Z', '2020-01-01T00:00:00Z');`,
		`CREATE TABLE sketchbooks (id TEXT PRIMARY KEY, sketch_count INTEGER NOT NULL DEFAULT 0, updated_at TEXT NOT NULL);`,
		`CREATE TABLE thumbnails (sketchbook_id TEXT NOT NULL, sketch_id INTEGER NOT NULL, w INTEGER NOT NULL, h INTEGER NOT NULL,
			png BLOB NOT NULL, size INTEGER NOT NULL, updated_at TEXT NOT NULL, last_access TEXT, PRIMARY KEY(sketchbook_id, sketch_id, w, h));`,
		`INSERT INTO sketchbooks VALUES('a', 1, '2020-01-01T00:00:00Z');`,
		`INSERT INTO thumbnails VALUES('a', 1, 8, 8, x'01', 1, '2020-01-01T00:00:00Z', NULL);`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			t.Fatalf("seed v2 schema: %v (q=%s)", err, q)
		}
	}
	_ = db.Close()

	ix := openIndex(t, root)
	srcs, err := ix.ThumbnailSources(ctx, "a", 8, 8)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if src, ok := srcs[1]; !ok || src != "" {
		t.Fatalf("migrated sources = %v", srcs)
	}
}

func TestIndexCatalog(t *testing.T) {
	ix := openIndex(t, t.TempDir())
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := ix.Record(ctx, domain.Sketchbook{ID: "a", Sketches: make([]domain.Sketch, 3)}, t0); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if err := ix.Record(ctx, domain.Sketchbook{ID: "b"}, t0.Add(time.Hour)); err != nil {
		t.Fatalf("record b: %v", err)
	}
	list, err := ix.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].SketchCount != 3 || !list[1].UpdatedAt.Equal(t0) {
		t.Fatalf("list = %+v", list)
	}
	if err := ix.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if list, _ = ix.List(ctx); len(list) != 1 {
		t.Fatalf("after remove: %+v", list)
	}
}

func TestThumbnailCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ix := openIndex(t, t.TempDir())
	ctx := context.Background()
	if err := ix.Record(ctx, domain.Sketchbook{ID: "a", Sketches: make([]domain.Sketch, 3)}, time.Now()); err != nil {
		t.Fatal(err)
	}
	ix.SetMaxThumbnailBytes(25)
	blob := make([]byte, 10)
	for id := 1; id <= 3; id++ {
		if err := ix.PutThumbnail(ctx, "a", id, 16, 16, "", blob); err != nil {
			t.Fatalf("put %d: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	total, err := ix.ThumbnailBytes(ctx)
	if err != nil || total > 25 {
		t.Fatalf("total = %d err=%v", total, err)
	}
	if got, _ := ix.Thumbnail(ctx, "a", 1, 16, 16); got != nil {
		t.Fatalf("oldest thumbnail survived")
	}
	if got, _ := ix.Thumbnail(ctx, "a", 3, 16, 16); len(got) != 10 {
		t.Fatalf("newest thumbnail missing")
	}
}

func TestRecordDropsThumbnailsOfRemovedSketches(t *testing.T) {
	ix := openIndex(t, t.TempDir())
	ctx := context.Background()
	ix.SetMaxThumbnailBytes(0)
	if err := ix.Record(ctx, domain.Sketchbook{ID: "a", Sketches: make([]domain.Sketch, 2)}, time.Now()); err != nil {
		t.Fatal(err)
	}
	for id := 1; id <= 2; id++ {
		if err := ix.PutThumbnail(ctx, "a", id, 8, 8, fmt.Sprint("src", id), []byte{1}); err != nil {
			t.Fatal(err)
		}
	}
	srcs, err := ix.ThumbnailSources(ctx, "a", 8, 8)
	if err != nil || srcs[1] != "src1" || srcs[2] != "src2" {
		t.Fatalf("sources = %v err=%v", srcs, err)
	}
	if err := ix.Record(ctx, domain.Sketchbook{ID: "a", Sketches: make([]domain.Sketch, 1)}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got, _ := ix.Thumbnail(ctx, "a", 2, 8, 8); got != nil {
		t.Fatalf("stale thumbnail kept")
	}
}

func TestDetectAndRebuildIndex_OnCorruption(t *testing.T) {
	root := t.TempDir()
	if _, err := InitSketchbook(filepath.Join(root, "one"), sample()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, IndexDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(IndexPath(root), []byte("THIS IS NOT SQLITE"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ix, rebuilt, err := DetectAndRebuildIndex(ctx, root)
	if err != nil {
		t.Fatalf("DetectAndRebuildIndex: %v", err)
	}
	defer ix.Close()
	if !rebuilt {
		t.Fatalf("expected rebuild to occur")
	}
	list, err := ix.List(ctx)
	if err != nil || len(list) != 1 || list[0].ID != "one" || list[0].SketchCount != 2 {
		t.Fatalf("catalog after rebuild = %+v err=%v", list, err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, IndexDirName, "backups"))
	if len(entries) == 0 {
		t.Fatalf("expected backup of corrupt index")
	}

	// a healthy index is left alone
	_ = ix.Close()
	ix2, rebuilt, err := DetectAndRebuildIndex(ctx, root)
	if err != nil || rebuilt {
		t.Fatalf("healthy index rebuilt=%v err=%v", rebuilt, err)
	}
	_ = ix2.Close()
}
