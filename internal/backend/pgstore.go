/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"opensketch/internal/domain"
	"opensketch/internal/export"
	"opensketch/internal/gateway"
	applog "opensketch/internal/log"
)

// PGStore is a gateway.Repository backed by Postgres. Sketch images are kept
// as data URLs, one row per position.
type PGStore struct {
	db        *sql.DB
	features  domain.FeatureSet
	exportDir string
	log       *slog.Logger
}

var (
	_ gateway.Repository  = (*PGStore)(nil)
	_ gateway.Thumbnailer = (*PGStore)(nil)
)

// NewPGStore wraps an open database. Exports are rendered under exportDir.
func NewPGStore(db *sql.DB, exportDir string, features domain.FeatureSet) *PGStore {
	if features == nil {
		features = append(domain.FeatureSet(nil), domain.KnownFeatures...)
	}
	return &PGStore{db: db, features: features, exportDir: exportDir, log: applog.WithComponent("pgstore")}
}

// Ping reports whether the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Load(ctx context.Context, id string) (domain.Sketchbook, error) {
	if err := domain.CheckSketchbookID(id); err != nil {
		return domain.Sketchbook{}, err
	}
	var updated time.Time
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM sketchbooks WHERE id=$1`, id).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sketchbook{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, id)
	}
	if err != nil {
		return domain.Sketchbook{}, fmt.Errorf("select sketchbook: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT position, image FROM sketches WHERE sketchbook_id=$1 ORDER BY position`, id)
	if err != nil {
		return domain.Sketchbook{}, fmt.Errorf("select sketches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	sb := domain.Sketchbook{ID: id, Sketches: []domain.Sketch{}}
	for rows.Next() {
		var sk domain.Sketch
		var img string
		if err := rows.Scan(&sk.ID, &img); err != nil {
			return domain.Sketchbook{}, err
		}
		sk.Image = domain.ImageRef(img)
		sb.Sketches = append(sb.Sketches, sk)
	}
	if err := rows.Err(); err != nil {
		return domain.Sketchbook{}, err
	}
	if domain.ValidateIdentity(sb.Sketches) != nil {
		sb.Sketches = domain.Renumber(sb.Sketches)
	}
	return sb, nil
}

// Save replaces the stored sketches of sb in one transaction.
func (s *PGStore) Save(ctx context.Context, sb domain.Sketchbook) error {
	if err := domain.CheckSketchbookID(sb.ID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sketchbooks(id, updated_at) VALUES($1, now())
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`, sb.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert sketchbook: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sketches WHERE sketchbook_id=$1`, sb.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear sketches: %w", err)
	}
	for i, sk := range sb.Sketches {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sketches(sketchbook_id, position, image) VALUES($1,$2,$3)`,
			sb.ID, i+1, string(sk.Image)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert sketch %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.DebugContext(applog.ContextWithSketchbook(ctx, sb.ID), "sketchbook stored", slog.Int("sketches", sb.Len()))
	return nil
}

// Export writes sketch ref as PNG under <exportDir>/<id>/.
func (s *PGStore) Export(ctx context.Context, id string, ref domain.SketchRef) (string, error) {
	if !s.features.Has(domain.FeatureDownload) {
		return "", fmt.Errorf("%w: %s", gateway.ErrFeatureDisabled, domain.FeatureDownload)
	}
	if err := domain.CheckSketchbookID(id); err != nil {
		return "", err
	}
	sb, err := s.Load(ctx, id)
	if err != nil {
		return "", err
	}
	sk, ok := sb.Sketch(int(ref))
	if !ok {
		return "", fmt.Errorf("%w: %d", domain.ErrSketchOutOfRange, ref)
	}
	out := filepath.Join(s.exportDir, id, fmt.Sprintf("sketch-%d.png", ref))
	if err := export.WriteSketchPNG(sk.Image, out); err != nil {
		return "", err
	}
	return out, nil
}

// Thumbnail renders a preview of sketch ref on every call; Postgres keeps no
// thumbnail cache.
func (s *PGStore) Thumbnail(ctx context.Context, id string, ref domain.SketchRef) ([]byte, error) {
	if !s.features.Has(domain.FeatureThumbnails) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrFeatureDisabled, domain.FeatureThumbnails)
	}
	sb, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	sk, ok := sb.Sketch(int(ref))
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrSketchOutOfRange, ref)
	}
	data, _, err := export.Thumbnail(sk.Image, export.ThumbnailWidth, export.ThumbnailHeight)
	return data, err
}

func (s *PGStore) AvailableFeatures(context.Context) (domain.FeatureSet, error) {
	return append(domain.FeatureSet(nil), s.features...), nil
}
