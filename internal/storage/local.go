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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"opensketch/internal/domain"
	"opensketch/internal/export"
	"opensketch/internal/gateway"
	applog "opensketch/internal/log"
)

// Default thumbnail bounds.
const (
	ThumbnailWidth  = export.ThumbnailWidth
	ThumbnailHeight = export.ThumbnailHeight
)

// NewID returns a fresh sketchbook identifier.
func NewID() string { return ulid.Make().String() }

// Local is the filesystem repository: one directory per sketchbook under Root
// plus the library index.
type Local struct {
	root     string
	index    *Index
	features domain.FeatureSet
	thumbW   int
	thumbH   int
	cacheMax int64
	log      *slog.Logger

	mu sync.Mutex // serialises manifest writes
}

// LocalOption configures a Local repository.
type LocalOption func(*Local)

// WithFeatures sets the feature set reported to clients; defaults to all known features.
func WithFeatures(fs domain.FeatureSet) LocalOption {
	return func(r *Local) { r.features = append(domain.FeatureSet(nil), fs...) }
}

// WithThumbnailSize sets the bounds thumbnails are scaled into.
func WithThumbnailSize(w, h int) LocalOption {
	return func(r *Local) {
		if w > 0 && h > 0 {
			r.thumbW, r.thumbH = w, h
		}
	}
}

// WithThumbnailCache caps the thumbnail cache at n bytes; n <= 0 disables eviction.
func WithThumbnailCache(n int64) LocalOption {
	return func(r *Local) { r.cacheMax = n }
}

var (
	_ gateway.Repository  = (*Local)(nil)
	_ gateway.Thumbnailer = (*Local)(nil)
)

// NewLocal opens (creating if needed) the storage root and its index. A
// corrupt index is rebuilt from the manifests.
func NewLocal(ctx context.Context, root string, opts ...LocalOption) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	r := &Local{
		root:     root,
		features: append(domain.FeatureSet(nil), domain.KnownFeatures...),
		thumbW:   ThumbnailWidth,
		thumbH:   ThumbnailHeight,
		cacheMax: DefaultThumbnailBytes,
		log:      applog.WithComponent("storage").With(slog.String("root", root)),
	}
	for _, o := range opts {
		o(r)
	}
	ix, rebuilt, err := DetectAndRebuildIndex(ctx, root)
	if err != nil {
		return nil, err
	}
	if rebuilt {
		r.log.Warn("index rebuilt from manifests")
	}
	ix.SetMaxThumbnailBytes(r.cacheMax)
	r.index = ix
	return r, nil
}

// Root returns the storage root directory.
func (r *Local) Root() string { return r.root }

// Index exposes the library catalog.
func (r *Local) Index() *Index { return r.index }

// Close releases the index.
func (r *Local) Close() error { return r.index.Close() }

// Dir returns the directory of sketchbook id.
func (r *Local) Dir(id string) string { return filepath.Join(r.root, id) }

// Handle returns the on-disk handle sb would be written to.
func (r *Local) Handle(sb domain.Sketchbook) *Handle {
	dir := r.Dir(sb.ID)
	return &Handle{Root: dir, ManifestPath: filepath.Join(dir, ManifestFileName), Sketchbook: sb}
}

func (r *Local) checkID(id string) error { return domain.CheckSketchbookID(id) }

func (r *Local) require(f domain.Feature) error {
	if !r.features.Has(f) {
		return fmt.Errorf("%w: %s", gateway.ErrFeatureDisabled, f)
	}
	return nil
}

// Create makes a new sketchbook holding one blank sketch.
func (r *Local) Create(ctx context.Context) (domain.Sketchbook, error) {
	sb := domain.NewSketchbook(NewID())
	if err := r.Save(ctx, sb); err != nil {
		return domain.Sketchbook{}, err
	}
	return sb, nil
}

// Load reads sketchbook id. A sketchbook without manifest or backups is
// reported as gateway.ErrNotFound.
func (r *Local) Load(ctx context.Context, id string) (domain.Sketchbook, error) {
	if err := r.checkID(id); err != nil {
		return domain.Sketchbook{}, err
	}
	h, err := Open(r.Dir(id))
	if errors.Is(err, ErrNoManifest) {
		return domain.Sketchbook{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, id)
	}
	if err != nil {
		return domain.Sketchbook{}, err
	}
	sb := h.Sketchbook
	sb.ID = id
	return sb, nil
}

// Save writes the whole sketchbook, updates the catalog and, when enabled,
// refreshes thumbnails. Catalog and thumbnail failures are logged only.
func (r *Local) Save(ctx context.Context, sb domain.Sketchbook) error {
	if err := r.checkID(sb.ID); err != nil {
		return err
	}
	ctx = applog.ContextWithSketchbook(ctx, sb.ID)
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.Handle(sb)
	var err error
	if _, statErr := os.Stat(h.ManifestPath); errors.Is(statErr, os.ErrNotExist) {
		_, err = InitSketchbook(h.Root, sb)
	} else {
		err = Save(h)
	}
	if err != nil {
		r.log.ErrorContext(ctx, "save manifest failed", slog.Any("err", err))
		return err
	}
	if err := r.index.Record(ctx, sb, time.Now()); err != nil {
		r.log.WarnContext(ctx, "catalog update failed", slog.Any("err", err))
		return nil
	}
	if r.features.Has(domain.FeatureThumbnails) {
		r.refreshThumbnails(ctx, sb)
	}
	return nil
}

// refreshThumbnails re-renders the thumbnails whose sketch image changed
// since they were cached.
func (r *Local) refreshThumbnails(ctx context.Context, sb domain.Sketchbook) {
	cached, err := r.index.ThumbnailSources(ctx, sb.ID, r.thumbW, r.thumbH)
	if err != nil {
		r.log.WarnContext(ctx, "thumbnail lookup failed", slog.Any("err", err))
		cached = map[int]string{}
	}
	rendered := 0
	for _, s := range sb.Sketches {
		src := imageDigest(s.Image)
		if cached[s.ID] == src {
			continue
		}
		data, _, err := export.Thumbnail(s.Image, r.thumbW, r.thumbH)
		if err != nil {
			r.log.WarnContext(ctx, "thumbnail failed", slog.Int("sketch", s.ID), slog.Any("err", err))
			continue
		}
		if err := r.index.PutThumbnail(ctx, sb.ID, s.ID, r.thumbW, r.thumbH, src, data); err != nil {
			r.log.WarnContext(ctx, "thumbnail cache failed", slog.Int("sketch", s.ID), slog.Any("err", err))
			continue
		}
		rendered++
	}
	if rendered > 0 {
		r.log.DebugContext(ctx, "thumbnails refreshed", slog.Int("rendered", rendered), slog.Int("sketches", sb.Len()))
	}
}

func imageDigest(ref domain.ImageRef) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

// Thumbnail returns the PNG thumbnail of a sketch, generating it on a cache miss.
func (r *Local) Thumbnail(ctx context.Context, id string, ref domain.SketchRef) ([]byte, error) {
	if err := r.require(domain.FeatureThumbnails); err != nil {
		return nil, err
	}
	if err := r.checkID(id); err != nil {
		return nil, err
	}
	sketchID := int(ref)
	if data, err := r.index.Thumbnail(ctx, id, sketchID, r.thumbW, r.thumbH); err != nil || data != nil {
		return data, err
	}
	sb, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s, ok := sb.Sketch(sketchID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrSketchOutOfRange, ref)
	}
	data, _, err := export.Thumbnail(s.Image, r.thumbW, r.thumbH)
	if err != nil {
		return nil, err
	}
	if err := r.index.Record(ctx, sb, time.Now()); err == nil {
		_ = r.index.PutThumbnail(ctx, id, sketchID, r.thumbW, r.thumbH, imageDigest(s.Image), data)
	}
	return data, nil
}

// Export renders sketch ref as PNG into the sketchbook's exports folder and
// returns the file path.
func (r *Local) Export(ctx context.Context, id string, ref domain.SketchRef) (string, error) {
	if err := r.require(domain.FeatureDownload); err != nil {
		return "", err
	}
	sb, err := r.Load(ctx, id)
	if err != nil {
		return "", err
	}
	s, ok := sb.Sketch(int(ref))
	if !ok {
		return "", fmt.Errorf("%w: %d", domain.ErrSketchOutOfRange, ref)
	}
	out := filepath.Join(r.Dir(id), ExportsDirName, fmt.Sprintf("sketch-%d.png", ref))
	if err := export.WriteSketchPNG(s.Image, out); err != nil {
		return "", err
	}
	r.log.InfoContext(applog.ContextWithSketchbook(ctx, id), "sketch exported", slog.String("path", out))
	return out, nil
}

// ExportPDF writes the whole sketchbook as a PDF and returns its path.
func (r *Local) ExportPDF(ctx context.Context, id string) (string, error) {
	if err := r.require(domain.FeatureExportPDF); err != nil {
		return "", err
	}
	sb, err := r.Load(ctx, id)
	if err != nil {
		return "", err
	}
	out := filepath.Join(r.Dir(id), ExportsDirName, id+".pdf")
	if err := export.ExportSketchbookPDF(sb, out, export.PDFOptions{Captions: true}); err != nil {
		return "", err
	}
	return out, nil
}

// ExportCBZ writes the whole sketchbook as a CBZ archive and returns its path.
func (r *Local) ExportCBZ(ctx context.Context, id string) (string, error) {
	if err := r.require(domain.FeatureExportCBZ); err != nil {
		return "", err
	}
	sb, err := r.Load(ctx, id)
	if err != nil {
		return "", err
	}
	return export.ExportSketchbookCBZ(sb, filepath.Join(r.Dir(id), ExportsDirName, id+".cbz"))
}

// ExportBatch runs a preset batch export into the sketchbook's exports
// folder. PDF and CBZ formats still honour their feature flags.
func (r *Local) ExportBatch(ctx context.Context, id string, opt export.BatchOptions) ([]string, error) {
	formats := opt.Formats
	if len(formats) == 0 {
		formats = export.PresetFormats(opt.Preset)
	}
	for _, f := range formats {
		var need domain.Feature
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "pdf":
			need = domain.FeatureExportPDF
		case "cbz":
			need = domain.FeatureExportCBZ
		default:
			need = domain.FeatureDownload
		}
		if err := r.require(need); err != nil {
			return nil, err
		}
	}
	sb, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	opt.Formats = formats
	paths, err := export.BatchExport(sb, r.Dir(id), opt)
	if err != nil {
		return paths, err
	}
	r.log.InfoContext(applog.ContextWithSketchbook(ctx, id), "batch export done",
		slog.String("preset", string(opt.Preset)), slog.Int("files", len(paths)))
	return paths, nil
}

// AvailableFeatures reports the configured feature set.
func (r *Local) AvailableFeatures(context.Context) (domain.FeatureSet, error) {
	return append(domain.FeatureSet(nil), r.features...), nil
}

// List returns the catalog.
func (r *Local) List(ctx context.Context) ([]CatalogEntry, error) { return r.index.List(ctx) }

// Remove deletes sketchbook id from disk and from the catalog.
func (r *Local) Remove(ctx context.Context, id string) error {
	if err := r.checkID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(r.Dir(id)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", gateway.ErrNotFound, id)
	}
	if err := os.RemoveAll(r.Dir(id)); err != nil {
		return fmt.Errorf("remove sketchbook: %w", err)
	}
	return r.index.Remove(ctx, id)
}
