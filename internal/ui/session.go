/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package ui

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"opensketch/internal/controller"
	"opensketch/internal/domain"
	"opensketch/internal/gateway"
	applog "opensketch/internal/log"
	"opensketch/internal/storage"
)

// Board geometry of one sketch in the strip, in device-independent pixels.
const (
	BoardWidth  = 320
	BoardHeight = 240
)

// Session describes the sketchbook a desktop window edits.
type Session struct {
	SketchbookID string
	Repo         gateway.Repository
	Gutter       float64
	Brush        domain.Brush
	Telemetry    controller.Telemetry
	// SerializeSaves enables the controller's per-sketchbook mutation lock.
	SerializeSaves bool
	// QueueSize bounds the window's buffered events; 0 keeps the loop default.
	QueueSize int
	// CrashHandle maps the live sketchbook onto where a crash snapshot is
	// written; nil disables crash autosave (remote repositories).
	CrashHandle func(domain.Sketchbook) *storage.Handle
	Logger      *slog.Logger
}

// NewController builds the session's controller wired to a host's geometry and scroller.
func (s Session) NewController(geo *StripGeometry, sc controller.Scroller) *controller.Controller {
	opts := []controller.Option{
		controller.WithLayout(geo),
		controller.WithScroller(sc),
	}
	if s.Gutter > 0 {
		opts = append(opts, controller.WithGutter(s.Gutter))
	}
	if s.Brush != (domain.Brush{}) {
		opts = append(opts, controller.WithBrush(s.Brush))
	}
	if s.Telemetry != nil {
		opts = append(opts, controller.WithTelemetry(s.Telemetry))
	}
	if s.SerializeSaves {
		opts = append(opts, controller.WithMutationLock())
	}
	l := s.Logger
	if l == nil {
		l = applog.WithComponent("ui")
	}
	opts = append(opts, controller.WithLogger(l))
	return controller.New(s.SketchbookID, s.Repo, opts...)
}

// NewLoop builds the event loop driving ctrl with the session's queue size.
func (s Session) NewLoop(ctrl *controller.Controller, opts ...controller.LoopOption) *controller.Loop {
	return controller.NewLoop(ctrl, append([]controller.LoopOption{controller.WithQueueSize(s.QueueSize)}, opts...)...)
}

// Thumbnails returns the navigator preview cache, or nil when the repository
// cannot render previews.
func (s Session) Thumbnails() *ThumbnailCache {
	th, ok := s.Repo.(gateway.Thumbnailer)
	if !ok {
		return nil
	}
	return NewThumbnailCache(th, s.SketchbookID)
}

// ThumbnailCache holds navigator previews by ordinal and re-fetches only the
// sketches whose image changed.
type ThumbnailCache struct {
	src gateway.Thumbnailer
	id  string

	mu     sync.Mutex
	images []domain.ImageRef
	data   map[int][]byte
}

func NewThumbnailCache(src gateway.Thumbnailer, sketchbookID string) *ThumbnailCache {
	return &ThumbnailCache{src: src, id: sketchbookID, data: map[int][]byte{}}
}

// Sync fetches previews for sketches of sb that are new or changed and drops
// those past the end. It returns the ordinals that were refreshed. A failed
// fetch leaves that ordinal stale and is retried on the next call.
func (t *ThumbnailCache) Sync(ctx context.Context, sb domain.Sketchbook) ([]int, error) {
	t.mu.Lock()
	var stale []int
	for i, sk := range sb.Sketches {
		if _, ok := t.data[i+1]; !ok || t.images[i] != sk.Image {
			stale = append(stale, i+1)
		}
	}
	for n := range t.data {
		if n > sb.Len() {
			delete(t.data, n)
		}
	}
	if len(t.images) > sb.Len() {
		t.images = t.images[:sb.Len()]
	}
	t.mu.Unlock()

	var refreshed []int
	var errs []error
	for _, n := range stale {
		data, err := t.src.Thumbnail(ctx, t.id, domain.SketchRef(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("thumbnail %d: %w", n, err))
			continue
		}
		t.mu.Lock()
		for len(t.images) < n {
			t.images = append(t.images, "")
		}
		t.images[n-1] = sb.Sketches[n-1].Image
		t.data[n] = data
		t.mu.Unlock()
		refreshed = append(refreshed, n)
	}
	return refreshed, errors.Join(errs...)
}

// Get returns the cached preview of sketch ordinal.
func (t *ThumbnailCache) Get(ordinal int) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.data[ordinal]
	return d, ok
}

// StripGeometry records the measured width of each board by ordinal. The
// host writes it during layout; the controller reads it when scrolling.
type StripGeometry struct {
	mu     sync.RWMutex
	widths map[int]float64
}

// NewStripGeometry returns an empty geometry; nothing is measured yet.
func NewStripGeometry() *StripGeometry { return &StripGeometry{widths: map[int]float64{}} }

// Measure stores the rendered width of sketch ordinal.
func (g *StripGeometry) Measure(ordinal int, width float64) {
	g.mu.Lock()
	g.widths[ordinal] = width
	g.mu.Unlock()
}

// Truncate forgets measurements for ordinals above n.
func (g *StripGeometry) Truncate(n int) {
	g.mu.Lock()
	for k := range g.widths {
		if k > n {
			delete(g.widths, k)
		}
	}
	g.mu.Unlock()
}

// SketchWidth implements navigation.Geometry.
func (g *StripGeometry) SketchWidth(ordinal int) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.widths[ordinal]
	return w, ok && w > 0
}

// ParseHexColor parses #rgb, #rrggbb and #rrggbbaa.
func ParseHexColor(s string) (color.NRGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// strokeColor resolves the ink a brush lays down; the eraser paints paper white.
func strokeColor(b domain.Brush) color.NRGBA {
	if b.Type == domain.BrushEraser {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	c, err := ParseHexColor(b.Color)
	if err != nil {
		c = color.NRGBA{A: 255}
	}
	switch b.Type {
	case domain.BrushPencil:
		c.A = uint8(float64(c.A) * 0.6)
	case domain.BrushMarker:
		c.A = uint8(float64(c.A) * 0.35)
	}
	return c
}

// PaintSegment stamps round dabs of the brush along a..b into img.
func PaintSegment(img *image.NRGBA, a, b image.Point, brush domain.Brush) {
	r := brush.LineWidth / 2
	if brush.Type == domain.BrushMarker {
		r *= 2
	}
	if r < 0.5 {
		r = 0.5
	}
	c := strokeColor(brush)
	dx, dy := float64(b.X-a.X), float64(b.Y-a.Y)
	steps := int(math.Max(1, math.Hypot(dx, dy)/math.Max(1, r/2)))
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		dab(img, float64(a.X)+dx*t, float64(a.Y)+dy*t, r, c)
	}
}

func dab(img *image.NRGBA, cx, cy, r float64, c color.NRGBA) {
	bounds := img.Bounds()
	x0, x1 := int(math.Floor(cx-r)), int(math.Ceil(cx+r))
	y0, y1 := int(math.Floor(cy-r)), int(math.Ceil(cy+r))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !(image.Point{X: x, Y: y}).In(bounds) {
				continue
			}
			if (float64(x)-cx)*(float64(x)-cx)+(float64(y)-cy)*(float64(y)-cy) > r*r {
				continue
			}
			img.SetNRGBA(x, y, over(img.NRGBAAt(x, y), c))
		}
	}
}

// over composites src onto dst (non-premultiplied).
func over(dst, src color.NRGBA) color.NRGBA {
	if src.A == 255 {
		return src
	}
	sa := float64(src.A) / 255
	da := float64(dst.A) / 255
	oa := sa + da*(1-sa)
	if oa == 0 {
		return color.NRGBA{}
	}
	mix := func(s, d uint8) uint8 {
		return uint8((float64(s)*sa + float64(d)*da*(1-sa)) / oa)
	}
	return color.NRGBA{R: mix(src.R, dst.R), G: mix(src.G, dst.G), B: mix(src.B, dst.B), A: uint8(oa*255 + 0.5)}
}
