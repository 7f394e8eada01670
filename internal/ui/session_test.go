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
	"testing"
	"time"

	"opensketch/internal/controller"
	"opensketch/internal/domain"
	"opensketch/internal/navigation"
)

type stubRepo struct{ sb domain.Sketchbook }

func (r *stubRepo) Load(context.Context, string) (domain.Sketchbook, error) { return r.sb, nil }
func (r *stubRepo) Save(_ context.Context, sb domain.Sketchbook) error      { r.sb = sb; return nil }
func (r *stubRepo) Export(context.Context, string, domain.SketchRef) (string, error) {
	return "out.png", nil
}
func (r *stubRepo) AvailableFeatures(context.Context) (domain.FeatureSet, error) {
	return domain.FeatureSet{domain.FeatureDownload}, nil
}

type scrollRecorder struct{ got []navigation.Scroll }

func (s *scrollRecorder) ScrollTo(sc navigation.Scroll) { s.got = append(s.got, sc) }

func TestStripGeometry(t *testing.T) {
	g := NewStripGeometry()
	if _, ok := g.SketchWidth(1); ok {
		t.Fatalf("unmeasured board reported a width")
	}
	g.Measure(1, 320)
	g.Measure(2, 320)
	g.Measure(3, 0)
	if w, ok := g.SketchWidth(2); !ok || w != 320 {
		t.Fatalf("width = %v ok=%v", w, ok)
	}
	if _, ok := g.SketchWidth(3); ok {
		t.Fatalf("zero width counts as unmeasured")
	}
	g.Truncate(1)
	if _, ok := g.SketchWidth(2); ok {
		t.Fatalf("truncate kept ordinal 2")
	}
}

func TestSessionControllerNavigatesWithStripGeometry(t *testing.T) {
	repo := &stubRepo{sb: domain.Sketchbook{ID: "s", Sketches: []domain.Sketch{{ID: 1, Image: domain.BlankImage}, {ID: 2, Image: domain.BlankImage}}}}
	geo := NewStripGeometry()
	sc := &scrollRecorder{}
	s := Session{SketchbookID: "s", Repo: repo, Gutter: 20, Brush: domain.Brush{LineWidth: 3, Color: "#ff0000", Type: domain.BrushMarker}, SerializeSaves: true}
	c := s.NewController(geo, sc)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := c.Brush().Get(); got.Type != domain.BrushMarker || got.LineWidth != 3 {
		t.Fatalf("brush = %+v", got)
	}
	geo.Measure(2, BoardWidth)
	sc2, err := c.NavigateTo(2)
	if err != nil {
		t.Fatalf("NavigateTo: %v", err)
	}
	if want := 2*(float64(BoardWidth)+20) - BoardWidth; sc2.Left != want {
		t.Fatalf("left = %v, want %v", sc2.Left, want)
	}
	if len(sc.got) != 1 {
		t.Fatalf("scroller calls = %d", len(sc.got))
	}
}

type thumbRepo struct {
	stubRepo
	calls []domain.SketchRef
	fail  map[domain.SketchRef]bool
}

func (r *thumbRepo) Thumbnail(_ context.Context, _ string, ref domain.SketchRef) ([]byte, error) {
	r.calls = append(r.calls, ref)
	if r.fail[ref] {
		return nil, errors.New("render failed")
	}
	return []byte(fmt.Sprintf("thumb-%d", ref)), nil
}

func TestSessionThumbnailsNeedThumbnailer(t *testing.T) {
	if (Session{Repo: &stubRepo{}}).Thumbnails() != nil {
		t.Fatalf("plain repository produced a thumbnail cache")
	}
	if (Session{Repo: &thumbRepo{}}).Thumbnails() == nil {
		t.Fatalf("thumbnailer ignored")
	}
}

func TestThumbnailCacheRefetchesOnlyChangedSketches(t *testing.T) {
	ctx := context.Background()
	repo := &thumbRepo{fail: map[domain.SketchRef]bool{}}
	tc := NewThumbnailCache(repo, "s")
	sb := domain.Sketchbook{ID: "s", Sketches: []domain.Sketch{{ID: 1, Image: "data:,a"}, {ID: 2, Image: "data:,b"}}}

	got, err := tc.Sync(ctx, sb)
	if err != nil || len(got) != 2 {
		t.Fatalf("first sync = %v err=%v", got, err)
	}
	sb.Sketches[1].Image = "data:,b2"
	sb.Sketches = append(sb.Sketches, domain.Sketch{ID: 3, Image: "data:,c"})
	repo.calls = nil
	got, err = tc.Sync(ctx, sb)
	if err != nil || fmt.Sprint(got) != "[2 3]" || fmt.Sprint(repo.calls) != "[2 3]" {
		t.Fatalf("second sync = %v calls=%v err=%v", got, repo.calls, err)
	}
	if d, ok := tc.Get(3); !ok || string(d) != "thumb-3" {
		t.Fatalf("Get(3) = %q %v", d, ok)
	}

	sb.Sketches = sb.Sketches[:1]
	repo.calls = nil
	if got, _ = tc.Sync(ctx, sb); len(got) != 0 || len(repo.calls) != 0 {
		t.Fatalf("shrink fetched %v", repo.calls)
	}
	if _, ok := tc.Get(2); ok {
		t.Fatalf("preview of removed sketch kept")
	}
}

func TestThumbnailCacheRetriesFailures(t *testing.T) {
	ctx := context.Background()
	repo := &thumbRepo{fail: map[domain.SketchRef]bool{1: true}}
	tc := NewThumbnailCache(repo, "s")
	sb := domain.Sketchbook{ID: "s", Sketches: []domain.Sketch{{ID: 1, Image: "data:,a"}}}
	if _, err := tc.Sync(ctx, sb); err == nil {
		t.Fatalf("expected fetch error")
	}
	delete(repo.fail, 1)
	got, err := tc.Sync(ctx, sb)
	if err != nil || len(got) != 1 {
		t.Fatalf("retry = %v err=%v", got, err)
	}
}

func TestSessionLoopUsesQueueSize(t *testing.T) {
	s := Session{SketchbookID: "s", Repo: &stubRepo{}, QueueSize: 1}
	loop := s.NewLoop(s.NewController(NewStripGeometry(), &scrollRecorder{}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := loop.Post(ctx, controller.SketchAdded()); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if err := loop.Post(ctx, controller.SketchAdded()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second post into a full queue: %v", err)
	}
}

func TestParseHexColor(t *testing.T) {
	cases := []struct {
		in      string
		want    color.NRGBA
		wantErr bool
	}{
		{"#000000", color.NRGBA{A: 255}, false},
		{"#f00", color.NRGBA{R: 255, A: 255}, false},
		{" 00ff0080 ", color.NRGBA{G: 255, A: 128}, false},
		{"#12345", color.NRGBA{}, true},
		{"#zzzzzz", color.NRGBA{}, true},
	}
	for _, tc := range cases {
		got, err := ParseHexColor(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v", tc.in, err)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestPaintSegment(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	PaintSegment(img, image.Pt(5, 10), image.Pt(35, 10), domain.Brush{LineWidth: 4, Color: "#0000ff", Type: domain.BrushPen})
	for _, x := range []int{5, 20, 35} {
		if got := img.NRGBAAt(x, 10); got != (color.NRGBA{B: 255, A: 255}) {
			t.Fatalf("pixel %d = %v", x, got)
		}
	}
	if got := img.NRGBAAt(20, 0); got.A != 0 {
		t.Fatalf("paint leaked outside the stroke: %v", got)
	}

	PaintSegment(img, image.Pt(20, 10), image.Pt(20, 10), domain.Brush{LineWidth: 2, Type: domain.BrushEraser})
	if got := img.NRGBAAt(20, 10); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("eraser = %v", got)
	}

	// translucent pencil blends onto white
	paper := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range paper.Pix {
		paper.Pix[i] = 255
	}
	PaintSegment(paper, image.Pt(2, 2), image.Pt(2, 2), domain.Brush{LineWidth: 2, Color: "#000000", Type: domain.BrushPencil})
	if got := paper.NRGBAAt(2, 2); got.R == 0 || got.R == 255 || got.A != 255 {
		t.Fatalf("pencil blend = %v", got)
	}
}
