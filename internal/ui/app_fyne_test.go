//go:build fyne && cgo

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// These tests validate the Fyne-based UI components. They are gated behind the
// "fyne" build tag so CI (which is headless) does not need Fyne or a display.
// To run locally:
//
//	go test -tags fyne ./internal/ui
package ui

import (
	"image"
	"image/color"
	"testing"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/test"
	"fyne.io/fyne/v2/widget"

	"opensketch/internal/controller"
	"opensketch/internal/domain"
	"opensketch/internal/export"
)

func penBrush() domain.Brush {
	return domain.Brush{Type: domain.BrushPen, LineWidth: 4, Color: "#ff0000"}
}

func TestStripLayout_LeadingGutter(t *testing.T) {
	l := stripLayout{gutter: 20}
	a := widget.NewLabel("a")
	b := widget.NewLabel("b")
	objs := []fyne.CanvasObject{a, b}
	l.Layout(objs, l.MinSize(objs))
	if a.Position().X != 20 {
		t.Fatalf("first card at %v, want 20", a.Position().X)
	}
	want := 20 + a.MinSize().Width + 20
	if b.Position().X != want {
		t.Fatalf("second card at %v, want %v", b.Position().X, want)
	}
}

func TestSketchBoard_DefaultsBlank(t *testing.T) {
	test.NewTempApp(t)
	b := NewSketchBoard(penBrush)
	if got := b.img.Bounds(); got != export.DefaultCanvas {
		t.Fatalf("bounds = %v", got)
	}
	if ms := b.MinSize(); ms.Width != BoardWidth || ms.Height != BoardHeight {
		t.Fatalf("min size = %v", ms)
	}
}

func TestSketchBoard_DragPaintsAndSnapshots(t *testing.T) {
	test.NewTempApp(t)
	b := NewSketchBoard(penBrush)
	b.Resize(fyne.NewSize(400, 300))
	b.Dragged(&fyne.DragEvent{
		PointEvent: fyne.PointEvent{Position: fyne.NewPos(200, 150)},
		Dragged:    fyne.NewDelta(-100, 0),
	})
	// 400x300 maps 2:1 onto the 800x600 canvas.
	c := b.img.NRGBAAt(300, 300)
	if c.R != 255 || c.G != 0 {
		t.Fatalf("stroke pixel = %v", c)
	}
	ref, err := b.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	decoded, err := export.DecodeSketch(ref)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, g, _, _ := decoded.At(300, 300).RGBA()
	if r>>8 != 255 || g != 0 {
		t.Fatalf("decoded pixel r=%d g=%d", r>>8, g)
	}
}

func TestSketchBoard_LoadReplacesStrokes(t *testing.T) {
	test.NewTempApp(t)
	b := NewSketchBoard(penBrush)
	b.Resize(fyne.NewSize(800, 600))
	b.Tapped(&fyne.PointEvent{Position: fyne.NewPos(10, 10)})
	if b.img.NRGBAAt(10, 10) == (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatal("tap did not paint")
	}
	b.Load(domain.BlankImage)
	if got := b.img.NRGBAAt(10, 10); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("after load pixel = %v", got)
	}
	if b.raster.Image.(*image.NRGBA) != b.img {
		t.Fatal("raster not pointed at the loaded image")
	}
}

func TestSketchStrip_SyncKeepsBoardsAndMeasures(t *testing.T) {
	test.NewTempApp(t)
	geo := NewStripGeometry()
	s := newSketchStrip(20)
	s.brush = penBrush
	s.post = func(controller.Event) {}
	s.window = test.NewWindow(nil)

	sb := domain.Sketchbook{ID: "sb", Sketches: []domain.Sketch{{Image: domain.BlankImage}, {Image: domain.BlankImage}}}
	s.sync(sb, geo)
	if len(s.boards) != 2 || len(s.box.Objects) != 2 {
		t.Fatalf("boards = %d objects = %d", len(s.boards), len(s.box.Objects))
	}
	first := s.boards[0]
	w, ok := geo.SketchWidth(1)
	if !ok || w < BoardWidth {
		t.Fatalf("width(1) = %v, %v", w, ok)
	}

	sb.Sketches = append(sb.Sketches, domain.Sketch{Image: domain.BlankImage})
	s.sync(sb, geo)
	if len(s.boards) != 3 || s.boards[0] != first {
		t.Fatal("sync should append without replacing existing boards")
	}

	sb.Sketches = sb.Sketches[:1]
	s.sync(sb, geo)
	if len(s.boards) != 1 {
		t.Fatalf("boards = %d after shrink", len(s.boards))
	}
	if _, ok := geo.SketchWidth(2); ok {
		t.Fatal("geometry kept a removed board")
	}
}

func TestSketchStrip_SetDownloadTogglesButtons(t *testing.T) {
	test.NewTempApp(t)
	s := newSketchStrip(20)
	s.brush = penBrush
	s.post = func(controller.Event) {}
	s.window = test.NewWindow(nil)
	s.sync(domain.Sketchbook{Sketches: []domain.Sketch{{Image: domain.BlankImage}}}, NewStripGeometry())
	s.setDownload(false)
	if !s.download[0].Disabled() {
		t.Fatal("download should be disabled")
	}
	s.setDownload(true)
	if s.download[0].Disabled() {
		t.Fatal("download should be enabled")
	}
}
