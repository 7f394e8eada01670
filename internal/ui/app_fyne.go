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

package ui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"opensketch/internal/controller"
	"opensketch/internal/crash"
	"opensketch/internal/domain"
	"opensketch/internal/export"
	applog "opensketch/internal/log"
	"opensketch/internal/navigation"
	"opensketch/internal/storage"
)

type scrollerFunc func(navigation.Scroll)

func (f scrollerFunc) ScrollTo(s navigation.Scroll) { f(s) }

// Run opens a window editing the session's sketchbook and blocks until it is closed.
func Run(ctx context.Context, s Session) error {
	l := s.Logger
	if l == nil {
		l = applog.WithComponent("ui")
	}
	l = l.With(slog.String("sketchbook", s.SketchbookID))
	l.Info("starting UI")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	geo := NewStripGeometry()
	gutter := s.Gutter
	if gutter <= 0 {
		gutter = navigation.DefaultGutter
	}

	fyneApp := app.NewWithID("opensketch")
	w := fyneApp.NewWindow("OpenSketch – " + s.SketchbookID)
	// Restore window size from preferences (with sane minimums)
	prefs := fyneApp.Preferences()
	winW := prefs.IntWithFallback("window.width", 1200)
	winH := prefs.IntWithFallback("window.height", 800)
	if winW < 800 {
		winW = 800
	}
	if winH < 600 {
		winH = 600
	}
	w.Resize(fyne.NewSize(float32(winW), float32(winH)))

	status := widget.NewLabel("Loading…")
	strip := newSketchStrip(float32(gutter))
	scroll := container.NewHScroll(strip.box)

	ctrl := s.NewController(geo, scrollerFunc(func(sc navigation.Scroll) {
		fyne.Do(func() {
			scroll.Offset = fyne.NewPos(float32(sc.Left), float32(sc.Top))
			scroll.Refresh()
		})
	}))
	defer crash.Recover(func() *storage.Handle {
		if s.CrashHandle == nil {
			return nil
		}
		return s.CrashHandle(ctrl.Sketchbook().Get())
	})

	loop := s.NewLoop(ctrl,
		controller.WithRender(func() {
			fyne.DoAndWait(func() { strip.sync(ctrl.Sketchbook().Get(), geo) })
		}),
		controller.WithErrorHandler(func(ev controller.Event, err error) {
			l.Warn("event failed", slog.String("event", string(ev.Name)), slog.Any("err", err))
			fyne.Do(func() { status.SetText(fmt.Sprintf("%s failed: %v", ev.Name, err)) })
		}),
		controller.WithResultHandler(func(_ controller.Event, path string) {
			fyne.Do(func() { status.SetText("Saved to " + path) })
		}),
	)
	post := func(ev controller.Event) {
		if err := loop.Post(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			l.Warn("post event failed", slog.Any("err", err))
		}
	}
	strip.brush = func() domain.Brush { return ctrl.Brush().Get() }
	strip.post = post
	strip.window = w

	// Brush controls
	width := widget.NewSlider(1, 60)
	width.Step = 1
	colorEntry := widget.NewEntry()
	colorEntry.SetPlaceHolder("#000000")
	tool := widget.NewSelect(brushTypeNames(), nil)
	swatch := canvas.NewCircle(color.Black)
	swatchBox := container.NewGridWrap(fyne.NewSize(24, 24), swatch)

	b0 := ctrl.Brush().Get()
	width.SetValue(b0.LineWidth)
	colorEntry.SetText(b0.Color)
	tool.SetSelected(string(b0.Type))
	width.OnChanged = func(v float64) { post(controller.LineWidthChanged(v)) }
	tool.OnChanged = func(v string) { post(controller.BrushSelected(domain.BrushType(v))) }
	colorEntry.OnSubmitted = func(v string) {
		if _, err := ParseHexColor(v); err != nil {
			status.SetText(err.Error())
			return
		}
		post(controller.ColorChanged(v))
	}
	updateSwatch := func(b domain.Brush) {
		swatch.FillColor = strokeColor(b)
		swatch.Refresh()
	}
	updateSwatch(b0)
	unsubBrush := ctrl.Brush().Subscribe(func(b domain.Brush) { fyne.Do(func() { updateSwatch(b) }) })
	defer unsubBrush()

	addBtn := widget.NewButton("Add sketch", func() { post(controller.SketchAdded()) })
	toolbar := container.NewHBox(
		addBtn,
		widget.NewSeparator(),
		widget.NewLabel("Tool"), tool,
		widget.NewLabel("Width"), container.NewGridWrap(fyne.NewSize(160, 36), width),
		widget.NewLabel("Color"), container.NewGridWrap(fyne.NewSize(100, 36), colorEntry), swatchBox,
	)

	// Sketch navigator (left)
	navCount := 0
	thumbs := s.Thumbnails()
	thumbsOn := false
	nav := widget.NewList(
		func() int { return navCount },
		func() fyne.CanvasObject {
			img := canvas.NewImageFromResource(nil)
			img.FillMode = canvas.ImageFillContain
			img.SetMinSize(fyne.NewSize(64, 48))
			return container.NewHBox(img, widget.NewLabel(""))
		},
		func(i widget.ListItemID, o fyne.CanvasObject) {
			row := o.(*fyne.Container)
			img := row.Objects[0].(*canvas.Image)
			row.Objects[1].(*widget.Label).SetText(fmt.Sprintf("Sketch %d", i+1))
			img.Resource = nil
			if thumbsOn && thumbs != nil {
				if data, ok := thumbs.Get(int(i) + 1); ok {
					img.Resource = fyne.NewStaticResource(fmt.Sprintf("sketch-%d.png", i+1), data)
				}
			}
			img.Refresh()
		},
	)
	refreshThumbs := func(sb domain.Sketchbook) {
		if !thumbsOn || thumbs == nil {
			return
		}
		go func() {
			changed, err := thumbs.Sync(ctx, sb)
			if err != nil {
				l.Warn("thumbnail refresh failed", slog.Any("err", err))
			}
			fyne.Do(func() {
				for _, n := range changed {
					nav.RefreshItem(widget.ListItemID(n - 1))
				}
			})
		}()
	}
	nav.OnSelected = func(i widget.ListItemID) {
		post(controller.SketchSelected(int(i) + 1))
		nav.UnselectAll()
	}

	unsubSB := ctrl.Sketchbook().Subscribe(func(sb domain.Sketchbook) {
		fyne.Do(func() {
			navCount = sb.Len()
			nav.Refresh()
			strip.sync(sb, geo)
			status.SetText(fmt.Sprintf("%d sketches", sb.Len()))
			refreshThumbs(sb)
		})
	})
	defer unsubSB()
	unsubFeat := ctrl.Features().Subscribe(func(fs domain.FeatureSet) {
		fyne.Do(func() {
			strip.setDownload(fs.Has(domain.FeatureDownload))
			was := thumbsOn
			thumbsOn = fs.Has(domain.FeatureThumbnails)
			if thumbsOn && !was {
				refreshThumbs(ctrl.Sketchbook().Get())
			}
			nav.Refresh()
		})
	})
	defer unsubFeat()
	unsubReset := ctrl.CanvasReset().Subscribe(func(reset bool) {
		if !reset {
			return
		}
		fyne.Do(func() {
			strip.reload(ctrl.Sketchbook().Get())
			post(controller.CanvasResetAcknowledged())
		})
	})
	defer unsubReset()

	split := container.NewHSplit(container.NewBorder(widget.NewLabel("Sketches"), nil, nil, nil, nav), scroll)
	split.Offset = 0.15
	w.SetContent(container.NewBorder(toolbar, status, nil, nil, split))

	w.SetCloseIntercept(func() {
		sz := w.Canvas().Size()
		prefs.SetInt("window.width", int(sz.Width))
		prefs.SetInt("window.height", int(sz.Height))
		cancel()
		w.Close()
	})

	go func() {
		if err := ctrl.Initialize(ctx); err != nil {
			l.Error("initialize failed", slog.Any("err", err))
		}
		fyne.Do(func() { strip.sync(ctrl.Sketchbook().Get(), geo) })
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("event loop stopped", slog.Any("err", err))
		}
	}()

	w.ShowAndRun()
	return nil
}

func brushTypeNames() []string {
	out := make([]string, 0, len(domain.BrushTypes))
	for _, t := range domain.BrushTypes {
		out = append(out, string(t))
	}
	return out
}

// stripLayout places equally sized cards left to right with a leading gutter,
// so card n starts at n*(w+g)-w.
type stripLayout struct{ gutter float32 }

func (s stripLayout) Layout(objects []fyne.CanvasObject, size fyne.Size) {
	x := s.gutter
	for _, o := range objects {
		ms := o.MinSize()
		o.Resize(ms)
		o.Move(fyne.NewPos(x, 0))
		x += ms.Width + s.gutter
	}
}

func (s stripLayout) MinSize(objects []fyne.CanvasObject) fyne.Size {
	w, h := s.gutter, float32(0)
	for _, o := range objects {
		ms := o.MinSize()
		w += ms.Width + s.gutter
		if ms.Height > h {
			h = ms.Height
		}
	}
	return fyne.NewSize(w, h)
}

// sketchStrip owns the boards shown for the sketchbook, one card per sketch.
type sketchStrip struct {
	box      *fyne.Container
	boards   []*SketchBoard
	download []*widget.Button
	canDL    bool
	brush    func() domain.Brush
	post     func(controller.Event)
	window   fyne.Window
}

func newSketchStrip(gutter float32) *sketchStrip {
	return &sketchStrip{box: container.New(stripLayout{gutter: gutter}), canDL: true}
}

// sync grows or shrinks the strip to sb. Existing boards keep their unsaved
// strokes; only new boards load their image.
func (s *sketchStrip) sync(sb domain.Sketchbook, geo *StripGeometry) {
	n := sb.Len()
	if len(s.boards) > n {
		s.boards = s.boards[:n]
		s.download = s.download[:n]
		s.box.Objects = s.box.Objects[:n]
	}
	for i := len(s.boards); i < n; i++ {
		s.addCard(i+1, sb.Sketches[i].Image)
	}
	s.box.Refresh()
	geo.Truncate(n)
	for i, b := range s.boards {
		geo.Measure(i+1, float64(b.Size().Width))
	}
}

// reload discards unsaved strokes and shows the images of sb.
func (s *sketchStrip) reload(sb domain.Sketchbook) {
	for i, b := range s.boards {
		if i < sb.Len() {
			b.Load(sb.Sketches[i].Image)
		}
	}
}

func (s *sketchStrip) setDownload(on bool) {
	s.canDL = on
	for _, b := range s.download {
		if on {
			b.Enable()
		} else {
			b.Disable()
		}
	}
}

func (s *sketchStrip) addCard(ordinal int, img domain.ImageRef) {
	board := NewSketchBoard(s.brush)
	board.Load(img)
	save := widget.NewButton("Save", func() {
		ref, err := board.Snapshot()
		if err != nil {
			dialog.ShowError(err, s.window)
			return
		}
		s.post(controller.SketchbookSaved(ordinal, ref))
	})
	dl := widget.NewButton("Download", func() { s.post(controller.SketchDownloaded(domain.SketchRef(ordinal))) })
	if !s.canDL {
		dl.Disable()
	}
	del := widget.NewButton("Delete", func() {
		dialog.ShowConfirm("Delete sketch", fmt.Sprintf("Delete sketch %d?", ordinal), func(ok bool) {
			if ok {
				s.post(controller.SketchDeleted(ordinal))
			}
		}, s.window)
	})
	title := widget.NewLabel(fmt.Sprintf("Sketch %d", ordinal))
	card := container.NewVBox(title, board, container.NewHBox(save, dl, del))
	s.boards = append(s.boards, board)
	s.download = append(s.download, dl)
	s.box.Objects = append(s.box.Objects, card)
}

// SketchBoard is a freehand drawing surface holding one sketch image.
type SketchBoard struct {
	widget.BaseWidget
	img    *image.NRGBA
	raster *canvas.Image
	brush  func() domain.Brush
}

// NewSketchBoard returns a blank board painting with the brush returned by brush.
func NewSketchBoard(brush func() domain.Brush) *SketchBoard {
	b := &SketchBoard{brush: brush}
	b.img = image.NewNRGBA(export.DefaultCanvas)
	b.raster = canvas.NewImageFromImage(b.img)
	b.raster.FillMode = canvas.ImageFillStretch
	b.ExtendBaseWidget(b)
	return b
}

// Load replaces the board contents with ref; undecodable images leave a blank board.
func (b *SketchBoard) Load(ref domain.ImageRef) {
	src, err := export.DecodeSketch(ref)
	if err != nil {
		applog.WithComponent("ui").Warn("decode sketch failed", slog.Any("err", err))
		src = image.NewNRGBA(export.DefaultCanvas)
	}
	img := image.NewNRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Over)
	b.img = img
	b.raster.Image = img
	b.raster.Refresh()
}

// Snapshot encodes the board as a PNG data URL.
func (b *SketchBoard) Snapshot() (domain.ImageRef, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, b.img); err != nil {
		return "", fmt.Errorf("encode sketch: %w", err)
	}
	return domain.NewImageRef("image/png", buf.Bytes()), nil
}

func (b *SketchBoard) toImage(p fyne.Position) image.Point {
	sz := b.Size()
	if sz.Width <= 0 || sz.Height <= 0 {
		return image.Point{}
	}
	bounds := b.img.Bounds()
	return image.Pt(
		bounds.Min.X+int(p.X/sz.Width*float32(bounds.Dx())),
		bounds.Min.Y+int(p.Y/sz.Height*float32(bounds.Dy())),
	)
}

func (b *SketchBoard) Tapped(e *fyne.PointEvent) {
	pt := b.toImage(e.Position)
	PaintSegment(b.img, pt, pt, b.brush())
	b.raster.Refresh()
}

func (b *SketchBoard) Dragged(e *fyne.DragEvent) {
	from := b.toImage(e.Position.Subtract(e.Dragged))
	to := b.toImage(e.Position)
	PaintSegment(b.img, from, to, b.brush())
	b.raster.Refresh()
}

func (b *SketchBoard) DragEnd() {}

func (b *SketchBoard) MinSize() fyne.Size { return fyne.NewSize(BoardWidth, BoardHeight) }

func (b *SketchBoard) CreateRenderer() fyne.WidgetRenderer {
	frame := canvas.NewRectangle(color.White)
	frame.StrokeColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	frame.StrokeWidth = 1
	return &sketchBoardRenderer{b: b, frame: frame, objects: []fyne.CanvasObject{frame, b.raster}}
}

type sketchBoardRenderer struct {
	b       *SketchBoard
	frame   *canvas.Rectangle
	objects []fyne.CanvasObject
}

func (r *sketchBoardRenderer) Destroy()                     {}
func (r *sketchBoardRenderer) Objects() []fyne.CanvasObject { return r.objects }
func (r *sketchBoardRenderer) MinSize() fyne.Size           { return r.b.MinSize() }
func (r *sketchBoardRenderer) Refresh()                     { r.Layout(r.b.Size()); canvas.Refresh(r.b) }

func (r *sketchBoardRenderer) Layout(size fyne.Size) {
	r.frame.Resize(size)
	r.frame.Move(fyne.NewPos(0, 0))
	r.b.raster.Resize(size)
	r.b.raster.Move(fyne.NewPos(0, 0))
}
