/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package controller owns the canonical state of one sketchbook editing session.
// It applies the sketch identity policy to user actions, publishes state to
// views through observable sources and issues repository calls.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"opensketch/internal/domain"
	"opensketch/internal/gateway"
	applog "opensketch/internal/log"
	"opensketch/internal/navigation"
	"opensketch/internal/state"
)

// Phase is the lifecycle position of a session.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

var (
	// ErrNotReady is reported when a sketch operation runs before the load settled.
	ErrNotReady = errors.New("sketchbook not loaded")
	// ErrAlreadyInitialized is reported by a second Initialize.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrSketchOutOfRange aliases the identity policy error.
	ErrSketchOutOfRange = domain.ErrSketchOutOfRange
)

// PreconditionError marks a programmer error: the call was illegal in the
// current state and nothing was changed.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %v", e.Op, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// Scroller applies scroll instructions to the view hosting the sketch strip.
type Scroller interface {
	ScrollTo(s navigation.Scroll)
}

// Scheduler runs fn after the next render/layout pass has been committed.
type Scheduler interface {
	AfterLayout(fn func())
}

// Telemetry receives anonymous usage events.
type Telemetry interface {
	Event(name string, props map[string]any)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger; defaults to the "controller" component logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithLayout attaches the rendered geometry used for navigation.
func WithLayout(g navigation.Geometry) Option { return func(c *Controller) { c.layout = g } }

// WithScroller attaches the view that performs scrolling.
func WithScroller(s Scroller) Option { return func(c *Controller) { c.scroller = s } }

// WithScheduler attaches the after-layout scheduler used by AppendSketch.
func WithScheduler(s Scheduler) Option { return func(c *Controller) { c.scheduler = s } }

// WithGutter overrides the space between rendered sketches.
func WithGutter(g float64) Option { return func(c *Controller) { c.gutter = g } }

// WithTelemetry attaches an event sink.
func WithTelemetry(t Telemetry) Option { return func(c *Controller) { c.telemetry = t } }

// WithBrush sets the initial brush settings.
func WithBrush(b domain.Brush) Option { return func(c *Controller) { c.initialBrush = b } }

// WithMutationLock serialises append/save/delete so that a second mutating call
// waits until the previous one, including its repository save, has settled.
// Off by default: overlapping save/delete sequences then race, and the
// repository may receive saves in a different order than the state changed.
func WithMutationLock() Option { return func(c *Controller) { c.mutationMu = &sync.Mutex{} } }

// Controller is the sketchbook session controller.
type Controller struct {
	sketchbookID string
	repo         gateway.Repository
	log          *slog.Logger

	layout    navigation.Geometry
	scroller  Scroller
	scheduler Scheduler
	telemetry Telemetry
	gutter    float64

	initialBrush domain.Brush
	phase        atomic.Int32
	mutationMu   *sync.Mutex
	attachMu     sync.Mutex

	sketchbook  *state.Value[domain.Sketchbook]
	features    *state.Value[domain.FeatureSet]
	canvasReset *state.Value[bool]
	brush       *state.Brush
}

// New creates a controller for sketchbookID backed by repo. Call Initialize to load.
func New(sketchbookID string, repo gateway.Repository, opts ...Option) *Controller {
	c := &Controller{
		sketchbookID: sketchbookID,
		repo:         repo,
		gutter:       navigation.DefaultGutter,
		initialBrush: domain.DefaultBrush(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = applog.WithComponent("controller")
	}
	c.log = c.log.With(slog.String("sketchbook", sketchbookID))
	c.sketchbook = state.NewValue(domain.NewSketchbook(sketchbookID))
	c.features = state.NewValue(domain.FeatureSet{})
	c.canvasReset = state.NewValue(false)
	c.brush = state.NewBrush(c.initialBrush)
	return c
}

// SketchbookID returns the identifier supplied at construction.
func (c *Controller) SketchbookID() string { return c.sketchbookID }

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// Sketchbook is the provider of the canonical sketchbook.
func (c *Controller) Sketchbook() state.Source[domain.Sketchbook] { return c.sketchbook }

// Features is the provider of the feature set fetched at initialization.
func (c *Controller) Features() state.Source[domain.FeatureSet] { return c.features }

// CanvasReset is the provider of the canvas reset signal.
func (c *Controller) CanvasReset() state.Source[bool] { return c.canvasReset }

// Brush returns the shared brush. Views may read and subscribe; brush events
// mutate it through the controller.
func (c *Controller) Brush() *state.Brush { return c.brush }

func (c *Controller) setScheduler(s Scheduler) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	if c.scheduler == nil {
		c.scheduler = s
	}
}

func (c *Controller) currentScheduler() Scheduler {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	return c.scheduler
}

// Initialize loads the sketchbook and the feature set. A failed load degrades
// the session to an empty sketchbook; the session always ends up Ready.
func (c *Controller) Initialize(ctx context.Context) error {
	if !c.phase.CompareAndSwap(int32(PhaseUninitialized), int32(PhaseLoading)) {
		return &PreconditionError{Op: "initialize", Err: ErrAlreadyInitialized}
	}
	ctx = applog.ContextWithSketchbook(ctx, c.sketchbookID)
	l := applog.WithOperation(c.log, "initialize")

	sb, err := c.repo.Load(ctx, c.sketchbookID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		l.WarnContext(ctx, "sketchbook not found, starting empty")
		sb = domain.Sketchbook{ID: c.sketchbookID, Sketches: []domain.Sketch{}}
	case err != nil:
		l.ErrorContext(ctx, "load failed, starting empty", slog.Any("err", err))
		sb = domain.Sketchbook{ID: c.sketchbookID, Sketches: []domain.Sketch{}}
	}
	if sb.ID == "" {
		sb.ID = c.sketchbookID
	}
	if sb.Sketches == nil {
		sb.Sketches = []domain.Sketch{}
	}
	if verr := domain.ValidateIdentity(sb.Sketches); verr != nil {
		l.WarnContext(ctx, "renumbering loaded sketches", slog.Any("err", verr))
		sb.Sketches = domain.Renumber(sb.Sketches)
	}

	fs, err := c.repo.AvailableFeatures(ctx)
	if err != nil {
		l.WarnContext(ctx, "feature lookup failed", slog.Any("err", err))
		fs = domain.FeatureSet{}
	}

	c.sketchbook.Set(sb)
	c.features.Set(fs)
	c.phase.Store(int32(PhaseReady))
	l.InfoContext(ctx, "session ready", slog.Int("sketches", sb.Len()), slog.Int("features", len(fs)))
	return nil
}

func (c *Controller) lockMutations() func() {
	if c.mutationMu == nil {
		return func() {}
	}
	c.mutationMu.Lock()
	return c.mutationMu.Unlock
}

// update applies fn to the canonical sketchbook and publishes the result.
func (c *Controller) update(op string, fn func(cur domain.Sketchbook) (domain.Sketchbook, error)) (domain.Sketchbook, error) {
	if c.Phase() != PhaseReady {
		return domain.Sketchbook{}, &PreconditionError{Op: op, Err: ErrNotReady}
	}
	return c.sketchbook.Update(fn)
}

// AppendSketch adds a blank sketch at the end and, once the new sketch has
// been laid out, scrolls it into view. Nothing is persisted.
func (c *Controller) AppendSketch() error {
	defer c.lockMutations()()
	l := applog.WithOperation(c.log, "append_sketch")
	next, err := c.update("append-sketch", func(cur domain.Sketchbook) (domain.Sketchbook, error) {
		return domain.Sketchbook{ID: cur.ID, Sketches: domain.AppendSketch(cur.Sketches, domain.BlankImage)}, nil
	})
	if err != nil {
		l.Error("append rejected", slog.Any("err", err))
		return err
	}
	n := next.Len()
	l.Debug("sketch appended", slog.Int("id", n))
	c.event("sketch_added", map[string]any{"count": n})

	if s := c.currentScheduler(); s != nil {
		s.AfterLayout(func() {
			if _, err := c.scrollTo(n); err != nil {
				l.Debug("scroll after append skipped", slog.Any("err", err))
			}
		})
	}
	return nil
}

// SaveSketch stores image on sketch id and persists the whole sketchbook.
// An id outside [1, len] is a precondition violation and changes nothing.
// A repository failure is returned as-is; the in-memory state is not rolled back.
func (c *Controller) SaveSketch(ctx context.Context, id int, image domain.ImageRef) error {
	defer c.lockMutations()()
	ctx = applog.ContextWithSketchbook(ctx, c.sketchbookID)
	l := applog.WithOperation(c.log, "save_sketch").With(slog.Int("id", id))
	next, err := c.update("save-sketch", func(cur domain.Sketchbook) (domain.Sketchbook, error) {
		sketches, err := domain.ReplaceImage(cur.Sketches, id, image)
		if err != nil {
			return domain.Sketchbook{}, &PreconditionError{Op: "save-sketch", Err: err}
		}
		return domain.Sketchbook{ID: cur.ID, Sketches: sketches}, nil
	})
	if err != nil {
		l.ErrorContext(ctx, "save rejected", slog.Any("err", err))
		return err
	}
	if err := c.repo.Save(ctx, next); err != nil {
		l.ErrorContext(ctx, "persist failed", slog.Any("err", err))
		return fmt.Errorf("save sketchbook %s: %w", next.ID, err)
	}
	l.InfoContext(ctx, "sketchbook saved", slog.Int("sketches", next.Len()))
	c.event("sketch_saved", map[string]any{"count": next.Len()})
	return nil
}

// DeleteSketch removes sketch id, renumbers the rest, raises the canvas reset
// signal and persists the whole sketchbook. An unknown id leaves the sketches
// unchanged but still resets the canvas and saves.
func (c *Controller) DeleteSketch(ctx context.Context, id int) error {
	defer c.lockMutations()()
	ctx = applog.ContextWithSketchbook(ctx, c.sketchbookID)
	l := applog.WithOperation(c.log, "delete_sketch").With(slog.Int("id", id))
	next, err := c.update("delete-sketch", func(cur domain.Sketchbook) (domain.Sketchbook, error) {
		return domain.Sketchbook{ID: cur.ID, Sketches: domain.DeleteSketch(cur.Sketches, id)}, nil
	})
	if err != nil {
		l.ErrorContext(ctx, "delete rejected", slog.Any("err", err))
		return err
	}
	c.canvasReset.Set(true)
	if err := c.repo.Save(ctx, next); err != nil {
		l.ErrorContext(ctx, "persist failed", slog.Any("err", err))
		return fmt.Errorf("save sketchbook %s: %w", next.ID, err)
	}
	l.InfoContext(ctx, "sketch deleted", slog.Int("sketches", next.Len()))
	c.event("sketch_deleted", map[string]any{"count": next.Len()})
	return nil
}

// AcknowledgeCanvasReset clears the canvas reset signal. Calling it when the
// signal is already clear does nothing.
func (c *Controller) AcknowledgeCanvasReset() {
	_, _ = c.canvasReset.Update(func(cur bool) (bool, error) {
		if !cur {
			return false, errUnchanged
		}
		return false, nil
	})
}

var errUnchanged = errors.New("unchanged")

// ExportSketch asks the repository to render sketch ref of sketchbookID for
// download. An empty sketchbookID means the session's own sketchbook.
func (c *Controller) ExportSketch(ctx context.Context, sketchbookID string, ref domain.SketchRef) (string, error) {
	if sketchbookID == "" {
		sketchbookID = c.sketchbookID
	}
	ctx = applog.ContextWithSketchbook(ctx, sketchbookID)
	l := applog.WithOperation(c.log, "export_sketch").With(slog.Int("ref", int(ref)))
	loc, err := c.repo.Export(ctx, sketchbookID, ref)
	if err != nil {
		l.ErrorContext(ctx, "export failed", slog.Any("err", err))
		return "", fmt.Errorf("export sketch %d of %s: %w", ref, sketchbookID, err)
	}
	l.InfoContext(ctx, "sketch exported", slog.String("location", loc))
	c.event("sketch_exported", nil)
	return loc, nil
}

// SetBrushWidth stores w on the shared brush without validation.
func (c *Controller) SetBrushWidth(w float64) { c.brush.SetLineWidth(w) }

// SetBrushColor stores col on the shared brush without validation.
func (c *Controller) SetBrushColor(col string) { c.brush.SetColor(col) }

// SetBrushType stores t on the shared brush without validation.
func (c *Controller) SetBrushType(t domain.BrushType) { c.brush.SetType(t) }

// NavigateTo scrolls the strip so that sketch ordinal starts at the viewport
// origin. The sketch must already be laid out.
func (c *Controller) NavigateTo(ordinal int) (navigation.Scroll, error) {
	s, err := c.scrollTo(ordinal)
	if err != nil {
		applog.WithOperation(c.log, "navigate").Warn("navigation skipped", slog.Int("ordinal", ordinal), slog.Any("err", err))
		return navigation.Scroll{}, err
	}
	return s, nil
}

func (c *Controller) scrollTo(ordinal int) (navigation.Scroll, error) {
	s, err := navigation.ScrollTo(c.layout, ordinal, c.gutter)
	if err != nil {
		return navigation.Scroll{}, err
	}
	if c.scroller != nil {
		c.scroller.ScrollTo(s)
	}
	return s, nil
}

func (c *Controller) event(name string, props map[string]any) {
	if c.telemetry != nil {
		c.telemetry.Event(name, props)
	}
}
