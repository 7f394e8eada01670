/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package log configures the process-wide slog logger: a console sink, an
// optional rotating JSON file, and records tagged with the sketchbook carried
// on the context.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"opensketch/internal/version"
)

// Options controls logger initialization. Zero values mean INFO level,
// console format, no source and no file.
type Options struct {
	Level     string // debug|info|warn|error
	Format    string // console|json
	AddSource bool
	File      string // JSON log file, rotated by size
	// MaxSizeMB and MaxBackups tune rotation; zero means 10 MB and 3 backups.
	MaxSizeMB  int
	MaxBackups int
	// Console overrides the console writer; nil means stderr.
	Console io.Writer
}

var current atomic.Pointer[slog.Logger]

// L returns the application logger, configuring it from the environment on
// first use.
func L() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	Init(FromEnv())
	return current.Load()
}

// Init replaces the application logger and slog's default.
func Init(opts Options) {
	lvl := parseLevel(opts.Level)
	hs := []slog.Handler{tagSketchbook(consoleSink(opts, lvl))}
	if f := strings.TrimSpace(opts.File); f != "" {
		hs = append(hs, tagSketchbook(fileSink(f, opts, lvl)))
	}
	var h slog.Handler = fanout(hs)
	if len(hs) == 1 {
		h = hs[0]
	}
	l := slog.New(h).With(
		slog.String("app", "opensketch"),
		slog.String("ver", version.Version),
		slog.Time("ts_init", time.Now()),
	)
	current.Store(l)
	slog.SetDefault(l)
}

func consoleSink(opts Options, lvl slog.Level) slog.Handler {
	w := opts.Console
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: opts.AddSource})
	}
	return &consoleHandler{w: w, level: lvl, source: opts.AddSource}
}

func fileSink(path string, opts Options, lvl slog.Level) slog.Handler {
	size, backups := opts.MaxSizeMB, opts.MaxBackups
	if size <= 0 {
		size = 10
	}
	if backups <= 0 {
		backups = 3
	}
	w := &lj.Logger{Filename: path, MaxSize: size, MaxBackups: backups, MaxAge: 28, Compress: true}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: opts.AddSource})
}

// Environment variables read by FromEnv.
const (
	EnvLevel  = "OSK_LOG_LEVEL"
	EnvFormat = "OSK_LOG_FORMAT"
	EnvSource = "OSK_LOG_SOURCE"
	EnvFile   = "OSK_LOG_FILE"
)

// FromEnv builds Options from the OSK_LOG_* variables.
func FromEnv() Options {
	return Options{
		Level:     envOr(EnvLevel, "info"),
		Format:    envOr(EnvFormat, "console"),
		AddSource: strings.EqualFold(os.Getenv(EnvSource), "true"),
		File:      os.Getenv(EnvFile),
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// WithComponent returns a logger with the component attribute pre-set.
func WithComponent(name string) *slog.Logger { return L().With(slog.String("component", name)) }

// WithOperation annotates the logger with an operation name.
func WithOperation(l *slog.Logger, op string) *slog.Logger { return l.With(slog.String("op", op)) }

type ctxKey struct{}

// ContextWithSketchbook returns ctx carrying the sketchbook id. Records logged
// with that context get a "sketchbook" attribute unless one is already set.
func ContextWithSketchbook(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// SketchbookFromContext returns the id stored by ContextWithSketchbook.
func SketchbookFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// parseLevel accepts slog's level names plus "warning"; anything else is INFO.
func parseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// sketchbookTagger copies the context's sketchbook id onto records that do
// not carry one already.
type sketchbookTagger struct {
	next   slog.Handler
	tagged bool // a "sketchbook" attr was bound through WithAttrs
}

func tagSketchbook(h slog.Handler) slog.Handler { return &sketchbookTagger{next: h} }

func (t *sketchbookTagger) Enabled(ctx context.Context, level slog.Level) bool {
	return t.next.Enabled(ctx, level)
}

func (t *sketchbookTagger) Handle(ctx context.Context, r slog.Record) error {
	id, ok := SketchbookFromContext(ctx)
	if !ok || t.tagged || hasAttr(r, "sketchbook") {
		return t.next.Handle(ctx, r)
	}
	r = r.Clone()
	r.AddAttrs(slog.String("sketchbook", id))
	return t.next.Handle(ctx, r)
}

func hasAttr(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}

func (t *sketchbookTagger) WithAttrs(attrs []slog.Attr) slog.Handler {
	tagged := t.tagged
	for _, a := range attrs {
		tagged = tagged || a.Key == "sketchbook"
	}
	return &sketchbookTagger{next: t.next.WithAttrs(attrs), tagged: tagged}
}

func (t *sketchbookTagger) WithGroup(name string) slog.Handler {
	return &sketchbookTagger{next: t.next.WithGroup(name), tagged: t.tagged}
}

// consoleHandler writes one line per record:
//
//	15:04:05.000 INF message key=value group.key=value
type consoleHandler struct {
	w      io.Writer
	level  slog.Level
	source bool
	prefix string // dotted group path ending in "."
	bound  string // pre-rendered attrs from WithAttrs
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	if r.Message != "" {
		b.WriteByte(' ')
		b.WriteString(r.Message)
	}
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})
	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			b.WriteString(" src=")
			b.WriteString(f.File)
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(f.Line))
		}
	}
	b.WriteByte('\n')
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		writeAttr(&b, h.prefix, a)
	}
	c := *h
	c.bound = b.String()
	return &c
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			writeAttr(b, p, g)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(valueText(a.Value))
}

func valueText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindString:
		if s := v.String(); strings.ContainsAny(s, " \t\n\"=") {
			return strconv.Quote(s)
		}
	}
	return v.String()
}

func levelTag(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}
