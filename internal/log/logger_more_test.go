/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "warn")
	t.Setenv(EnvFormat, "json")
	t.Setenv(EnvSource, "TRUE")
	t.Setenv(EnvFile, "")

	opts := FromEnv()
	if opts.Level != "warn" || opts.Format != "json" || !opts.AddSource || opts.File != "" {
		t.Fatalf("FromEnv mismatch: %+v", opts)
	}
	t.Setenv(EnvLevel, "")
	if got := FromEnv().Level; got != "info" {
		t.Fatalf("empty level = %q, want info", got)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	var h slog.Handler = &consoleHandler{w: &buf, level: slog.LevelWarn, source: true}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should not be enabled at warn level")
	}
	h = h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("grp")

	ts := time.Date(2025, 3, 1, 9, 30, 15, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelError, "boom", 0)
	r.AddAttrs(slog.Int("n", 42), slog.Float64("pi", 3.14), slog.String("path", "a b"),
		slog.Group("box", slog.Int("w", 3)))
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	want := `09:30:15.000 ERR boom k=v grp.n=42 grp.pi=3.14 grp.path="a b" grp.box.w=3` + "\n"
	if got := buf.String(); got != want {
		t.Fatalf("line = %q\nwant   %q", got, want)
	}
}

func TestFanoutRespectsEachLevel(t *testing.T) {
	var quiet, loud bytes.Buffer
	h := fanout{
		&consoleHandler{w: &quiet, level: slog.LevelError},
		&consoleHandler{w: &loud, level: slog.LevelDebug},
	}
	slog.New(h).Info("hello")
	if quiet.Len() != 0 || !strings.Contains(loud.String(), "INF hello") {
		t.Fatalf("quiet=%q loud=%q", quiet.String(), loud.String())
	}
}

func TestEnricherAddsSketchbookFromContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json", Console: &buf})
	t.Cleanup(func() { Init(Options{Level: "info", Format: "console"}) })

	ctx := ContextWithSketchbook(context.Background(), "sb-42")
	WithComponent("test").InfoContext(ctx, "with ctx")

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["sketchbook"] != "sb-42" {
		t.Fatalf("sketchbook attr = %v", m["sketchbook"])
	}

	// an explicit attribute wins and is not duplicated
	buf.Reset()
	WithComponent("test").With(slog.String("sketchbook", "explicit")).InfoContext(ctx, "explicit")
	if n := strings.Count(buf.String(), `"sketchbook"`); n != 1 {
		t.Fatalf("sketchbook key appears %d times: %q", n, buf.String())
	}
	if !strings.Contains(buf.String(), `"explicit"`) {
		t.Fatalf("explicit value lost: %q", buf.String())
	}
}

func TestContextWithSketchbookEmpty(t *testing.T) {
	ctx := ContextWithSketchbook(context.Background(), "")
	if _, ok := SketchbookFromContext(ctx); ok {
		t.Fatalf("empty id should not be stored")
	}
	if _, ok := SketchbookFromContext(nil); ok { //nolint:staticcheck
		t.Fatalf("nil ctx")
	}
}
