/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opensketch/internal/config"
)

func newTestEnv(t *testing.T) (*env, *bytes.Buffer) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.Driver = config.DriverLocal
	cfg.Storage.Root = t.TempDir()
	out := &bytes.Buffer{}
	return &env{cfg: cfg, out: out}, out
}

func run(e *env, args ...string) error {
	return newCLIApp(e).Run(append([]string{"opensketch"}, args...))
}

func writePNG(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	img.Set(3, 3, color.NRGBA{R: 255, A: 255})
	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSketchbookLifecycle(t *testing.T) {
	e, out := newTestEnv(t)
	if err := run(e, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id := strings.TrimSpace(out.String())
	if id == "" {
		t.Fatal("init printed no id")
	}

	out.Reset()
	if err := run(e, "append", "--image", writePNG(t), id); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(out.String(), "Appended sketch 2") {
		t.Fatalf("append output: %q", out.String())
	}

	out.Reset()
	if err := run(e, "draw", id, "1", writePNG(t)); err != nil {
		t.Fatalf("draw: %v", err)
	}

	out.Reset()
	if err := run(e, "open", id); err != nil {
		t.Fatalf("open: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Sketches: 2") || strings.Count(got, "image/png") != 2 {
		t.Fatalf("open output: %q", got)
	}

	out.Reset()
	if err := run(e, "export", id, "2"); err != nil {
		t.Fatalf("export png: %v", err)
	}
	if _, err := os.Stat(strings.TrimSpace(out.String())); err != nil {
		t.Fatalf("exported png missing: %v", err)
	}

	out.Reset()
	if err := run(e, "export", "--format", "pdf", id); err != nil {
		t.Fatalf("export pdf: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out.String()), ".pdf") {
		t.Fatalf("pdf path: %q", out.String())
	}

	out.Reset()
	if err := run(e, "delete", id, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out.String(), "1 remaining") {
		t.Fatalf("delete output: %q", out.String())
	}

	out.Reset()
	if err := run(e, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.HasPrefix(out.String(), id+"\t1\t") {
		t.Fatalf("list output: %q", out.String())
	}
}

func TestDrawOutOfRangeFails(t *testing.T) {
	e, out := newTestEnv(t)
	if err := run(e, "init"); err != nil {
		t.Fatal(err)
	}
	id := strings.TrimSpace(out.String())
	if err := run(e, "draw", id, "5", writePNG(t)); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestExportPresetBatch(t *testing.T) {
	e, out := newTestEnv(t)
	if err := run(e, "init"); err != nil {
		t.Fatal(err)
	}
	id := strings.TrimSpace(out.String())
	out.Reset()
	if err := run(e, "export", "--preset", "print", id); err != nil {
		t.Fatalf("batch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected pdf and png outputs, got %q", out.String())
	}
}

func TestUnknownDriver(t *testing.T) {
	e, _ := newTestEnv(t)
	if err := run(e, "--driver", "ftp", "init"); err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("err = %v", err)
	}
}

func TestReadImageRejectsText(t *testing.T) {
	p := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readImage(p); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestVersionCommand(t *testing.T) {
	e, out := newTestEnv(t)
	if err := run(e, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "OpenSketch\n") {
		t.Fatalf("version output: %q", out.String())
	}
}

func TestThumbnailCommandHonoursConfiguredSize(t *testing.T) {
	e, out := newTestEnv(t)
	e.cfg.Editor.ThumbnailWidth, e.cfg.Editor.ThumbnailHeight = 8, 8
	if err := run(e, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id := strings.TrimSpace(out.String())
	if err := run(e, "draw", id, "1", writePNG(t)); err != nil {
		t.Fatalf("draw: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "thumb.png")
	out.Reset()
	if err := run(e, "thumbnail", "-o", dest, id, "1"); err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if strings.TrimSpace(out.String()) != dest {
		t.Fatalf("thumbnail output: %q", out.String())
	}
	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil || cfg.Width != 8 || cfg.Height != 8 {
		t.Fatalf("thumbnail %dx%d err=%v", cfg.Width, cfg.Height, err)
	}

	e.cfg.Editor.Features = []string{"download"}
	if err := run(e, "thumbnail", "-o", dest, id, "1"); err == nil {
		t.Fatal("expected thumbnails feature to be required")
	}
}
