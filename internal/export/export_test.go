/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opensketch/internal/domain"
)

// drawn returns a data URL of a w x h transparent canvas with one red stroke.
func drawn(t *testing.T, w, h int) domain.ImageRef {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return domain.NewImageRef("image/png", buf.Bytes())
}

func sampleSketchbook(t *testing.T) domain.Sketchbook {
	return domain.Sketchbook{ID: "sb-1", Sketches: []domain.Sketch{
		{ID: 1, Image: drawn(t, 320, 200)},
		{ID: 2, Image: domain.BlankImage},
	}}
}

func TestDecodeSketch(t *testing.T) {
	img, err := DecodeSketch(domain.BlankImage)
	if err != nil {
		t.Fatalf("blank: %v", err)
	}
	if img.Bounds() != DefaultCanvas {
		t.Fatalf("blank bounds = %v", img.Bounds())
	}
	img, err = DecodeSketch(drawn(t, 40, 30))
	if err != nil {
		t.Fatalf("drawn: %v", err)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	if _, err := DecodeSketch("data:image/png;base64,"); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := DecodeSketch("https://example.test/a.png"); err == nil {
		t.Fatalf("expected error for non data URL")
	}
}

func TestWriteSketchPNGIsOpaque(t *testing.T) {
	out := filepath.Join(t.TempDir(), "exports", "sketch-1.png")
	if err := WriteSketchPNG(drawn(t, 20, 10), out); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, g, b, a := img.At(0, 0).RGBA()
	if a != 0xffff || r != 0xffff || g != 0xffff || b != 0xffff {
		t.Fatalf("background not white: %v %v %v %v", r, g, b, a)
	}
	r, g, _, _ = img.At(3, 5).RGBA()
	if r != 0xffff || g != 0 {
		t.Fatalf("stroke lost: %v %v", r, g)
	}
}

func TestThumbnailFitsBounds(t *testing.T) {
	cases := []struct {
		w, h       int
		maxW, maxH int
		want       image.Point
	}{
		{320, 200, 160, 160, image.Pt(160, 100)},
		{200, 400, 100, 100, image.Pt(50, 100)},
		{50, 40, 160, 160, image.Pt(50, 40)},
	}
	for _, c := range cases {
		data, size, err := Thumbnail(drawn(t, c.w, c.h), c.maxW, c.maxH)
		if err != nil {
			t.Fatalf("%dx%d: %v", c.w, c.h, err)
		}
		if size != c.want {
			t.Fatalf("%dx%d in %dx%d: size = %v, want %v", c.w, c.h, c.maxW, c.maxH, size, c.want)
		}
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil || cfg.Width != c.want.X || cfg.Height != c.want.Y {
			t.Fatalf("encoded thumbnail %+v err=%v", cfg, err)
		}
	}
	if _, _, err := Thumbnail(domain.BlankImage, 0, 10); err == nil {
		t.Fatalf("expected error for zero bounds")
	}
}

func TestExportSketchbookPDF(t *testing.T) {
	out := filepath.Join(t.TempDir(), "exports", "sketchbook.pdf")
	if err := ExportSketchbookPDF(sampleSketchbook(t), out, PDFOptions{Captions: true}); err != nil {
		t.Fatalf("export: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("%PDF")) {
		t.Fatalf("not a pdf")
	}
}

func TestExportSketchbookCBZ(t *testing.T) {
	base := filepath.Join(t.TempDir(), "exports", "sketchbook")
	out, err := ExportSketchbookCBZ(sampleSketchbook(t), base)
	if err != nil {
		t.Fatalf("export cbz: %v", err)
	}
	if out != base+".cbz" {
		t.Fatalf("out = %s", out)
	}
	rd, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer func() { _ = rd.Close() }()
	names := map[string]*zip.File{}
	for _, f := range rd.File {
		names[f.Name] = f
	}
	for _, want := range []string{"1.png", "2.png", "ComicInfo.xml"} {
		if names[want] == nil {
			t.Fatalf("missing %s in %v", want, names)
		}
	}
	rc, err := names["ComicInfo.xml"].Open()
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer rc.Close()
	xmlData, _ := io.ReadAll(rc)
	if !strings.Contains(string(xmlData), "<PageCount>2</PageCount>") || !strings.Contains(string(xmlData), "<Title>sb-1</Title>") {
		t.Fatalf("manifest = %s", xmlData)
	}
}
