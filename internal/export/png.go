/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package export renders sketches into downloadable files: single sketch PNG,
// thumbnails, whole-sketchbook PDF and CBZ archives.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	"image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp" // register decoder
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder

	"opensketch/internal/domain"
)

// Default thumbnail bounds.
const (
	ThumbnailWidth  = 160
	ThumbnailHeight = 120
)

// DefaultCanvas is the size used for sketches that have never been drawn on.
var DefaultCanvas = image.Rect(0, 0, 800, 600)

// ErrNoImageData is returned when a non-blank data URL carries no bytes.
var ErrNoImageData = errors.New("image reference has no data")

var paper = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// DecodeSketch turns an image reference into pixels. The blank image becomes
// an empty white DefaultCanvas.
func DecodeSketch(ref domain.ImageRef) (image.Image, error) {
	if ref.IsBlank() {
		return blankCanvas(DefaultCanvas), nil
	}
	_, data, err := ref.Decode()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoImageData
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode sketch image: %w", err)
	}
	return img, nil
}

func blankCanvas(r image.Rectangle) *image.RGBA {
	img := image.NewRGBA(r)
	draw.Draw(img, img.Bounds(), &image.Uniform{C: paper}, image.Point{}, draw.Src)
	return img
}

// flatten composites img onto white paper so exports carry no alpha.
func flatten(img image.Image) *image.RGBA {
	out := blankCanvas(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}

// SketchPNG encodes the sketch as an opaque PNG.
func SketchPNG(ref domain.ImageRef) ([]byte, error) {
	img, err := DecodeSketch(ref)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, flatten(img)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteSketchPNG renders the sketch into outPath, creating parent folders.
func WriteSketchPNG(ref domain.ImageRef, outPath string) error {
	data, err := SketchPNG(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// Thumbnail scales the sketch to fit within maxW x maxH keeping aspect ratio
// and returns it PNG encoded together with the resulting size.
func Thumbnail(ref domain.ImageRef, maxW, maxH int) ([]byte, image.Point, error) {
	if maxW <= 0 || maxH <= 0 {
		return nil, image.Point{}, fmt.Errorf("invalid thumbnail bounds %dx%d", maxW, maxH)
	}
	src, err := DecodeSketch(ref)
	if err != nil {
		return nil, image.Point{}, err
	}
	dst := blankCanvas(fitWithin(src.Bounds(), maxW, maxH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, image.Point{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), dst.Bounds().Size(), nil
}

func fitWithin(r image.Rectangle, maxW, maxH int) image.Rectangle {
	w, h := r.Dx(), r.Dy()
	if w <= 0 || h <= 0 {
		return image.Rect(0, 0, 1, 1)
	}
	if w <= maxW && h <= maxH {
		return image.Rect(0, 0, w, h)
	}
	sx := float64(maxW) / float64(w)
	sy := float64(maxH) / float64(h)
	s := sx
	if sy < s {
		s = sy
	}
	nw, nh := int(float64(w)*s+0.5), int(float64(h)*s+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return image.Rect(0, 0, nw, nh)
}
