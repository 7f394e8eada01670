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
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jung-kurt/gofpdf"

	"opensketch/internal/domain"
)

// PDFOptions controls PDF export behavior. Units are points.
// Zero values fall back to A4 landscape with a 36pt margin.
type PDFOptions struct {
	PageWidth  float64
	PageHeight float64
	Margin     float64
	Captions   bool // print "Sketch n" under each image
}

func (o PDFOptions) withDefaults() PDFOptions {
	if o.PageWidth <= 0 || o.PageHeight <= 0 {
		o.PageWidth, o.PageHeight = 842, 595
	}
	if o.Margin <= 0 {
		o.Margin = 36
	}
	return o
}

// ExportSketchbookPDF writes one page per sketch into outPath. Each sketch is
// scaled to fit the printable area and centered.
func ExportSketchbookPDF(sb domain.Sketchbook, outPath string, opt PDFOptions) error {
	opt = opt.withDefaults()
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: opt.PageWidth, Ht: opt.PageHeight},
	})
	pdf.SetTitle(fmt.Sprintf("Sketchbook %s", sb.ID), false)
	pdf.SetCreator("OpenSketch", false)
	pdf.SetFont("Helvetica", "", 10)

	captionH := 0.0
	if opt.Captions {
		captionH = 16
	}
	areaW := opt.PageWidth - 2*opt.Margin
	areaH := opt.PageHeight - 2*opt.Margin - captionH

	for _, s := range sb.Sketches {
		pdf.AddPage()
		data, err := SketchPNG(s.Image)
		if err != nil {
			return fmt.Errorf("sketch %d: %w", s.ID, err)
		}
		name := fmt.Sprintf("sketch-%d", s.ID)
		info := pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(data))
		if err := pdf.Error(); err != nil {
			return fmt.Errorf("register sketch %d: %w", s.ID, err)
		}
		w, h := info.Width(), info.Height()
		scale := areaW / w
		if sy := areaH / h; sy < scale {
			scale = sy
		}
		dw, dh := w*scale, h*scale
		x := opt.Margin + (areaW-dw)/2
		y := opt.Margin + (areaH-dh)/2
		pdf.ImageOptions(name, x, y, dw, dh, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.SetDrawColor(200, 200, 200)
		pdf.SetLineWidth(0.5)
		pdf.Rect(x, y, dw, dh, "D")
		if opt.Captions {
			pdf.SetTextColor(80, 80, 80)
			pdf.Text(opt.Margin, opt.PageHeight-opt.Margin, fmt.Sprintf("Sketch %d", s.ID))
		}
	}
	if len(sb.Sketches) == 0 {
		pdf.AddPage()
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}
