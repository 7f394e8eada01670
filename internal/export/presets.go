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
	"fmt"
	"path/filepath"
	"strings"

	"opensketch/internal/domain"
)

// PresetName represents a named export preset.
type PresetName string

const (
	PresetWeb   PresetName = "web"
	PresetPrint PresetName = "print"
)

// BatchOptions controls batch export of a sketchbook across formats.
//
// Path semantics:
//   - If OutDir is empty or relative, it is resolved under <base>/exports/<preset>/.
//   - PDF and CBZ outputs are single files named <sketchbook>.pdf / .cbz in pdf/ or cbz/.
//   - PNG outputs are written per sketch as sketch-<n>.png inside png/.
type BatchOptions struct {
	Preset   PresetName
	Formats  []string // allowed: pdf, png, cbz; empty means preset defaults
	Sketches []int    // 1-based sketch ids for png; empty means all
	Captions *bool    // when set, overrides the preset's caption default for pdf
	OutDir   string
}

// BatchExport runs exports according to the given preset and returns the
// written paths in order.
func BatchExport(sb domain.Sketchbook, base string, opt BatchOptions) ([]string, error) {
	if sb.Len() == 0 {
		return nil, fmt.Errorf("sketchbook %s has no sketches", sb.ID)
	}
	formats := opt.Formats
	if len(formats) == 0 {
		formats = presetDefaultFormats(opt.Preset)
	}

	baseOut := opt.OutDir
	if baseOut == "" {
		baseOut = string(opt.Preset)
		if baseOut == "" {
			baseOut = "default"
		}
	}
	if !filepath.IsAbs(baseOut) {
		baseOut = filepath.Join(base, "exports", baseOut)
	}

	captions := presetCaptions(opt.Preset)
	if opt.Captions != nil {
		captions = *opt.Captions
	}

	var written []string
	for _, f := range formats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "pdf":
			out := filepath.Join(baseOut, "pdf", sb.ID+".pdf")
			if err := ExportSketchbookPDF(sb, out, PDFOptions{Captions: captions}); err != nil {
				return written, fmt.Errorf("pdf: %w", err)
			}
			written = append(written, out)
		case "cbz":
			out, err := ExportSketchbookCBZ(sb, filepath.Join(baseOut, "cbz", sb.ID+".cbz"))
			if err != nil {
				return written, fmt.Errorf("cbz: %w", err)
			}
			written = append(written, out)
		case "png":
			for _, s := range sb.Sketches {
				if !selected(opt.Sketches, s.ID) {
					continue
				}
				out := filepath.Join(baseOut, "png", fmt.Sprintf("sketch-%d.png", s.ID))
				if err := WriteSketchPNG(s.Image, out); err != nil {
					return written, fmt.Errorf("png sketch %d: %w", s.ID, err)
				}
				written = append(written, out)
			}
		default:
			return written, fmt.Errorf("unknown format: %s", f)
		}
	}
	return written, nil
}

func selected(ids []int, id int) bool {
	if len(ids) == 0 {
		return true
	}
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// PresetFormats returns the formats a preset produces by default.
func PresetFormats(p PresetName) []string { return presetDefaultFormats(p) }

func presetDefaultFormats(p PresetName) []string {
	switch p {
	case PresetWeb:
		return []string{"png", "cbz"}
	case PresetPrint:
		return []string{"pdf", "png"}
	default:
		return []string{"pdf"}
	}
}

func presetCaptions(p PresetName) bool {
	return p != PresetWeb
}
