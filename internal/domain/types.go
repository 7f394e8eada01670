/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package domain

// This file defines the data model of a sketchbook session.
// JSON field names match the manifest and HTTP payloads.

// Sketch is one drawable unit of a sketchbook. ID equals the 1-based position
// of the sketch inside its sketchbook.
type Sketch struct {
	ID    int      `json:"id"`
	Image ImageRef `json:"image"`
}

// Sketchbook is the ordered collection of sketches plus its own identifier.
// Treat values as immutable once published: state transitions build a new
// Sketchbook with a fresh Sketches slice.
type Sketchbook struct {
	ID       string   `json:"id"`
	Sketches []Sketch `json:"sketches"`
}

// Len returns the number of sketches.
func (sb Sketchbook) Len() int { return len(sb.Sketches) }

// Sketch returns the sketch addressed by id (1-based) and whether it exists.
func (sb Sketchbook) Sketch(id int) (Sketch, bool) {
	if id < 1 || id > len(sb.Sketches) {
		return Sketch{}, false
	}
	return sb.Sketches[id-1], true
}

// NewSketchbook returns a sketchbook with a single blank sketch, the shape a
// session shows before anything has been loaded.
func NewSketchbook(id string) Sketchbook {
	return Sketchbook{ID: id, Sketches: []Sketch{{ID: 1, Image: BlankImage}}}
}

// SketchRef addresses a sketch by ordinal for export/download requests.
type SketchRef int

// BrushType is the kind of drawing tool.
type BrushType string

const (
	BrushPen    BrushType = "pen"
	BrushPencil BrushType = "pencil"
	BrushMarker BrushType = "marker"
	BrushEraser BrushType = "eraser"
)

// BrushTypes lists the known tool kinds in display order.
var BrushTypes = []BrushType{BrushPen, BrushPencil, BrushMarker, BrushEraser}

// Valid reports whether t is one of the known tool kinds.
func (t BrushType) Valid() bool {
	for _, k := range BrushTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Brush is the active stroke configuration.
type Brush struct {
	LineWidth float64   `json:"lineWidth" yaml:"line_width"`
	Color     string    `json:"color" yaml:"color"`
	Type      BrushType `json:"type" yaml:"type"`
}

// DefaultBrush is the brush a new session starts with.
func DefaultBrush() Brush {
	return Brush{LineWidth: 5, Color: "#000000", Type: BrushPen}
}
