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

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Identity policy: within a sketchbook a sketch's ID is always its 1-based
// position. IDs are therefore not stable across deletes; callers must not keep
// an ID across a delete.

var (
	// ErrSketchOutOfRange is returned when an ID does not address an existing sketch.
	ErrSketchOutOfRange = errors.New("sketch id out of range")
	// ErrInvalidSketchbookID is returned for identifiers that cannot name a
	// sketchbook directory, download folder or URL path segment.
	ErrInvalidSketchbookID = errors.New("invalid sketchbook id")
)

var sketchbookIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidSketchbookID reports whether id is safe to use as a single path element.
func ValidSketchbookID(id string) bool {
	return sketchbookIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// CheckSketchbookID returns an error wrapping ErrInvalidSketchbookID for ids
// ValidSketchbookID rejects.
func CheckSketchbookID(id string) error {
	if !ValidSketchbookID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSketchbookID, id)
	}
	return nil
}

// AppendSketch returns a new sequence with a sketch holding img appended at the
// end under ID len(sketches)+1. Existing IDs are unchanged.
func AppendSketch(sketches []Sketch, img ImageRef) []Sketch {
	out := make([]Sketch, len(sketches), len(sketches)+1)
	copy(out, sketches)
	return append(out, Sketch{ID: len(sketches) + 1, Image: img})
}

// DeleteSketch returns a new sequence without the sketch whose ID equals id.
// Remaining sketches keep their relative order and are renumbered 1..n.
// Deleting an unknown ID leaves the content unchanged.
func DeleteSketch(sketches []Sketch, id int) []Sketch {
	out := make([]Sketch, 0, len(sketches))
	for _, s := range sketches {
		if s.ID == id {
			continue
		}
		out = append(out, Sketch{ID: len(out) + 1, Image: s.Image})
	}
	return out
}

// ReplaceImage returns a new sequence where the sketch at id carries img.
// The id must be within [1, len(sketches)]; nothing is created otherwise.
func ReplaceImage(sketches []Sketch, id int, img ImageRef) ([]Sketch, error) {
	if id < 1 || id > len(sketches) {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrSketchOutOfRange, id, len(sketches))
	}
	out := make([]Sketch, len(sketches))
	copy(out, sketches)
	out[id-1].Image = img
	return out, nil
}

// Renumber returns a copy whose IDs equal positions.
func Renumber(sketches []Sketch) []Sketch {
	out := make([]Sketch, len(sketches))
	for i, s := range sketches {
		out[i] = Sketch{ID: i + 1, Image: s.Image}
	}
	return out
}

// ValidateIdentity reports the first position whose ID differs from its ordinal.
func ValidateIdentity(sketches []Sketch) error {
	for i, s := range sketches {
		if s.ID != i+1 {
			return fmt.Errorf("sketch at position %d has id %d", i+1, s.ID)
		}
	}
	return nil
}
