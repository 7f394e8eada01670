/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package navigation computes horizontal scroll targets for the sketch strip.
package navigation

import (
	"errors"
	"fmt"
)

// DefaultGutter is the horizontal space between two rendered sketches.
const DefaultGutter = 130

var (
	// ErrInvalidOrdinal is returned for ordinals below 1.
	ErrInvalidOrdinal = errors.New("ordinal must be >= 1")
	// ErrNotMeasured is returned when the target sketch has no rendered width yet,
	// i.e. layout has not completed for it.
	ErrNotMeasured = errors.New("sketch has not been laid out")
)

// Scroll is a horizontal scroll instruction for the view hosting the strip.
type Scroll struct {
	Left   float64
	Top    float64
	Smooth bool
}

// Offset returns n*(w+g) - w: the scroll offset that aligns the leading edge of
// sketch n at the viewport origin, given its measured width w and gutter g.
func Offset(n int, w, g float64) (float64, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOrdinal, n)
	}
	if w <= 0 {
		return 0, fmt.Errorf("%w: ordinal %d", ErrNotMeasured, n)
	}
	return float64(n)*(w+g) - w, nil
}

// Geometry reports the rendered width of a sketch by ordinal. ok is false until
// layout has measured that sketch.
type Geometry interface {
	SketchWidth(ordinal int) (width float64, ok bool)
}

// ScrollTo measures sketch n in geo and returns a smooth scroll instruction.
func ScrollTo(geo Geometry, n int, gutter float64) (Scroll, error) {
	if geo == nil {
		return Scroll{}, fmt.Errorf("%w: no layout attached", ErrNotMeasured)
	}
	w, ok := geo.SketchWidth(n)
	if !ok {
		w = 0
	}
	left, err := Offset(n, w, gutter)
	if err != nil {
		return Scroll{}, err
	}
	return Scroll{Left: left, Top: 0, Smooth: true}, nil
}
