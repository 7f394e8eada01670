/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package navigation

import (
	"errors"
	"testing"
)

type widths map[int]float64

func (w widths) SketchWidth(n int) (float64, bool) {
	v, ok := w[n]
	return v, ok
}

func TestOffset(t *testing.T) {
	tests := []struct {
		n    int
		w, g float64
		want float64
	}{
		{3, 200, 130, 790},
		{1, 200, 130, 130},
		{2, 100, 0, 100},
		{5, 320, DefaultGutter, 1930},
	}
	for _, tc := range tests {
		got, err := Offset(tc.n, tc.w, tc.g)
		if err != nil {
			t.Fatalf("Offset(%d, %v, %v): %v", tc.n, tc.w, tc.g, err)
		}
		if got != tc.want {
			t.Fatalf("Offset(%d, %v, %v) = %v, want %v", tc.n, tc.w, tc.g, got, tc.want)
		}
	}
}

func TestOffsetGuards(t *testing.T) {
	if _, err := Offset(0, 200, 130); !errors.Is(err, ErrInvalidOrdinal) {
		t.Fatalf("ordinal 0: err = %v", err)
	}
	if _, err := Offset(2, 0, 130); !errors.Is(err, ErrNotMeasured) {
		t.Fatalf("width 0: err = %v", err)
	}
}

func TestScrollTo(t *testing.T) {
	s, err := ScrollTo(widths{3: 200}, 3, 130)
	if err != nil {
		t.Fatalf("ScrollTo: %v", err)
	}
	if s.Left != 790 || s.Top != 0 || !s.Smooth {
		t.Fatalf("unexpected scroll %+v", s)
	}
	if _, err := ScrollTo(widths{}, 3, 130); !errors.Is(err, ErrNotMeasured) {
		t.Fatalf("unmeasured: err = %v", err)
	}
	if _, err := ScrollTo(nil, 1, 130); !errors.Is(err, ErrNotMeasured) {
		t.Fatalf("nil geometry: err = %v", err)
	}
}
