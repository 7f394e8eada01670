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
	"os"
	"path/filepath"
	"testing"
)

func TestBatchExport_WebPreset(t *testing.T) {
	root := t.TempDir()
	sb := sampleSketchbook(t)
	paths, err := BatchExport(sb, root, BatchOptions{Preset: PresetWeb})
	if err != nil {
		t.Fatalf("batch export web: %v", err)
	}
	checks := []string{
		filepath.Join(root, "exports", "web", "png", "sketch-1.png"),
		filepath.Join(root, "exports", "web", "png", "sketch-2.png"),
		filepath.Join(root, "exports", "web", "cbz", "sb-1.cbz"),
	}
	if len(paths) != len(checks) {
		t.Fatalf("paths = %v", paths)
	}
	for i, p := range checks {
		if paths[i] != p {
			t.Fatalf("paths[%d] = %s, want %s", i, paths[i], p)
		}
		st, err := os.Stat(p)
		if err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
		if st.Size() <= 0 {
			t.Fatalf("empty file: %s", p)
		}
	}
}

func TestBatchExport_PrintPresetSelectedSketches(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "abs")
	paths, err := BatchExport(sampleSketchbook(t), root, BatchOptions{Preset: PresetPrint, Sketches: []int{2}, OutDir: out})
	if err != nil {
		t.Fatalf("batch export print: %v", err)
	}
	want := []string{
		filepath.Join(out, "pdf", "sb-1.pdf"),
		filepath.Join(out, "png", "sketch-2.png"),
	}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("paths = %v", paths)
	}
	if _, err := os.Stat(filepath.Join(out, "png", "sketch-1.png")); !os.IsNotExist(err) {
		t.Fatalf("unselected sketch exported")
	}
}

func TestBatchExport_UnknownFormat(t *testing.T) {
	if _, err := BatchExport(sampleSketchbook(t), t.TempDir(), BatchOptions{Formats: []string{"svg"}}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
