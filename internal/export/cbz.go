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
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"opensketch/internal/domain"
)

// ExportSketchbookCBZ packages every sketch as a PNG page into a CBZ (ZIP)
// archive with a ComicInfo.xml manifest for reader compatibility. The .cbz
// extension is enforced; the final path is returned.
func ExportSketchbookCBZ(sb domain.Sketchbook, outPath string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(outPath), ".cbz") {
		outPath += ".cbz"
	}
	zw, f, err := createZip(outPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	pad := len(fmt.Sprint(len(sb.Sketches)))
	for _, s := range sb.Sketches {
		data, err := SketchPNG(s.Image)
		if err != nil {
			return "", fmt.Errorf("sketch %d: %w", s.ID, err)
		}
		name := fmt.Sprintf("%0*d.png", pad, s.ID)
		if err := addZipFile(zw, name, data); err != nil {
			return "", fmt.Errorf("zip add image: %w", err)
		}
	}

	manifest, err := buildComicInfoXML(sb)
	if err != nil {
		return "", fmt.Errorf("build manifest: %w", err)
	}
	if err := addZipFile(zw, "ComicInfo.xml", manifest); err != nil {
		return "", fmt.Errorf("zip add manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zip: %w", err)
	}
	return outPath, nil
}

func createZip(outPath string) (*zip.Writer, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("ensure out dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create cbz: %w", err)
	}
	return zip.NewWriter(f), f, nil
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type comicInfo struct {
	XMLName   xml.Name `xml:"ComicInfo"`
	Series    string   `xml:"Series"`
	Title     string   `xml:"Title"`
	PageCount int      `xml:"PageCount"`
	Notes     string   `xml:"Notes,omitempty"`
}

func buildComicInfoXML(sb domain.Sketchbook) ([]byte, error) {
	ci := comicInfo{
		Series:    "OpenSketch",
		Title:     sb.ID,
		PageCount: sb.Len(),
		Notes:     "Exported from sketchbook " + sb.ID,
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(ci); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
