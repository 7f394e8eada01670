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
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ImageRef references the content of a sketch as a data URL.
type ImageRef string

// BlankImage is the empty data URL used for freshly appended sketches.
const BlankImage ImageRef = "data:,"

// ErrNotDataURL is returned when an ImageRef does not use the data: scheme.
var ErrNotDataURL = errors.New("image reference is not a data URL")

// IsBlank reports whether the reference carries no image data.
func (r ImageRef) IsBlank() bool {
	s := strings.TrimSpace(string(r))
	return s == "" || s == string(BlankImage)
}

// Decode splits the data URL into its media type and payload bytes.
// A blank reference yields an empty media type and nil data.
func (r ImageRef) Decode() (mediaType string, data []byte, err error) {
	if r.IsBlank() {
		return "", nil, nil
	}
	s := string(r)
	if !strings.HasPrefix(s, "data:") {
		return "", nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL without payload separator")
	}
	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		isBase64 = true
		meta = strings.TrimSuffix(meta, ";base64")
	}
	mediaType = meta
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decode base64 payload: %w", err)
		}
		return mediaType, data, nil
	}
	un, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("unescape payload: %w", err)
	}
	return mediaType, []byte(un), nil
}

// NewImageRef encodes data as a base64 data URL of the given media type.
func NewImageRef(mediaType string, data []byte) ImageRef {
	if len(data) == 0 {
		return BlankImage
	}
	return ImageRef("data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data))
}
