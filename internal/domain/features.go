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

import "strings"

// Feature is a capability flag that gates optional affordances.
type Feature string

const (
	FeatureDownload   Feature = "download"
	FeatureExportPDF  Feature = "export-pdf"
	FeatureExportCBZ  Feature = "export-cbz"
	FeatureThumbnails Feature = "thumbnails"
)

// KnownFeatures lists every feature the application understands.
var KnownFeatures = []Feature{FeatureDownload, FeatureExportPDF, FeatureExportCBZ, FeatureThumbnails}

// FeatureSet is the read-only list of features available to a session.
type FeatureSet []Feature

// Has reports whether f is enabled.
func (fs FeatureSet) Has(f Feature) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// ParseFeatures converts names into a FeatureSet, dropping unknown and duplicate names.
func ParseFeatures(names []string) FeatureSet {
	out := FeatureSet{}
	for _, n := range names {
		f := Feature(strings.ToLower(strings.TrimSpace(n)))
		known := false
		for _, k := range KnownFeatures {
			if k == f {
				known = true
				break
			}
		}
		if known && !out.Has(f) {
			out = append(out, f)
		}
	}
	return out
}
