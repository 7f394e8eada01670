/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package gateway declares the persistence and export boundary the sketchbook
// controller depends on. Implementations live in storage (local files),
// backend (Postgres) and backend.Client (remote HTTP).
package gateway

import (
	"context"
	"errors"

	"opensketch/internal/domain"
)

// ErrNotFound is returned by Load when no sketchbook exists under the id.
var ErrNotFound = errors.New("sketchbook not found")

// ErrFeatureDisabled is returned when an operation needs a feature that is off.
var ErrFeatureDisabled = errors.New("feature disabled")

// Repository loads, saves and exports sketchbooks by identifier.
// Every method may block; none is retried by callers.
type Repository interface {
	// Load returns the stored sketchbook or an error wrapping ErrNotFound.
	Load(ctx context.Context, sketchbookID string) (domain.Sketchbook, error)
	// Save persists the whole sketchbook, replacing what was stored.
	Save(ctx context.Context, sb domain.Sketchbook) error
	// Export renders one sketch for download and returns where it was written.
	Export(ctx context.Context, sketchbookID string, ref domain.SketchRef) (string, error)
	// AvailableFeatures returns the capability flags of this repository.
	AvailableFeatures(ctx context.Context) (domain.FeatureSet, error)
}

// Thumbnailer is implemented by repositories that serve small PNG previews of
// sketches. Previews need the thumbnails feature.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, sketchbookID string, ref domain.SketchRef) ([]byte, error)
}
