/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package state

import (
	"sync"

	"opensketch/internal/domain"
)

// Brush is the single shared brush of a session. Unlike Value it is mutated in
// place: the *Brush handed to views never changes, so consumers must rely on
// Subscribe rather than identity comparison to notice edits.
type Brush struct {
	mu   sync.RWMutex
	rec  domain.Brush
	subs map[int]func(domain.Brush)
	next int
}

// NewBrush returns a shared brush initialised with b.
func NewBrush(b domain.Brush) *Brush {
	return &Brush{rec: b, subs: make(map[int]func(domain.Brush))}
}

// Snapshot returns a copy of the current brush settings.
func (b *Brush) Snapshot() domain.Brush {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rec
}

// Get implements Source.
func (b *Brush) Get() domain.Brush { return b.Snapshot() }

// SetLineWidth stores w as-is.
func (b *Brush) SetLineWidth(w float64) { b.mutate(func(r *domain.Brush) { r.LineWidth = w }) }

// SetColor stores c as-is.
func (b *Brush) SetColor(c string) { b.mutate(func(r *domain.Brush) { r.Color = c }) }

// SetType stores t as-is.
func (b *Brush) SetType(t domain.BrushType) { b.mutate(func(r *domain.Brush) { r.Type = t }) }

func (b *Brush) mutate(fn func(r *domain.Brush)) {
	b.mu.Lock()
	fn(&b.rec)
	snap := b.rec
	fns := make([]func(domain.Brush), 0, len(b.subs))
	for id := 1; id <= b.next; id++ {
		if f, ok := b.subs[id]; ok {
			fns = append(fns, f)
		}
	}
	b.mu.Unlock()
	for _, f := range fns {
		f(snap)
	}
}

// Subscribe registers fn to be called after every mutation.
func (b *Brush) Subscribe(fn func(domain.Brush)) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
