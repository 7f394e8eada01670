/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package state implements the provider/consumer channel through which the
// controller exposes canonical state to views. Views subscribe to a Source and
// re-render on notification; they never hold an authoritative copy.
package state

import "sync"

// Source is the read side of an observable value.
type Source[T any] interface {
	Get() T
	Subscribe(fn func(T)) (cancel func())
}

// Value holds a value that is replaced wholesale and notifies subscribers on
// every Set. It is safe for concurrent use; callbacks run outside the lock, in
// subscription order.
type Value[T any] struct {
	mu   sync.RWMutex
	v    T
	subs []subscriber[T]
	next int
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewValue returns a Value holding v.
func NewValue[T any](v T) *Value[T] { return &Value[T]{v: v} }

// Get returns the current value.
func (s *Value[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Set replaces the value and notifies subscribers.
func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	s.v = v
	subs := append([]subscriber[T](nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(v)
	}
}

// Update computes the next value from the current one and stores it atomically.
// When fn returns an error nothing is stored and nobody is notified.
// Notifications of concurrent updates may arrive out of order; Get is always current.
func (s *Value[T]) Update(fn func(cur T) (T, error)) (T, error) {
	s.mu.Lock()
	next, err := fn(s.v)
	if err != nil {
		s.mu.Unlock()
		var zero T
		return zero, err
	}
	s.v = next
	subs := append([]subscriber[T](nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(next)
	}
	return next, nil
}

// Subscribe registers fn for future changes. The returned func removes it.
func (s *Value[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}
