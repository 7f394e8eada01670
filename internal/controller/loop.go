/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package controller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	applog "opensketch/internal/log"
)

// Loop processes events for one controller on a single goroutine. Each event
// runs to completion before the next is taken. After every event the render
// hook runs, then any work scheduled through AfterLayout.
type Loop struct {
	c        *Controller
	events   chan Event
	wake     chan struct{}
	render   func()
	onError  func(Event, error)
	onResult func(Event, string)
	log      *slog.Logger

	// set while an event is dispatched on the loop goroutine; the flush that
	// follows picks up deferred work, so no wake is needed
	dispatching atomic.Bool

	mu       sync.Mutex
	deferred []func()
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithRender sets the hook run after each event, i.e. the view refresh.
func WithRender(fn func()) LoopOption { return func(l *Loop) { l.render = fn } }

// WithErrorHandler receives errors returned by dispatched events.
func WithErrorHandler(fn func(Event, error)) LoopOption { return func(l *Loop) { l.onError = fn } }

// WithResultHandler receives the file written by a successful download event.
func WithResultHandler(fn func(Event, string)) LoopOption {
	return func(l *Loop) { l.onResult = fn }
}

// WithQueueSize sets the event buffer size (default 64).
func WithQueueSize(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.events = make(chan Event, n)
		}
	}
}

// NewLoop creates a loop for c and registers it as the controller's
// scheduler unless one was configured already.
func NewLoop(c *Controller, opts ...LoopOption) *Loop {
	l := &Loop{
		c:      c,
		events: make(chan Event, 64),
		wake:   make(chan struct{}, 1),
		log:    applog.WithComponent("loop"),
	}
	for _, o := range opts {
		o(l)
	}
	c.setScheduler(l)
	return l
}

// Post enqueues ev, blocking while the queue is full.
func (l *Loop) Post(ctx context.Context, ev Event) error {
	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterLayout schedules fn to run after the current event and its render.
func (l *Loop) AfterLayout(fn func()) {
	l.mu.Lock()
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()
	if l.dispatching.Load() {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.handle(ctx, ev)
			l.flush()
		case <-l.wake:
			l.flush()
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev Event) {
	l.dispatching.Store(true)
	path, err := l.c.dispatch(ctx, ev)
	l.dispatching.Store(false)
	switch {
	case err != nil && l.onError != nil:
		l.onError(ev, err)
	case err != nil:
		l.log.Debug("event failed", slog.String("event", string(ev.Name)), slog.Any("err", err))
	case path != "" && l.onResult != nil:
		l.onResult(ev, path)
	}
}

// flush renders and then runs the deferred work queued so far. Work queued
// while flushing waits for the next turn.
func (l *Loop) flush() {
	if l.render != nil {
		l.render()
	}
	l.mu.Lock()
	pending := l.deferred
	l.deferred = nil
	l.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
