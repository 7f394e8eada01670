/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package telemetry sends opt-in, anonymous usage events about sketchbook
// operations and uploads crash reports. A *Client satisfies the controller's
// Telemetry hook; sends never block the caller and failures are dropped.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	applog "opensketch/internal/log"
	"opensketch/internal/version"
)

// Environment variables read by FromEnv.
const (
	EnvOptIn     = "OSK_TELEMETRY_OPT_IN"
	EnvEventsURL = "OSK_TELEMETRY_URL"
	EnvCrashURL  = "OSK_CRASH_UPLOAD_URL"
	EnvTimeoutMs = "OSK_TELEMETRY_TIMEOUT_MS"
	EnvDebug     = "OSK_TELEMETRY_DEBUG"
)

const (
	defaultTimeout = 1500 * time.Millisecond
	queueSize      = 64
)

// Config selects where events and crash reports go. Nothing is sent unless
// OptIn is set and the matching URL is non-empty.
type Config struct {
	OptIn        bool
	EventsURL    string
	CrashURL     string
	Timeout      time.Duration
	DebugLogging bool
}

// FromEnv reads Config from the OSK_TELEMETRY_* variables.
func FromEnv() Config {
	cfg := Config{
		OptIn:        truthy(os.Getenv(EnvOptIn)),
		EventsURL:    strings.TrimSpace(os.Getenv(EnvEventsURL)),
		CrashURL:     strings.TrimSpace(os.Getenv(EnvCrashURL)),
		Timeout:      defaultTimeout,
		DebugLogging: os.Getenv(EnvDebug) != "",
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(os.Getenv(EnvTimeoutMs))); err == nil && ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

// WithOptIn returns cfg with OptIn forced on when optIn is true, letting the
// user config enable telemetry in addition to the environment.
func (cfg Config) WithOptIn(optIn bool) Config {
	cfg.OptIn = cfg.OptIn || optIn
	return cfg
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Client queues events for a background sender.
type Client struct {
	cfg   Config
	log   *slog.Logger
	http  *http.Client
	queue chan map[string]any
	stop  chan struct{}
	once  sync.Once
}

// New starts a client; call Close to stop its sender.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:   cfg,
		log:   applog.WithComponent("telemetry"),
		http:  &http.Client{Timeout: cfg.Timeout},
		queue: make(chan map[string]any, queueSize),
		stop:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Enabled reports whether events would be sent.
func (c *Client) Enabled() bool { return c != nil && c.cfg.OptIn && c.cfg.EventsURL != "" }

// Event queues a named event with sanitized props. A full queue drops it.
func (c *Client) Event(name string, props map[string]any) {
	if !c.Enabled() || name == "" {
		return
	}
	payload := sanitize(props)
	payload["name"] = name
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload["version"] = version.String()
	payload["os"] = runtime.GOOS
	payload["arch"] = runtime.GOARCH
	select {
	case c.queue <- payload:
	default:
	}
}

// maxPropString bounds string props; longer values are dropped.
const maxPropString = 64

// sanitize keeps scalar props only. Strings that look like image data or exceed
// maxPropString are dropped so sketch content never leaves the machine.
func sanitize(props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+5)
	for k, v := range props {
		switch x := v.(type) {
		case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			out[k] = x
		case string:
			if len(x) <= maxPropString && !strings.HasPrefix(x, "data:") {
				out[k] = x
			}
		case fmt.Stringer:
			if s := x.String(); len(s) <= maxPropString {
				out[k] = s
			}
		}
	}
	return out
}

// Flush waits up to half a second for queued events to be taken.
func (c *Client) Flush(ctx context.Context) {
	deadline := time.NewTimer(500 * time.Millisecond)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for len(c.queue) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// Close stops the sender; queued events are discarded.
func (c *Client) Close() { c.once.Do(func() { close(c.stop) }) }

func (c *Client) run() {
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.queue:
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			c.post(c.cfg.EventsURL, "application/json", body, "event")
		}
	}
}

func (c *Client) post(url, contentType string, body []byte, what string) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err == nil {
		_ = resp.Body.Close()
	}
	if c.cfg.DebugLogging {
		c.log.Debug("telemetry post", slog.String("kind", what), slog.Any("err", err))
	}
}

// UploadCrash posts a crash report in the background when opted in.
func (c *Client) UploadCrash(report []byte) {
	if c == nil || !c.cfg.OptIn || c.cfg.CrashURL == "" {
		return
	}
	body := append([]byte(nil), report...)
	go c.post(c.cfg.CrashURL, "text/plain; charset=utf-8", body, "crash")
}

var defaultClient atomic.Pointer[Client]

// NewDefault installs a client built from cfg as the package default,
// closing the previous one.
func NewDefault(cfg Config) {
	if old := defaultClient.Swap(New(cfg)); old != nil {
		old.Close()
	}
}

// Default returns the package client, creating it from the environment on
// first use.
func Default() *Client {
	if c := defaultClient.Load(); c != nil {
		return c
	}
	c := New(FromEnv())
	if !defaultClient.CompareAndSwap(nil, c) {
		c.Close()
	}
	return defaultClient.Load()
}

// Enabled reports whether the default client sends events.
func Enabled() bool { return Default().Enabled() }

// Event sends through the default client.
func Event(name string, props map[string]any) { Default().Event(name, props) }

// UploadCrash sends through the default client.
func UploadCrash(report []byte) { Default().UploadCrash(report) }
