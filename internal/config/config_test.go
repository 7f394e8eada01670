/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"opensketch/internal/domain"
)

type memTokens map[string]string

func (m memTokens) Get(service, key string) (string, error) { return m[service+"/"+key], nil }
func (m memTokens) Set(service, key, value string) error {
	m[service+"/"+key] = value
	return nil
}
func (m memTokens) Delete(service, key string) error {
	delete(m, service+"/"+key)
	return nil
}

// isolate points the config path into a temp dir and stubs the keyring.
func isolate(t *testing.T) (string, memTokens) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv(EnvConfigPath, path)
	mem := memTokens{}
	old := tokenStore
	tokenStore = mem
	t.Cleanup(func() { tokenStore = old })
	return path, mem
}

func TestEnvOverridesBackendURL(t *testing.T) {
	isolate(t)
	t.Setenv(EnvBackendURL, "https://example.test:8443")
	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got, want := cfg.Backend.BaseURL, "https://example.test:8443"; got != want {
		t.Fatalf("Backend.BaseURL = %q, want %q", got, want)
	}
	if env, ok := EnvOverrideFor("backend.base_url"); !ok || env != EnvBackendURL {
		t.Fatalf("EnvOverrideFor = %q %v", env, ok)
	}
	if _, ok := EnvOverrideFor("backend.listen"); ok {
		t.Fatalf("listen reported as overridden")
	}
}

func TestEnvOverridesTelemetryAndStorage(t *testing.T) {
	isolate(t)
	t.Setenv(EnvTelemetryOptIn, "yes")
	t.Setenv(EnvStorageDriver, "Postgres")
	t.Setenv(EnvStorageDSN, "postgres://u@localhost/osk")
	t.Setenv(EnvFeatures, "download, export-pdf,bogus")
	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.General.TelemetryOptIn {
		t.Fatalf("telemetry override ignored")
	}
	if cfg.Storage.Driver != DriverPostgres || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	fs := cfg.Editor.FeatureSet()
	if len(fs) != 2 || !fs.Has(domain.FeatureExportPDF) {
		t.Fatalf("features = %v", fs)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path, mem := isolate(t)
	cfg := Defaults()
	cfg.Storage.Root = "/srv/sketches"
	cfg.Editor.Gutter = 64
	cfg.Editor.SerializeSaves = true
	cfg.Editor.Brush = BrushConfig{LineWidth: 2, Color: "#336699", Type: "pencil"}
	if err := Save(cfg, "tok-123"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	got, tok, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tok != "tok-123" || mem[keyringService+"/"+keyringToken] != "tok-123" {
		t.Fatalf("token = %q", tok)
	}
	if got.Storage.Root != "/srv/sketches" || got.Editor.Gutter != 64 || !got.Editor.SerializeSaves {
		t.Fatalf("loaded = %+v", got)
	}
	want := domain.Brush{LineWidth: 2, Color: "#336699", Type: domain.BrushPencil}
	if b := got.Editor.DefaultBrush(); b != want {
		t.Fatalf("brush = %+v", b)
	}

	if err := ClearToken(); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	if _, tok, _ = Load(); tok != "" {
		t.Fatalf("token survived clear")
	}
}

func TestLoadMalformedFileKeepsDefaults(t *testing.T) {
	path, _ := isolate(t)
	if err := os.WriteFile(path, []byte("storage: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := Load()
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg.Storage.Driver != DriverLocal || cfg.Editor.Gutter != 130 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestMergeIncludesLogging(t *testing.T) {
	dst := Defaults()
	src := Defaults()
	src.Logging.Level = "DEBUG"
	src.Logging.Format = "json"
	src.Logging.Source = true
	src.Logging.File = "/tmp/osk.log"
	mergeInto(&dst, &src)
	if dst.Logging.Level != "debug" || dst.Logging.Format != "json" || !dst.Logging.Source || dst.Logging.File != "/tmp/osk.log" {
		t.Fatalf("logging fields not merged correctly: %#v", dst.Logging)
	}
	opts := dst.Logging.LogOptions()
	if opts.Level != "debug" || !opts.AddSource || opts.File != "/tmp/osk.log" {
		t.Fatalf("LogOptions = %+v", opts)
	}
}

func TestDefaultBrushFallsBackPerField(t *testing.T) {
	e := EditorConfig{Brush: BrushConfig{LineWidth: -3, Color: "", Type: "crayon"}}
	if got := e.DefaultBrush(); got != domain.DefaultBrush() {
		t.Fatalf("brush = %+v", got)
	}
}

func TestBackendTimeout(t *testing.T) {
	if got := (BackendConfig{}).Timeout(); got != 15*time.Second {
		t.Fatalf("default timeout = %s", got)
	}
	if got := (BackendConfig{TimeoutMs: 250}).Timeout(); got != 250*time.Millisecond {
		t.Fatalf("timeout = %s", got)
	}
}

func TestEditorTuningFromFileAndEnv(t *testing.T) {
	path, _ := isolate(t)
	yml := "editor:\n  thumbnail_width: 96\n  thumbnail_height: 72\n  event_queue: 8\nstorage:\n  thumbnail_cache_mb: 2\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Editor.ThumbnailWidth != 96 || cfg.Editor.ThumbnailHeight != 72 || cfg.Editor.EventQueue != 8 {
		t.Fatalf("editor = %+v", cfg.Editor)
	}
	if got := cfg.Storage.ThumbnailCacheBytes(); got != 2<<20 {
		t.Fatalf("cache bytes = %d", got)
	}

	t.Setenv(EnvThumbnailCacheMB, "-1")
	cfg, _, _ = Load()
	if got := cfg.Storage.ThumbnailCacheBytes(); got != 0 {
		t.Fatalf("negative cap = %d, want eviction disabled", got)
	}
	if env, ok := EnvOverrideFor("storage.thumbnail_cache_mb"); !ok || env != EnvThumbnailCacheMB {
		t.Fatalf("EnvOverrideFor = %q %v", env, ok)
	}
}

func TestEditorTuningDefaults(t *testing.T) {
	d := Defaults()
	if d.Editor.ThumbnailWidth != 160 || d.Editor.ThumbnailHeight != 120 || d.Editor.EventQueue != 64 {
		t.Fatalf("editor defaults = %+v", d.Editor)
	}
	if d.Storage.ThumbnailCacheBytes() != 64<<20 {
		t.Fatalf("cache default = %d", d.Storage.ThumbnailCacheBytes())
	}
}
