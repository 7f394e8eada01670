/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package config loads the user configuration: a YAML file in the user scope,
// merged over defaults, with OSK_* environment variables as read-only overrides.
// The backend bearer token is kept in the OS keychain, never in the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"opensketch/internal/domain"
	applog "opensketch/internal/log"
	"opensketch/internal/navigation"
)

// config_version: bump when the structure changes in a backward-incompatible way.

type GeneralConfig struct {
	TelemetryOptIn bool   `yaml:"telemetry_opt_in"`
	Theme          string `yaml:"theme"` // "system" | "light" | "dark"
}

// Storage drivers.
const (
	DriverLocal    = "local"
	DriverPostgres = "postgres"
	DriverRemote   = "remote"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Root   string `yaml:"root"` // local driver: directory holding sketchbooks
	DSN    string `yaml:"dsn"`  // postgres driver
	// ThumbnailCacheMB caps the local thumbnail cache; negative disables eviction.
	ThumbnailCacheMB int `yaml:"thumbnail_cache_mb"`
}

type BackendConfig struct {
	BaseURL     string `yaml:"base_url"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	TLSInsecure bool   `yaml:"tls_insecure"`
	Listen      string `yaml:"listen"`
	// Token is not stored on disk; it lives in the OS keychain.
}

type BrushConfig struct {
	LineWidth float64 `yaml:"line_width"`
	Color     string  `yaml:"color"`
	Type      string  `yaml:"type"`
}

type EditorConfig struct {
	Gutter          float64     `yaml:"gutter"`
	SerializeSaves  bool        `yaml:"serialize_saves"`
	Features        []string    `yaml:"features"`
	Brush           BrushConfig `yaml:"brush"`
	ThumbnailWidth  int         `yaml:"thumbnail_width"`
	ThumbnailHeight int         `yaml:"thumbnail_height"`
	EventQueue      int         `yaml:"event_queue"` // buffered UI events
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	General       GeneralConfig `yaml:"general"`
	Storage       StorageConfig `yaml:"storage"`
	Backend       BackendConfig `yaml:"backend"`
	Editor        EditorConfig  `yaml:"editor"`
	Logging       LoggingConfig `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	b := domain.DefaultBrush()
	return AppConfig{
		ConfigVersion: 1,
		General:       GeneralConfig{TelemetryOptIn: false, Theme: "system"},
		Storage:       StorageConfig{Driver: DriverLocal, Root: defaultRoot(), ThumbnailCacheMB: 64},
		Backend:       BackendConfig{BaseURL: "http://localhost:8080", TimeoutMs: 15000, Listen: ":8080"},
		Editor: EditorConfig{
			Gutter:   navigation.DefaultGutter,
			Features: featureNames(domain.KnownFeatures),
			Brush:    BrushConfig{LineWidth: b.LineWidth, Color: b.Color, Type: string(b.Type)},

			ThumbnailWidth:  160,
			ThumbnailHeight: 120,
			EventQueue:      64,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

func featureNames(fs []domain.Feature) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "OpenSketch")
	}
	return "OpenSketch"
}

// Env var names used as overrides.
const (
	EnvConfigPath       = "OSK_CONFIG"
	EnvStorageDriver    = "OSK_STORAGE_DRIVER"
	EnvStorageRoot      = "OSK_STORAGE_ROOT"
	EnvStorageDSN       = "OSK_DATABASE_URL"
	EnvBackendURL       = "OSK_BACKEND_URL"
	EnvBackendTimeoutMs = "OSK_BACKEND_TIMEOUT_MS"
	EnvBackendTLSInsec  = "OSK_TLS_INSECURE"
	EnvListen           = "OSK_LISTEN"
	EnvTelemetryOptIn   = "OSK_TELEMETRY_OPT_IN"
	EnvSerializeSaves   = "OSK_SERIALIZE_SAVES"
	EnvFeatures         = "OSK_FEATURES" // comma separated
	EnvThumbnailCacheMB = "OSK_THUMBNAIL_CACHE_MB"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "OSK_LOG_LEVEL"
	EnvLogFormat = "OSK_LOG_FORMAT"
	EnvLogSource = "OSK_LOG_SOURCE"
	EnvLogFile   = "OSK_LOG_FILE"
)

// ConfigPath returns the per-user config file path. OSK_CONFIG wins when set.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "OpenSketch")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "OpenSketch")
	default: // linux and others
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = filepath.Join(xdg, "opensketch")
		} else if home := os.Getenv("HOME"); home != "" {
			base = filepath.Join(home, ".config", "opensketch")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads user config file (if present), applies defaults, and merges environment overrides.
// It also loads the backend token from keyring (not kept inside the struct; returned separately).
// A malformed file is reported but the defaults plus overrides are still returned.
func Load() (AppConfig, string, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		applyEnvOverrides(&cfg)
		return cfg, "", err
	}
	var parseErr error
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			parseErr = fmt.Errorf("parse %s: %w", path, err)
		} else {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)
	tok, _ := tokenStore.Get(keyringService, keyringToken)
	return cfg, tok, parseErr
}

// Save writes the user config YAML and persists the token into OS keyring (if non-empty).
func Save(cfg AppConfig, token string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if token != "" {
		if err := tokenStore.Set(keyringService, keyringToken, token); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
	}
	return nil
}

// ClearToken removes the backend token from the keychain.
func ClearToken() error { return tokenStore.Delete(keyringService, keyringToken) }

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if src.General.Theme != "" {
		dst.General.Theme = src.General.Theme
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.General.TelemetryOptIn = src.General.TelemetryOptIn

	if v := strings.ToLower(strings.TrimSpace(src.Storage.Driver)); v != "" {
		dst.Storage.Driver = v
	}
	if v := strings.TrimSpace(src.Storage.Root); v != "" {
		dst.Storage.Root = v
	}
	if v := strings.TrimSpace(src.Storage.DSN); v != "" {
		dst.Storage.DSN = v
	}
	if src.Storage.ThumbnailCacheMB != 0 {
		dst.Storage.ThumbnailCacheMB = src.Storage.ThumbnailCacheMB
	}

	if src.Backend.BaseURL != "" {
		dst.Backend.BaseURL = src.Backend.BaseURL
	}
	if src.Backend.TimeoutMs != 0 {
		dst.Backend.TimeoutMs = src.Backend.TimeoutMs
	}
	dst.Backend.TLSInsecure = src.Backend.TLSInsecure
	if src.Backend.Listen != "" {
		dst.Backend.Listen = src.Backend.Listen
	}

	if src.Editor.Gutter > 0 {
		dst.Editor.Gutter = src.Editor.Gutter
	}
	dst.Editor.SerializeSaves = src.Editor.SerializeSaves
	if src.Editor.Features != nil {
		dst.Editor.Features = append([]string(nil), src.Editor.Features...)
	}
	if src.Editor.Brush.LineWidth > 0 {
		dst.Editor.Brush.LineWidth = src.Editor.Brush.LineWidth
	}
	if src.Editor.Brush.Color != "" {
		dst.Editor.Brush.Color = src.Editor.Brush.Color
	}
	if src.Editor.Brush.Type != "" {
		dst.Editor.Brush.Type = strings.ToLower(src.Editor.Brush.Type)
	}
	if src.Editor.ThumbnailWidth > 0 && src.Editor.ThumbnailHeight > 0 {
		dst.Editor.ThumbnailWidth = src.Editor.ThumbnailWidth
		dst.Editor.ThumbnailHeight = src.Editor.ThumbnailHeight
	}
	if src.Editor.EventQueue > 0 {
		dst.Editor.EventQueue = src.Editor.EventQueue
	}

	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func truthy(v string) bool {
	lv := strings.ToLower(v)
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvStorageDriver)); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageRoot)); v != "" {
		cfg.Storage.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendTimeoutMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.TimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendTLSInsec)); v != "" {
		cfg.Backend.TLSInsecure = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		cfg.Backend.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryOptIn)); v != "" {
		cfg.General.TelemetryOptIn = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvThumbnailCacheMB)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.ThumbnailCacheMB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvSerializeSaves)); v != "" {
		cfg.Editor.SerializeSaves = truthy(v)
	}
	if v, ok := os.LookupEnv(EnvFeatures); ok {
		cfg.Editor.Features = splitList(v)
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var envKeys = map[string]string{
	"storage.driver":             EnvStorageDriver,
	"storage.root":               EnvStorageRoot,
	"storage.dsn":                EnvStorageDSN,
	"storage.thumbnail_cache_mb": EnvThumbnailCacheMB,
	"backend.base_url":           EnvBackendURL,
	"backend.timeout_ms":         EnvBackendTimeoutMs,
	"backend.tls_insecure":       EnvBackendTLSInsec,
	"backend.listen":             EnvListen,
	"general.telemetry_opt_in":   EnvTelemetryOptIn,
	"editor.serialize_saves":     EnvSerializeSaves,
	"editor.features":            EnvFeatures,
	"logging.level":              EnvLogLevel,
	"logging.format":             EnvLogFormat,
	"logging.source":             EnvLogSource,
	"logging.file":               EnvLogFile,
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	env, ok := envKeys[key]
	if !ok {
		return "", false
	}
	if _, set := os.LookupEnv(env); !set {
		return "", false
	}
	return env, true
}

// Timeout returns the backend timeout, falling back to the default.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return time.Duration(Defaults().Backend.TimeoutMs) * time.Millisecond
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// DefaultBrush converts the configured brush; invalid entries fall back to the
// built-in default field by field.
func (e EditorConfig) DefaultBrush() domain.Brush {
	b := domain.DefaultBrush()
	if e.Brush.LineWidth > 0 {
		b.LineWidth = e.Brush.LineWidth
	}
	if e.Brush.Color != "" {
		b.Color = e.Brush.Color
	}
	if t := domain.BrushType(e.Brush.Type); t.Valid() {
		b.Type = t
	}
	return b
}

// ThumbnailCacheBytes converts the configured cap; negative values disable eviction.
func (s StorageConfig) ThumbnailCacheBytes() int64 {
	if s.ThumbnailCacheMB < 0 {
		return 0
	}
	return int64(s.ThumbnailCacheMB) << 20
}

// FeatureSet returns the enabled features, ignoring unknown names.
func (e EditorConfig) FeatureSet() domain.FeatureSet { return domain.ParseFeatures(e.Features) }

// LogOptions converts the logging section for log.Init.
func (l LoggingConfig) LogOptions() applog.Options {
	return applog.Options{Level: l.Level, Format: l.Format, AddSource: l.Source, File: l.File}
}
