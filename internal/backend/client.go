/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opensketch/internal/domain"
	"opensketch/internal/gateway"
)

// Client is a gateway.Repository talking to a remote opensketch server.
type Client struct {
	BaseURL     string
	Token       string // bearer token
	DownloadDir string
	client      *http.Client
}

var (
	_ gateway.Repository  = (*Client)(nil)
	_ gateway.Thumbnailer = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithInsecureTLS disables certificate verification (development servers only).
func WithInsecureTLS(insecure bool) ClientOption {
	return func(c *Client) {
		if insecure {
			c.client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
		}
	}
}

// WithDownloadDir sets where downloaded sketches are written.
func WithDownloadDir(dir string) ClientOption {
	return func(c *Client) { c.DownloadDir = dir }
}

// NewClient creates a new backend client. baseURL may include a trailing slash; it will be normalized.
func NewClient(baseURL string, token string, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Token:       token,
		DownloadDir: filepath.Join(os.TempDir(), "opensketch-downloads"),
		client:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(method, u.Path, resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dest any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// decodeAPIError maps the server's error codes back onto sentinel errors.
func decodeAPIError(method, path string, resp *http.Response) error {
	var ae apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ae)
	base := fmt.Errorf("server %s %s: %s", method, path, resp.Status)
	var sentinel error
	switch ae.Code {
	case codeNotFound:
		sentinel = gateway.ErrNotFound
	case codeOutOfRange:
		sentinel = domain.ErrSketchOutOfRange
	case codeFeatureDisabled:
		sentinel = gateway.ErrFeatureDisabled
	case codeUnauthorized:
		sentinel = ErrInvalidToken
	case codeInvalidID:
		sentinel = domain.ErrInvalidSketchbookID
	}
	if sentinel == nil {
		return base
	}
	return fmt.Errorf("%w: %w", sentinel, base)
}

func sketchbookPath(id string) string { return "/api/sketchbooks/" + url.PathEscape(id) }

// Load fetches a sketchbook.
func (c *Client) Load(ctx context.Context, id string) (domain.Sketchbook, error) {
	if err := domain.CheckSketchbookID(id); err != nil {
		return domain.Sketchbook{}, err
	}
	var sb domain.Sketchbook
	if err := c.doJSON(ctx, http.MethodGet, sketchbookPath(id), nil, &sb); err != nil {
		return domain.Sketchbook{}, err
	}
	return sb, nil
}

// Save uploads the whole sketchbook.
func (c *Client) Save(ctx context.Context, sb domain.Sketchbook) error {
	if err := domain.CheckSketchbookID(sb.ID); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPut, sketchbookPath(sb.ID), sb, nil)
}

// Export downloads sketch ref as PNG into <DownloadDir>/<id>/ and returns the file path.
func (c *Client) Export(ctx context.Context, id string, ref domain.SketchRef) (string, error) {
	if err := domain.CheckSketchbookID(id); err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/sketches/%d/download", sketchbookPath(id), ref), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return c.saveDownload(resp.Body, filepath.Join(c.DownloadDir, id, fmt.Sprintf("sketch-%d.png", ref)))
}

// ExportDocument downloads the whole sketchbook as "pdf" or "cbz".
func (c *Client) ExportDocument(ctx context.Context, id, format string) (string, error) {
	if format != "pdf" && format != "cbz" {
		return "", fmt.Errorf("unknown format: %s", format)
	}
	if err := domain.CheckSketchbookID(id); err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodGet, sketchbookPath(id)+"/export."+format, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return c.saveDownload(resp.Body, filepath.Join(c.DownloadDir, id, id+"."+format))
}

// Thumbnail fetches the PNG preview of sketch ref.
func (c *Client) Thumbnail(ctx context.Context, id string, ref domain.SketchRef) ([]byte, error) {
	if err := domain.CheckSketchbookID(id); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/sketches/%d/thumbnail", sketchbookPath(id), ref), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	return data, nil
}

func (c *Client) saveDownload(r io.Reader, out string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("ensure download dir: %w", err)
	}
	tmp := out + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, out); err != nil {
		return "", err
	}
	return out, nil
}

// AvailableFeatures returns the server's feature set.
func (c *Client) AvailableFeatures(ctx context.Context) (domain.FeatureSet, error) {
	var fr featuresResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/features", nil, &fr); err != nil {
		return nil, err
	}
	return fr.Features, nil
}

// RequestToken asks the server for a bearer token and stores it on the client.
func (c *Client) RequestToken(ctx context.Context, subject string, ttl time.Duration) (string, time.Time, error) {
	req := map[string]any{"subject": subject, "ttl_seconds": int64(ttl / time.Second)}
	var tr tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/token", req, &tr); err != nil {
		return "", time.Time{}, err
	}
	if tr.Token == "" {
		return "", time.Time{}, errors.New("server returned empty token")
	}
	exp, _ := time.Parse(time.RFC3339, tr.ExpiresAt)
	c.Token = tr.Token
	return tr.Token, exp, nil
}
