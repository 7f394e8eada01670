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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"opensketch/internal/domain"
	"opensketch/internal/export"
	"opensketch/internal/gateway"
	applog "opensketch/internal/log"
	"opensketch/internal/version"
)

// DevSecret signs tokens when no secret is configured.
const DevSecret = "dev-secret-change-me"

// Error codes carried in API error bodies.
const (
	codeNotFound        = "not_found"
	codeOutOfRange      = "out_of_range"
	codeFeatureDisabled = "feature_disabled"
	codeBadRequest      = "bad_request"
	codeInvalidID       = "invalid_id"
	codeUnauthorized    = "unauthorized"
	codeInternal        = "internal"
)

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type featuresResponse struct {
	Features domain.FeatureSet `json:"features"`
}

// Pinger is implemented by repositories that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes a gateway.Repository over HTTP.
type Server struct {
	repo    gateway.Repository
	secret  string
	origins []string
	log     *slog.Logger
	now     func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthSecret sets the HMAC secret for bearer tokens.
func WithAuthSecret(secret string) ServerOption {
	return func(s *Server) { s.secret = secret }
}

// WithAllowedOrigins replaces the default localhost-only CORS policy.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds a server for repo.
func NewServer(repo gateway.Repository, opts ...ServerOption) *Server {
	s := &Server{repo: repo, log: applog.WithComponent("server"), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.secret == "" {
		s.secret = DevSecret
		s.log.Warn("no auth secret configured; using insecure dev secret")
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, version.String())
	})
	r.Post("/api/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(s.secret))
		r.Get("/api/features", s.handleFeatures)
		r.Route("/api/sketchbooks/{id}", func(r chi.Router) {
			r.Use(s.validSketchbookID)
			r.Get("/", s.handleLoad)
			r.Put("/", s.handleSave)
			r.Get("/sketches/{ref}/download", s.handleDownload)
			r.Get("/sketches/{ref}/thumbnail", s.handleThumbnail)
			r.Get("/export.pdf", s.handleDocument(domain.FeatureExportPDF))
			r.Get("/export.cbz", s.handleDocument(domain.FeatureExportCBZ))
		})
	})
	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(s.origins) > 0 {
		opts.AllowedOrigins = s.origins
		return opts
	}
	opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
		parsed, err := url.Parse(origin)
		if err != nil || origin == "" {
			return false
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return false
		}
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
	return opts
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.repo.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("repository not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// POST /api/auth/token, optional body { "subject": "name", "ttl_seconds": 3600 }
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject    string `json:"subject"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		_ = render.DecodeJSON(r.Body, &req)
	}
	if req.Subject == "" {
		req.Subject = "dev"
	}
	if req.TTLSeconds <= 0 || req.TTLSeconds > 24*3600 {
		req.TTLSeconds = 3600
	}
	exp := s.now().Add(time.Duration(req.TTLSeconds) * time.Second)
	tok, err := signToken(s.secret, req.Subject, exp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.JSON(w, r, tokenResponse{Token: tok, ExpiresAt: exp.UTC().Format(time.RFC3339)})
}

// validSketchbookID rejects ids that could not name a stored sketchbook
// before any handler sees them.
func (s *Server) validSketchbookID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := domain.CheckSketchbookID(chi.URLParam(r, "id")); err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	fs, err := s.repo.AvailableFeatures(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if fs == nil {
		fs = domain.FeatureSet{}
	}
	render.JSON(w, r, featuresResponse{Features: fs})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	sb, err := s.repo.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sb.Sketches == nil {
		sb.Sketches = []domain.Sketch{}
	}
	render.JSON(w, r, sb)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sb domain.Sketchbook
	r.Body = http.MaxBytesReader(w, r.Body, 64<<20)
	if err := render.DecodeJSON(r.Body, &sb); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, apiError{Error: "invalid sketchbook payload", Code: codeBadRequest})
		return
	}
	sb.ID = id
	if sb.Sketches == nil {
		sb.Sketches = []domain.Sketch{}
	}
	if err := domain.ValidateIdentity(sb.Sketches); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, apiError{Error: err.Error(), Code: codeBadRequest})
		return
	}
	if err := s.repo.Save(r.Context(), sb); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.InfoContext(applog.ContextWithSketchbook(r.Context(), id), "sketchbook saved",
		slog.Int("sketches", sb.Len()), slog.String("subject", SubjectFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.require(ctx, domain.FeatureDownload); err != nil {
		s.fail(w, r, err)
		return
	}
	ref, err := strconv.Atoi(chi.URLParam(r, "ref"))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, apiError{Error: "invalid sketch ref", Code: codeBadRequest})
		return
	}
	sb, err := s.repo.Load(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sk, ok := sb.Sketch(ref)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %d", domain.ErrSketchOutOfRange, ref))
		return
	}
	data, err := export.SketchPNG(sk.Image)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sketch-%d.png"`, ref))
	_, _ = w.Write(data)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	th, ok := s.repo.(gateway.Thumbnailer)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", gateway.ErrFeatureDisabled, domain.FeatureThumbnails))
		return
	}
	if err := s.require(ctx, domain.FeatureThumbnails); err != nil {
		s.fail(w, r, err)
		return
	}
	ref, err := strconv.Atoi(chi.URLParam(r, "ref"))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, apiError{Error: "invalid sketch ref", Code: codeBadRequest})
		return
	}
	data, err := th.Thumbnail(ctx, chi.URLParam(r, "id"), domain.SketchRef(ref))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = w.Write(data)
}

// handleDocument renders the whole sketchbook as PDF or CBZ into a temp dir and streams it.
func (s *Server) handleDocument(f domain.Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.require(ctx, f); err != nil {
			s.fail(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		sb, err := s.repo.Load(ctx, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		tmp, err := os.MkdirTemp("", "osk-export-*")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		defer func() { _ = os.RemoveAll(tmp) }()

		var out, ctype string
		switch f {
		case domain.FeatureExportPDF:
			out, ctype = filepath.Join(tmp, id+".pdf"), "application/pdf"
			err = export.ExportSketchbookPDF(sb, out, export.PDFOptions{Captions: true})
		default:
			ctype = "application/vnd.comicbook+zip"
			out, err = export.ExportSketchbookCBZ(sb, filepath.Join(tmp, id+".cbz"))
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filepath.Base(out)))
		http.ServeFile(w, r, out)
	}
}

func (s *Server) require(ctx context.Context, f domain.Feature) error {
	fs, err := s.repo.AvailableFeatures(ctx)
	if err != nil {
		return err
	}
	if !fs.Has(f) {
		return fmt.Errorf("%w: %s", gateway.ErrFeatureDisabled, f)
	}
	return nil
}

// fail maps repository errors onto status codes and error codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrSketchOutOfRange):
		status, code = http.StatusNotFound, codeOutOfRange
	case errors.Is(err, gateway.ErrFeatureDisabled):
		status, code = http.StatusForbidden, codeFeatureDisabled
	case errors.Is(err, domain.ErrInvalidSketchbookID):
		status, code = http.StatusBadRequest, codeInvalidID
	}
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	render.Status(r, status)
	render.JSON(w, r, apiError{Error: err.Error(), Code: code})
}
