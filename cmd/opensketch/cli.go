/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"opensketch/internal/backend"
	"opensketch/internal/config"
	"opensketch/internal/controller"
	"opensketch/internal/domain"
	"opensketch/internal/export"
	"opensketch/internal/gateway"
	applog "opensketch/internal/log"
	"opensketch/internal/storage"
	"opensketch/internal/telemetry"
	"opensketch/internal/ui"
	"opensketch/internal/version"
)

// env carries what every command needs: the merged configuration, the
// keychain token and the output stream.
type env struct {
	cfg   config.AppConfig
	token string
	out   io.Writer
	// handle is the sketchbook a crash report should snapshot, if any.
	handle *storage.Handle
}

type defaultTelemetry struct{}

func (defaultTelemetry) Event(name string, props map[string]any) { telemetry.Event(name, props) }

// newCLIApp creates the CLI application with all commands.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:    "opensketch",
		Usage:   "Sketchbook editor and sync server",
		Version: version.String(),
		Writer:  e.out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "driver", Usage: "Storage driver: local|postgres|remote (overrides config)"},
			&cli.StringFlag{Name: "root", Usage: "Local sketchbook library directory (overrides config)"},
		},
		Before: func(c *cli.Context) error {
			if d := c.String("driver"); d != "" {
				e.cfg.Storage.Driver = d
			}
			if r := c.String("root"); r != "" {
				e.cfg.Storage.Root = r
			}
			return nil
		},
		Commands: []*cli.Command{
			initCmd(e),
			openCmd(e),
			listCmd(e),
			appendCmd(e),
			drawCmd(e),
			deleteCmd(e),
			exportCmd(e),
			thumbnailCmd(e),
			serveCmd(e),
			loginCmd(e),
			logoutCmd(),
			uiCmd(e),
			versionCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// openRepo builds the repository selected by the storage driver. The returned
// close func releases whatever the repository holds open.
func (e *env) openRepo(ctx context.Context) (gateway.Repository, func() error, error) {
	switch e.cfg.Storage.Driver {
	case "", config.DriverLocal:
		r, err := storage.NewLocal(ctx, e.cfg.Storage.Root,
			storage.WithFeatures(e.cfg.Editor.FeatureSet()),
			storage.WithThumbnailSize(e.cfg.Editor.ThumbnailWidth, e.cfg.Editor.ThumbnailHeight),
			storage.WithThumbnailCache(e.cfg.Storage.ThumbnailCacheBytes()),
		)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case config.DriverPostgres:
		db, err := backend.OpenPG(ctx, e.cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		exportDir := filepath.Join(e.cfg.Storage.Root, "exports")
		return backend.NewPGStore(db, exportDir, e.cfg.Editor.FeatureSet()), db.Close, nil
	case config.DriverRemote:
		dl := filepath.Join(e.cfg.Storage.Root, "downloads")
		c := backend.NewClient(e.cfg.Backend.BaseURL, e.token,
			backend.WithTimeout(e.cfg.Backend.Timeout()),
			backend.WithInsecureTLS(e.cfg.Backend.TLSInsecure),
			backend.WithDownloadDir(dl),
		)
		return c, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", e.cfg.Storage.Driver)
	}
}

// withController opens the repository, initializes a headless controller for
// the sketchbook named by the first argument and runs fn against it.
func (e *env) withController(c *cli.Context, fn func(ctx context.Context, ctrl *controller.Controller) error) error {
	if c.NArg() < 1 {
		return errors.New("sketchbook id required")
	}
	id := c.Args().First()
	ctx := applog.ContextWithSketchbook(c.Context, id)
	repo, closeRepo, err := e.openRepo(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	opts := []controller.Option{
		controller.WithBrush(e.cfg.Editor.DefaultBrush()),
		controller.WithTelemetry(defaultTelemetry{}),
	}
	if e.cfg.Editor.SerializeSaves {
		opts = append(opts, controller.WithMutationLock())
	}
	ctrl := controller.New(id, repo, opts...)
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}
	if local, ok := repo.(*storage.Local); ok {
		e.handle = local.Handle(ctrl.Sketchbook().Get())
	}
	return fn(ctx, ctrl)
}

func initCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create an empty sketchbook and print its id",
		Action: func(c *cli.Context) error {
			repo, closeRepo, err := e.openRepo(c.Context)
			if err != nil {
				return err
			}
			defer closeRepo()
			var sb domain.Sketchbook
			if local, ok := repo.(*storage.Local); ok {
				if sb, err = local.Create(c.Context); err != nil {
					return err
				}
			} else {
				sb = domain.NewSketchbook(storage.NewID())
				if err := repo.Save(c.Context, sb); err != nil {
					return err
				}
			}
			applog.WithComponent("cli").Info("sketchbook created", slog.String("sketchbook", sb.ID))
			fmt.Fprintln(e.out, sb.ID)
			return nil
		},
	}
}

func openCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Load a sketchbook and print a summary",
		ArgsUsage: "<sketchbook>",
		Action: func(c *cli.Context) error {
			return e.withController(c, func(_ context.Context, ctrl *controller.Controller) error {
				sb := ctrl.Sketchbook().Get()
				fmt.Fprintf(e.out, "Sketchbook: %s\n", sb.ID)
				fmt.Fprintf(e.out, "Sketches: %d\n", sb.Len())
				fmt.Fprintf(e.out, "Features: %s\n", strings.Join(featureList(ctrl.Features().Get()), ","))
				for _, s := range sb.Sketches {
					mt := "blank"
					if !s.Image.IsBlank() {
						if t, _, err := s.Image.Decode(); err == nil {
							mt = t
						} else {
							mt = "invalid"
						}
					}
					fmt.Fprintf(e.out, "  %d\t%s\n", s.ID, mt)
				}
				return nil
			})
		},
	}
}

func featureList(fs domain.FeatureSet) []string {
	var out []string
	for _, f := range domain.KnownFeatures {
		if fs.Has(f) {
			out = append(out, string(f))
		}
	}
	return out
}

func listCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List sketchbooks in the local library, most recently updated first",
		Action: func(c *cli.Context) error {
			repo, closeRepo, err := e.openRepo(c.Context)
			if err != nil {
				return err
			}
			defer closeRepo()
			local, ok := repo.(*storage.Local)
			if !ok {
				return fmt.Errorf("list requires the %s driver", config.DriverLocal)
			}
			entries, err := local.List(c.Context)
			if err != nil {
				return err
			}
			for _, en := range entries {
				fmt.Fprintf(e.out, "%s\t%d\t%s\n", en.ID, en.SketchCount, en.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// readImage loads a PNG or JPEG file as an image reference.
func readImage(path string) (domain.ImageRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mt := http.DetectContentType(data)
	if mt != "image/png" && mt != "image/jpeg" {
		return "", fmt.Errorf("%s: unsupported image type %s", path, mt)
	}
	return domain.NewImageRef(mt, data), nil
}

func appendCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "append",
		Usage:     "Append a sketch and save the sketchbook",
		ArgsUsage: "<sketchbook>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "PNG or JPEG to store on the new sketch"},
		},
		Action: func(c *cli.Context) error {
			img := domain.BlankImage
			if p := c.String("image"); p != "" {
				var err error
				if img, err = readImage(p); err != nil {
					return err
				}
			}
			return e.withController(c, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.AppendSketch(); err != nil {
					return err
				}
				n := ctrl.Sketchbook().Get().Len()
				if err := ctrl.SaveSketch(ctx, n, img); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Appended sketch %d\n", n)
				return nil
			})
		},
	}
}

func ordinalArg(c *cli.Context, i int) (int, error) {
	if c.NArg() <= i {
		return 0, errors.New("sketch number required")
	}
	n, err := strconv.Atoi(c.Args().Get(i))
	if err != nil {
		return 0, fmt.Errorf("invalid sketch number %q", c.Args().Get(i))
	}
	return n, nil
}

func drawCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "draw",
		Usage:     "Store an image file on an existing sketch",
		ArgsUsage: "<sketchbook> <sketch> <image>",
		Action: func(c *cli.Context) error {
			n, err := ordinalArg(c, 1)
			if err != nil {
				return err
			}
			if c.NArg() < 3 {
				return errors.New("image file required")
			}
			img, err := readImage(c.Args().Get(2))
			if err != nil {
				return err
			}
			return e.withController(c, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.SaveSketch(ctx, n, img); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Saved sketch %d\n", n)
				return nil
			})
		},
	}
}

func deleteCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a sketch; later sketches are renumbered",
		ArgsUsage: "<sketchbook> <sketch>",
		Action: func(c *cli.Context) error {
			n, err := ordinalArg(c, 1)
			if err != nil {
				return err
			}
			return e.withController(c, func(ctx context.Context, ctrl *controller.Controller) error {
				if err := ctrl.DeleteSketch(ctx, n); err != nil {
					return err
				}
				ctrl.AcknowledgeCanvasReset()
				fmt.Fprintf(e.out, "Deleted sketch %d, %d remaining\n", n, ctrl.Sketchbook().Get().Len())
				return nil
			})
		},
	}
}

func exportCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export one sketch as PNG, the sketchbook as PDF or CBZ, or a batch preset",
		ArgsUsage: "<sketchbook> [sketch]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "png", Usage: "png|pdf|cbz"},
			&cli.StringFlag{Name: "preset", Usage: "Batch preset: web|print (local driver)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("sketchbook id required")
			}
			id := c.Args().First()
			if p := c.String("preset"); p != "" {
				return e.exportBatch(c, id, export.PresetName(p))
			}
			switch format := c.String("format"); format {
			case "png":
				n, err := ordinalArg(c, 1)
				if err != nil {
					return err
				}
				return e.withController(c, func(ctx context.Context, ctrl *controller.Controller) error {
					path, err := ctrl.ExportSketch(ctx, "", domain.SketchRef(n))
					if err != nil {
						return err
					}
					fmt.Fprintln(e.out, path)
					return nil
				})
			case "pdf", "cbz":
				path, err := e.exportDocument(c.Context, id, format)
				if err != nil {
					return err
				}
				fmt.Fprintln(e.out, path)
				return nil
			default:
				return fmt.Errorf("unknown export format %q", format)
			}
		},
	}
}

func thumbnailCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "thumbnail",
		Usage:     "Write the PNG preview of one sketch",
		ArgsUsage: "<sketchbook> <sketch>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default <sketchbook>-<sketch>.png)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("sketchbook id required")
			}
			id := c.Args().First()
			n, err := ordinalArg(c, 1)
			if err != nil {
				return err
			}
			repo, closeRepo, err := e.openRepo(c.Context)
			if err != nil {
				return err
			}
			defer closeRepo()
			th, ok := repo.(gateway.Thumbnailer)
			if !ok {
				return fmt.Errorf("thumbnails are not supported by the %s driver", e.cfg.Storage.Driver)
			}
			data, err := th.Thumbnail(c.Context, id, domain.SketchRef(n))
			if err != nil {
				return err
			}
			out := c.String("out")
			if out == "" {
				out = fmt.Sprintf("%s-%d.png", id, n)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write thumbnail: %w", err)
			}
			fmt.Fprintln(e.out, out)
			return nil
		},
	}
}

func (e *env) exportDocument(ctx context.Context, id, format string) (string, error) {
	repo, closeRepo, err := e.openRepo(ctx)
	if err != nil {
		return "", err
	}
	defer closeRepo()
	switch r := repo.(type) {
	case *storage.Local:
		if format == "pdf" {
			return r.ExportPDF(ctx, id)
		}
		return r.ExportCBZ(ctx, id)
	case *backend.Client:
		return r.ExportDocument(ctx, id, format)
	default:
		return "", fmt.Errorf("%s export is not supported by the %s driver", format, e.cfg.Storage.Driver)
	}
}

func (e *env) exportBatch(c *cli.Context, id string, preset export.PresetName) error {
	repo, closeRepo, err := e.openRepo(c.Context)
	if err != nil {
		return err
	}
	defer closeRepo()
	local, ok := repo.(*storage.Local)
	if !ok {
		return fmt.Errorf("preset export requires the %s driver", config.DriverLocal)
	}
	paths, err := local.ExportBatch(c.Context, id, export.BatchOptions{Preset: preset})
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(e.out, p)
	}
	return nil
}

func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the configured repository over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Listen address (default from config)"},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"OSK_AUTH_SECRET"}, Usage: "Token signing secret"},
			&cli.StringSliceFlag{Name: "origin", Usage: "Allowed CORS origin (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			if e.cfg.Storage.Driver == config.DriverRemote {
				return errors.New("serve needs a local or postgres driver")
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			repo, closeRepo, err := e.openRepo(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()
			addr := c.String("listen")
			if addr == "" {
				addr = e.cfg.Backend.Listen
			}
			srv := backend.NewServer(repo,
				backend.WithAuthSecret(c.String("secret")),
				backend.WithAllowedOrigins(c.StringSlice("origin")...),
			)
			fmt.Fprintf(e.out, "Listening on %s\n", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}
}

func loginCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Request a token from the backend and store it in the OS keychain",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Value: "dev", Usage: "Token subject"},
			&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour, Usage: "Token lifetime"},
		},
		Action: func(c *cli.Context) error {
			cl := backend.NewClient(e.cfg.Backend.BaseURL, "",
				backend.WithTimeout(e.cfg.Backend.Timeout()),
				backend.WithInsecureTLS(e.cfg.Backend.TLSInsecure),
			)
			tok, exp, err := cl.RequestToken(c.Context, c.String("subject"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			if err := config.Save(e.cfg, tok); err != nil {
				return err
			}
			e.token = tok
			fmt.Fprintf(e.out, "Logged in until %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
}

func logoutCmd() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Remove the backend token from the OS keychain",
		Action: func(_ *cli.Context) error {
			return config.ClearToken()
		},
	}
}

func uiCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "ui",
		Usage:     "Launch the desktop editor (build with -tags fyne)",
		ArgsUsage: "<sketchbook>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("sketchbook id required")
			}
			id := c.Args().First()
			repo, closeRepo, err := e.openRepo(c.Context)
			if err != nil {
				return err
			}
			defer closeRepo()
			s := ui.Session{
				SketchbookID:   id,
				Repo:           repo,
				Gutter:         e.cfg.Editor.Gutter,
				Brush:          e.cfg.Editor.DefaultBrush(),
				Telemetry:      defaultTelemetry{},
				SerializeSaves: e.cfg.Editor.SerializeSaves,
				QueueSize:      e.cfg.Editor.EventQueue,
			}
			if local, ok := repo.(*storage.Local); ok {
				s.CrashHandle = local.Handle
			}
			return ui.Run(applog.ContextWithSketchbook(c.Context, id), s)
		},
	}
}

func versionCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(_ *cli.Context) error {
			fmt.Fprintln(e.out, "OpenSketch")
			fmt.Fprintln(e.out, version.String())
			return nil
		},
	}
}
