/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"opensketch/internal/domain"
	applog "opensketch/internal/log"
)

const (
	ManifestFileName = "sketchbook.json"
	BackupsDirName   = "backups"
	ExportsDirName   = "exports"

	// backupStamp sorts lexicographically in time order.
	backupStamp = "20060102-150405.000"
	// MaxBackups is how many manifest backups Save keeps per sketchbook.
	MaxBackups = 20
)

var (
	ErrInvalidID = domain.ErrInvalidSketchbookID
	// ErrNoManifest is returned by Open when neither the manifest nor a backup exists.
	ErrNoManifest = errors.New("sketchbook manifest not found")
)

// ValidID reports whether id can be used as a sketchbook directory name.
func ValidID(id string) bool { return domain.ValidSketchbookID(id) }

// Handle keeps track of one sketchbook loaded from or saved to disk.
// Root is the sketchbook directory containing sketchbook.json and subfolders.
type Handle struct {
	Root         string
	ManifestPath string
	Sketchbook   domain.Sketchbook
}

// InitSketchbook creates the sketchbook directory at root with its backups and
// exports folders and writes the manifest.
func InitSketchbook(root string, sb domain.Sketchbook) (*Handle, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root path is required")
	}
	for _, d := range []string{root, filepath.Join(root, BackupsDirName), filepath.Join(root, ExportsDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	h := &Handle{Root: root, ManifestPath: filepath.Join(root, ManifestFileName), Sketchbook: sb}
	if err := Save(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Open loads the sketchbook stored at root. If the manifest is missing,
// unreadable or fails schema validation, the latest valid backup is used.
// Sketch ids are renumbered by position when the stored ones are inconsistent.
func Open(root string) (*Handle, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "open").With(slog.String("root", root))
	mpath := filepath.Join(root, ManifestFileName)
	sb, err := readManifest(mpath)
	if err != nil {
		b, berr := openFromLatestBackup(root)
		if berr != nil {
			if errors.Is(err, os.ErrNotExist) && errors.Is(berr, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNoManifest, root)
			}
			return nil, fmt.Errorf("open manifest: %w; backup attempt: %v", err, berr)
		}
		l.Warn("manifest unusable, opened latest backup", slog.Any("err", err))
		sb = b
	}
	if verr := domain.ValidateIdentity(sb.Sketches); verr != nil {
		l.Warn("renumbering sketches", slog.Any("err", verr))
		sb.Sketches = domain.Renumber(sb.Sketches)
	}
	return &Handle{Root: root, ManifestPath: mpath, Sketchbook: sb}, nil
}

func readManifest(path string) (domain.Sketchbook, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.Sketchbook{}, err
	}
	return decodeManifest(b)
}

func decodeManifest(b []byte) (domain.Sketchbook, error) {
	if err := ValidateManifest(b); err != nil {
		return domain.Sketchbook{}, err
	}
	var sb domain.Sketchbook
	if err := json.Unmarshal(b, &sb); err != nil {
		return domain.Sketchbook{}, fmt.Errorf("parse manifest: %w", err)
	}
	if sb.Sketches == nil {
		sb.Sketches = []domain.Sketch{}
	}
	return sb, nil
}

func marshalManifest(sb domain.Sketchbook) ([]byte, error) {
	if sb.Sketches == nil {
		sb.Sketches = []domain.Sketch{}
	}
	data, err := json.MarshalIndent(sb, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes h.Sketchbook to disk with transactional semantics and a
// timestamped backup of the previous manifest (if present). Old backups
// beyond MaxBackups are pruned.
func Save(h *Handle) error {
	if h == nil {
		return errors.New("nil Handle")
	}
	if h.Root == "" || h.ManifestPath == "" {
		return errors.New("invalid Handle: missing paths")
	}
	data, err := marshalManifest(h.Sketchbook)
	if err != nil {
		return err
	}

	bdir := filepath.Join(h.Root, BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return fmt.Errorf("ensure backups dir: %w", err)
	}
	if _, statErr := os.Stat(h.ManifestPath); statErr == nil {
		bpath := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", ManifestFileName, time.Now().Format(backupStamp)))
		if cerr := copyFile(h.ManifestPath, bpath); cerr != nil {
			return fmt.Errorf("backup current manifest: %w", cerr)
		}
		pruneBackups(bdir, MaxBackups)
	}

	// Transactional write: to temp file in same directory, then rename over target
	dir := filepath.Dir(h.ManifestPath)
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", ManifestFileName, os.Getpid(), rand.Int()))
	if werr := writeFileSync(temp, data); werr != nil {
		return fmt.Errorf("write temp manifest: %w", werr)
	}
	if rerr := os.Rename(temp, h.ManifestPath); rerr != nil {
		// Windows refuses to rename over an existing file
		_ = os.Remove(h.ManifestPath)
		if rerr = os.Rename(temp, h.ManifestPath); rerr != nil {
			_ = os.Remove(temp)
			return fmt.Errorf("replace manifest: %w", rerr)
		}
	}
	return nil
}

// AutosaveCrashSnapshot writes the in-memory sketchbook next to the backups
// without touching the manifest and returns the snapshot path.
func AutosaveCrashSnapshot(h *Handle) (string, error) {
	if h == nil {
		return "", errors.New("nil Handle")
	}
	data, err := marshalManifest(h.Sketchbook)
	if err != nil {
		return "", err
	}
	bdir := filepath.Join(h.Root, BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backups dir: %w", err)
	}
	path := filepath.Join(bdir, fmt.Sprintf("%s.%s.crash", ManifestFileName, time.Now().Format(backupStamp)))
	if err := writeFileSync(path, data); err != nil {
		return "", fmt.Errorf("write crash snapshot: %w", err)
	}
	return path, nil
}

// writeFileSync writes data to a file, ensures it is flushed to disk.
func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// copyFile copies a file from src to dst (overwrites dst if exists).
func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}

// listBackups returns manifest backups oldest first.
func listBackups(bdir string) ([]string, error) {
	ents, err := os.ReadDir(bdir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, ManifestFileName+".") && strings.HasSuffix(name, ".bak") {
			out = append(out, filepath.Join(bdir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func pruneBackups(bdir string, keep int) {
	all, err := listBackups(bdir)
	if err != nil || len(all) <= keep {
		return
	}
	for _, p := range all[:len(all)-keep] {
		_ = os.Remove(p)
	}
}

// openFromLatestBackup returns the newest backup that parses and validates.
func openFromLatestBackup(root string) (domain.Sketchbook, error) {
	candidates, err := listBackups(filepath.Join(root, BackupsDirName))
	if err != nil {
		return domain.Sketchbook{}, fmt.Errorf("read backups dir: %w", err)
	}
	if len(candidates) == 0 {
		return domain.Sketchbook{}, fmt.Errorf("no backups found: %w", os.ErrNotExist)
	}
	var lastErr error
	for i := len(candidates) - 1; i >= 0; i-- {
		sb, err := readManifest(candidates[i])
		if err == nil {
			return sb, nil
		}
		lastErr = err
	}
	return domain.Sketchbook{}, fmt.Errorf("no usable backup: %w", lastErr)
}
