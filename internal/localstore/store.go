// Package localstore wraps the local filesystem primitives the relay needs
// behind go-billy: collision-free naming, moves that preserve relative paths,
// empty-directory pruning and filtered listings.
package localstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// maxSuffix bounds the numeric suffix search for a free name.
const maxSuffix = 100000

var ErrNoFreeName = errors.New("localstore: no free name")

type Store struct {
	fs billy.Filesystem
}

func New(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// NewOS acts on native absolute paths.
func NewOS() *Store {
	return New(osfs.New("/"))
}

func (s *Store) FS() billy.Filesystem {
	return s.fs
}

func (s *Store) MkdirAll(dir string) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("localstore: mkdirall %q: %w", dir, err)
	}
	return nil
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) (bool, error) {
	_, err := s.fs.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("localstore: stat %q: %w", path, err)
	}
}

func (s *Store) Size(path string) (int64, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("localstore: stat %q: %w", path, err)
	}
	return info.Size(), nil
}

func (s *Store) Open(path string) (billy.File, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %q: %w", path, err)
	}
	return f, nil
}

// Rewrite truncates an existing path for a fresh write.
func (s *Store) Rewrite(path string) (billy.File, error) {
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localstore: rewrite %q: %w", path, err)
	}
	return f, nil
}

func (s *Store) Remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localstore: remove %q: %w", path, err)
	}
	return nil
}

func (s *Store) RemoveAll(path string) error {
	if err := util.RemoveAll(s.fs, path); err != nil {
		return fmt.Errorf("localstore: removeall %q: %w", path, err)
	}
	return nil
}

func (s *Store) WriteFile(path string, data []byte) error {
	if err := s.MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	if err := util.WriteFile(s.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("localstore: writefile %q: %w", path, err)
	}
	return nil
}

func (s *Store) ReadFile(path string) ([]byte, error) {
	data, err := util.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("localstore: readfile %q: %w", path, err)
	}
	return data, nil
}

// Append opens path for appending, creating it and its directory.
func (s *Store) Append(path string) (io.WriteCloser, error) {
	if err := s.MkdirAll(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localstore: append %q: %w", path, err)
	}
	return f, nil
}

// CreateUnique creates a new file for name inside dir. When name is taken the
// stem gets _1, _2, ... until an exclusive create succeeds; existing files are
// never opened.
func (s *Store) CreateUnique(dir, name string) (billy.File, string, error) {
	if err := s.MkdirAll(dir); err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i <= maxSuffix; i++ {
		candidate := filepath.Join(dir, suffixed(stem, ext, i))
		f, err := s.fs.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !os.IsExist(err) && !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("localstore: create %q: %w", candidate, err)
		}
	}
	return nil, "", fmt.Errorf("%w: %s in %s", ErrNoFreeName, name, dir)
}

// FreePath returns the first unused suffixed path for name inside dir.
func (s *Store) FreePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i <= maxSuffix; i++ {
		candidate := filepath.Join(dir, suffixed(stem, ext, i))
		exists, err := s.Exists(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNoFreeName, name, dir)
}

func suffixed(stem, ext string, i int) string {
	if i == 0 {
		return stem + ext
	}
	return stem + "_" + strconv.Itoa(i) + ext
}

// MoveUnique moves path into destDir keeping its base name, suffixed when the
// name is taken.
func (s *Store) MoveUnique(path, destDir string) (string, error) {
	if err := s.MkdirAll(destDir); err != nil {
		return "", err
	}
	dest, err := s.FreePath(destDir, filepath.Base(path))
	if err != nil {
		return "", err
	}
	if err := s.fs.Rename(path, dest); err != nil {
		return "", fmt.Errorf("localstore: move %q -> %q: %w", path, dest, err)
	}
	return dest, nil
}

// MoveUnder moves path from below root to the same relative location below
// destRoot, then prunes directories emptied by the move up to root.
func (s *Store) MoveUnder(path, root, destRoot string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("localstore: %q is not below %q", path, root)
	}
	target := filepath.Join(destRoot, rel)
	if err := s.MkdirAll(filepath.Dir(target)); err != nil {
		return "", err
	}
	dest, err := s.FreePath(filepath.Dir(target), filepath.Base(target))
	if err != nil {
		return "", err
	}
	if err := s.fs.Rename(path, dest); err != nil {
		return "", fmt.Errorf("localstore: move %q -> %q: %w", path, dest, err)
	}
	s.PruneEmptyDirs(filepath.Dir(path), root)
	return dest, nil
}

// PruneEmptyDirs removes dir and its parents while they are empty, stopping
// at limit (never removed).
func (s *Store) PruneEmptyDirs(dir, limit string) {
	limit = filepath.Clean(limit)
	for cur := filepath.Clean(dir); cur != limit; cur = filepath.Dir(cur) {
		rel, err := filepath.Rel(limit, cur)
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		entries, err := s.fs.ReadDir(cur)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := s.fs.Remove(cur); err != nil {
			return
		}
	}
}

// ClearDir removes every entry inside dir and keeps dir itself.
func (s *Store) ClearDir(dir string) error {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("localstore: readdir %q: %w", dir, err)
	}
	var errs []error
	for _, entry := range entries {
		if err := util.RemoveAll(s.fs, filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListDir returns the names of direct children of dir matching one of exts
// (case-insensitive; empty exts match all files), sorted.
func (s *Store) ListDir(dir string, exts ...string) ([]string, error) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("localstore: readdir %q: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !MatchExt(entry.Name(), exts) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Subdirs lists direct child directories of dir, sorted.
func (s *Store) Subdirs(dir string) ([]string, error) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("localstore: readdir %q: %w", dir, err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Walk lists files below root matching exts, sorted by full path.
func (s *Store) Walk(root string, exts ...string) ([]string, error) {
	if ok, err := s.Exists(root); err != nil || !ok {
		return nil, err
	}
	var files []string
	err := util.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && MatchExt(info.Name(), exts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: walk %q: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// MatchExt reports whether name ends with one of exts, ignoring case. Each
// ext may be given with or without the leading dot.
func MatchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
