// Package archive turns a drop folder of zip archives into a flat folder of
// files ready to send.
package archive

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

const zipExt = ".zip"

var ErrUnsafeEntry = errors.New("archive: entry escapes extraction root")

// Summary reports one ExtractAll pass.
type Summary struct {
	Archives int
	// Files are the flattened paths placed in the destination.
	Files []string
	// Failed names archives or paths that could not be handled.
	Failed []string
	// Cleared is set when the source folder was emptied.
	Cleared bool
}

func (s Summary) OK() bool {
	return len(s.Failed) == 0
}

// Extractor unpacks archives through a localstore.Store.
type Extractor struct {
	store *localstore.Store
	// Extensions selects the files kept after extraction. Empty keeps all.
	Extensions []string
	// MaxDepth bounds nested archive recursion.
	MaxDepth int
}

func NewExtractor(store *localstore.Store, extensions []string) *Extractor {
	return &Extractor{store: store, Extensions: extensions, MaxDepth: 8}
}

// ExtractAll extracts every archive directly inside srcDir (nested archives
// included) into a temporary folder under destDir, moves the matching files
// to destDir itself with collision-free names and removes the temporary
// folder. Subfolders already present in destDir are flattened the same way.
// srcDir is emptied only when every step succeeded.
func (x *Extractor) ExtractAll(srcDir, destDir string) (Summary, error) {
	var sum Summary
	if err := x.store.MkdirAll(destDir); err != nil {
		return sum, err
	}
	archives, err := x.store.ListDir(srcDir, zipExt)
	if err != nil {
		return sum, err
	}
	sum.Archives = len(archives)

	for _, name := range archives {
		src := filepath.Join(srcDir, name)
		tmp := filepath.Join(destDir, strings.TrimSuffix(name, filepath.Ext(name)))
		if err := x.store.RemoveAll(tmp); err != nil {
			log.Warn().Err(err).Str("dir", tmp).Msg("archive.Extractor stale temp not removed")
		}
		if err := x.extract(src, tmp, 0); err != nil {
			log.Error().Err(err).Str("archive", src).Msg("archive.Extractor extract failed")
			sum.Failed = append(sum.Failed, src)
		} else {
			log.Info().Str("archive", name).Msg("archive.Extractor extracted")
		}
		x.flatten(tmp, destDir, &sum)
	}

	subdirs, err := x.store.Subdirs(destDir)
	if err != nil {
		return sum, err
	}
	for _, dir := range subdirs {
		x.flatten(dir, destDir, &sum)
	}

	if sum.Archives > 0 {
		if sum.OK() {
			if err := x.store.ClearDir(srcDir); err != nil {
				return sum, err
			}
			sum.Cleared = true
		} else {
			log.Warn().Strs("failed", sum.Failed).Str("dir", srcDir).Msg("archive.Extractor source kept for inspection")
		}
	}
	return sum, nil
}

// extract unpacks src into dir, then recurses into archives found there.
func (x *Extractor) extract(src, dir string, depth int) error {
	if x.MaxDepth > 0 && depth > x.MaxDepth {
		return fmt.Errorf("archive: %s nested deeper than %d", src, x.MaxDepth)
	}
	if err := x.unzip(src, dir); err != nil {
		return err
	}
	nested, err := x.store.Walk(dir, zipExt)
	if err != nil {
		return err
	}
	for _, inner := range nested {
		if ok, err := x.store.Exists(inner); err != nil || !ok {
			continue
		}
		target := strings.TrimSuffix(inner, filepath.Ext(inner))
		if err := x.extract(inner, target, depth+1); err != nil {
			return err
		}
		if err := x.store.Remove(inner); err != nil {
			return err
		}
	}
	return nil
}

func (x *Extractor) unzip(src, dir string) error {
	f, err := x.store.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	size, err := x.store.Size(src)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return fmt.Errorf("archive: read %s: %w", src, err)
	}
	if err := x.store.MkdirAll(dir); err != nil {
		return err
	}
	for _, entry := range zr.File {
		target, err := entryPath(dir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := x.store.MkdirAll(target); err != nil {
				return err
			}
			continue
		}
		if err := x.writeEntry(entry, target); err != nil {
			return fmt.Errorf("archive: %s: %s: %w", src, entry.Name, err)
		}
	}
	return nil
}

func (x *Extractor) writeEntry(entry *zip.File, target string) error {
	if err := x.store.MkdirAll(filepath.Dir(target)); err != nil {
		return err
	}
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := x.store.Rewrite(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// entryPath joins name below dir and rejects names that would leave it.
func entryPath(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return filepath.Join(dir, clean), nil
}

// flatten moves matching files below dir into destDir and removes dir.
func (x *Extractor) flatten(dir, destDir string, sum *Summary) {
	files, err := x.store.Walk(dir, x.Extensions...)
	if err != nil {
		sum.Failed = append(sum.Failed, dir)
		log.Error().Err(err).Str("dir", dir).Msg("archive.Extractor walk failed")
		return
	}
	for _, file := range files {
		dest, err := x.store.MoveUnique(file, destDir)
		if err != nil {
			sum.Failed = append(sum.Failed, file)
			log.Error().Err(err).Str("file", file).Msg("archive.Extractor move failed")
			continue
		}
		sum.Files = append(sum.Files, dest)
	}
	if err := x.store.RemoveAll(dir); err != nil {
		sum.Failed = append(sum.Failed, dir)
		log.Warn().Err(err).Str("dir", dir).Msg("archive.Extractor temp not removed")
	}
}
