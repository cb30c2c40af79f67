// Package deploy copies, snapshots and restores the deployed file tree.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Preserve matches slash-separated paths, relative to the tree root, that an
// update must never overwrite or delete. A matched directory covers
// everything below it.
type Preserve []string

// Validate checks the glob syntax.
func (p Preserve) Validate() error {
	for _, pat := range p {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid preserve pattern %q", pat)
		}
	}
	return nil
}

// Match reports whether rel or one of its parent directories is preserved.
func (p Preserve) Match(rel string) bool {
	if len(p) == 0 || rel == "." || rel == "" {
		return false
	}
	rel = filepath.ToSlash(rel)
	for cur := rel; cur != "." && cur != ""; cur = parent(cur) {
		for _, pat := range p {
			if ok, _ := doublestar.Match(pat, cur); ok {
				return true
			}
		}
	}
	return false
}

func parent(rel string) string {
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return "."
	}
	return rel[:i]
}

// CopyTree copies src into dst, creating dst as needed. Paths matched by skip
// are left untouched in dst. Regular files, directories and symlinks are
// copied with their permission bits.
func CopyTree(ctx context.Context, src, dst string, skip Preserve) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if skip.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := removeIfExists(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and fifos are not part of a deployment.
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := removeIfExists(dst); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func removeIfExists(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// CopyMatched copies only the preserved paths of src into dst, keeping their
// relative layout. Parent directories are created as needed.
func CopyMatched(ctx context.Context, src, dst string, preserve Preserve) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || !preserve.Match(rel) {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		if d.IsDir() {
			if err := CopyTree(ctx, path, target, nil); err != nil {
				return err
			}
			return filepath.SkipDir
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

// Prune deletes everything under root that is neither preserved nor present
// at the same relative path under keep.
func Prune(ctx context.Context, root, keep string, preserve Preserve) error {
	var stale []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		if preserve.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, err := os.Lstat(filepath.Join(keep, rel)); errors.Is(err, os.ErrNotExist) {
			stale = append(stale, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Deepest first so directories are empty by the time they are removed.
	sort.Sort(sort.Reverse(sort.StringSlice(stale)))
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// Sync makes dst mirror src, leaving preserved paths in dst alone.
func Sync(ctx context.Context, src, dst string, preserve Preserve) error {
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	if err := Prune(ctx, dst, src, preserve); err != nil {
		return fmt.Errorf("prune %s: %w", dst, err)
	}
	if err := CopyTree(ctx, src, dst, preserve); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// Size returns the total size in bytes of regular files under root.
func Size(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
