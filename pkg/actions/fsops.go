package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const maxCollisionSuffix = 10000

// splitName splits "report.pdf" into "report" and ".pdf". Dotfiles without
// a further extension have no extension.
func splitName(name string) (string, string) {
	ext := filepath.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// candidateName returns name for n == 0, else "stem (n).ext"
func candidateName(name string, n int) string {
	if n == 0 {
		return name
	}
	stem, ext := splitName(name)
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}

// reserve claims a destination path in dir. Without overwrite it creates an
// exclusive placeholder (empty file, or empty directory when dir is true) at
// the first free "name", "name (1)", ... so concurrent writers never pick
// the same target. The caller renames over the placeholder or calls release.
func reserve(dir, name string, isDir, overwrite bool) (string, error) {
	if overwrite {
		return filepath.Join(dir, name), nil
	}
	for n := 0; n < maxCollisionSuffix; n++ {
		target := filepath.Join(dir, candidateName(name, n))
		var err error
		if isDir {
			err = os.Mkdir(target, 0755)
		} else {
			var f *os.File
			f, err = os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if err == nil {
				f.Close()
			}
		}
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to reserve %s: %w", target, err)
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}

func release(target string) {
	os.Remove(target)
}

// relocate moves src onto a reserved target, copying across filesystems.
// The source is only removed once the copy is complete. A directory can
// replace an empty placeholder directory but never a non-empty one, which
// os.Rename refuses, so rename(2) is called directly.
func relocate(ctx context.Context, src, target string, info fs.FileInfo) error {
	err := unix.Rename(src, target)
	if err == nil {
		return nil
	}
	err = &os.LinkError{Op: "rename", Old: src, New: target, Err: err}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if info.IsDir() {
		if err := copyTree(ctx, src, target); err != nil {
			os.RemoveAll(target)
			return err
		}
	} else if err := copyInto(ctx, src, target, info); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

// copyInto writes src to a temp file beside target and renames it into place
func copyInto(ctx context.Context, src, target string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".hazelnut-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	os.Chmod(tmpName, info.Mode().Perm())
	os.Chtimes(tmpName, time.Now(), info.ModTime())

	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	ok = true
	return nil
}

// copyTree copies the directory src into the existing or new directory dst
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := context.Cause(ctx); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyInto(ctx, path, target, info)
		default:
			return nil
		}
	})
}

// ctxReader stops a copy once its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := context.Cause(c.ctx); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
