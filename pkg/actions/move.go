package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func (e *Executor) move(ctx context.Context, src, destDir string, overwrite bool) (string, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return "", missingOr(err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}
	if samePath(filepath.Dir(src), destDir) {
		return "", skipped("already in destination")
	}

	target, err := reserve(destDir, filepath.Base(src), info.IsDir(), overwrite)
	if err != nil {
		return "", err
	}
	if err := relocate(ctx, src, target, info); err != nil {
		if !overwrite {
			release(target)
		}
		return "", fmt.Errorf("failed to move to %s: %w", target, err)
	}
	return target, nil
}

func (e *Executor) copy(ctx context.Context, src, destDir string, overwrite bool) (string, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return "", missingOr(err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}
	if samePath(filepath.Dir(src), destDir) {
		return "", skipped("destination is the source directory")
	}

	target, err := reserve(destDir, filepath.Base(src), info.IsDir(), overwrite)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		err = copyTree(ctx, src, target)
	} else {
		err = copyInto(ctx, src, target, info)
	}
	if err != nil {
		if !overwrite {
			os.RemoveAll(target)
		}
		return "", fmt.Errorf("failed to copy to %s: %w", target, err)
	}
	return target, nil
}

func (e *Executor) rename(ctx context.Context, path, pattern string, overwrite bool) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", missingOr(err)
	}

	base := filepath.Base(path)
	newName := ExpandName(pattern, base, info.ModTime())
	switch {
	case newName == "" || newName == "." || newName == "..":
		return "", fmt.Errorf("pattern %q produced an invalid name", pattern)
	case strings.ContainsAny(newName, `/\`):
		return "", fmt.Errorf("pattern %q produced a path, not a name", pattern)
	case newName == base:
		return "", skipped("name unchanged")
	}

	target, err := reserve(filepath.Dir(path), newName, info.IsDir(), overwrite)
	if err != nil {
		return "", err
	}
	if err := relocate(ctx, path, target, info); err != nil {
		if !overwrite {
			release(target)
		}
		return "", fmt.Errorf("failed to rename to %s: %w", target, err)
	}
	return target, nil
}

// ExpandName fills {name} (base name without extension), {ext} (extension
// without the dot) and {date} (modification date, YYYY-MM-DD).
func ExpandName(pattern, base string, mod time.Time) string {
	stem, ext := splitName(base)
	ext = strings.TrimPrefix(ext, ".")
	out := strings.NewReplacer(
		"{name}", stem,
		"{ext}", ext,
		"{date}", mod.Format("2006-01-02"),
	).Replace(pattern)
	if ext == "" {
		out = strings.TrimSuffix(out, ".")
	}
	return out
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}

func missingOr(err error) error {
	if os.IsNotExist(err) {
		return skipped("source missing")
	}
	return err
}
