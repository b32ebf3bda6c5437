package actions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
)

// trashLocation returns the trash root and whether it uses the XDG layout
// (files/ + info/*.trashinfo).
func (e *Executor) trashLocation() (string, bool, error) {
	if e.opts.TrashDir != "" {
		return e.opts.TrashDir, true, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("cannot locate trash: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, ".Trash"), false, nil
	}
	if data := os.Getenv("XDG_DATA_HOME"); data != "" {
		return filepath.Join(data, "Trash"), true, nil
	}
	return filepath.Join(home, ".local", "share", "Trash"), true, nil
}

func (e *Executor) trash(ctx context.Context, path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", missingOr(err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	root, xdg, err := e.trashLocation()
	if err != nil {
		return "", err
	}

	if !xdg {
		if err := os.MkdirAll(root, 0700); err != nil {
			return "", fmt.Errorf("failed to create trash: %w", err)
		}
		target, err := reserve(root, filepath.Base(abs), info.IsDir(), false)
		if err != nil {
			return "", err
		}
		if err := relocate(ctx, abs, target, info); err != nil {
			release(target)
			return "", fmt.Errorf("failed to move to trash: %w", err)
		}
		return target, nil
	}

	filesDir := filepath.Join(root, "files")
	infoDir := filepath.Join(root, "info")
	for _, dir := range []string{filesDir, infoDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("failed to create trash: %w", err)
		}
	}

	name, infoFile, err := reserveTrashName(filesDir, infoDir, filepath.Base(abs))
	if err != nil {
		return "", err
	}

	record := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		(&url.URL{Path: abs}).EscapedPath(),
		e.opts.Now().Format("2006-01-02T15:04:05"))
	if err := os.WriteFile(infoFile, []byte(record), 0600); err != nil {
		os.Remove(infoFile)
		return "", fmt.Errorf("failed to write trash info: %w", err)
	}

	target := filepath.Join(filesDir, name)
	if err := relocate(ctx, abs, target, info); err != nil {
		os.Remove(infoFile)
		return "", fmt.Errorf("failed to move to trash: %w", err)
	}
	return target, nil
}

// reserveTrashName claims a name that is free in both files/ and info/.
// The .trashinfo file doubles as the reservation.
func reserveTrashName(filesDir, infoDir, base string) (string, string, error) {
	for n := 0; n < maxCollisionSuffix; n++ {
		name := candidateName(base, n)
		infoFile := filepath.Join(infoDir, name+".trashinfo")
		f, err := os.OpenFile(infoFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", "", fmt.Errorf("failed to reserve trash entry: %w", err)
		}
		f.Close()
		if _, err := os.Lstat(filepath.Join(filesDir, name)); err == nil {
			os.Remove(infoFile)
			continue
		}
		return name, infoFile, nil
	}
	return "", "", fmt.Errorf("no free trash name for %s", base)
}
