package actions

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// archive zips path into dest. A dest ending in .zip names the archive
// file; otherwise dest is a directory and the archive is "<base>.zip".
// The source is left in place.
func (e *Executor) archive(ctx context.Context, path, dest string, overwrite bool) (string, error) {
	if _, err := os.Lstat(path); err != nil {
		return "", missingOr(err)
	}

	dir, name := dest, filepath.Base(path)+".zip"
	if strings.EqualFold(filepath.Ext(dest), ".zip") {
		dir, name = filepath.Dir(dest), filepath.Base(dest)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}

	target, err := reserve(dir, name, false, overwrite)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".hazelnut-*.zip")
	if err != nil {
		if !overwrite {
			release(target)
		}
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	tmpName := tmp.Name()

	err = writeZip(ctx, tmp, path)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, target)
	}
	if err != nil {
		os.Remove(tmpName)
		if !overwrite {
			release(target)
		}
		return "", fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return target, nil
}

func writeZip(ctx context.Context, w io.Writer, src string) error {
	zw := zip.NewWriter(w)
	parent := filepath.Dir(src)

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := context.Cause(ctx); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		header.Method = zip.Deflate

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, &ctxReader{ctx: ctx, r: f})
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
