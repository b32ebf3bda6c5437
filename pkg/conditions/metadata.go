package conditions

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/prismon/hazelnut/internal/models"
)

// MetadataProvider resolves the metadata the evaluator works on
type MetadataProvider interface {
	Stat(path string) (models.FileMetadata, error)
}

// OSMetadata reads metadata from the local filesystem
type OSMetadata struct{}

// Stat returns metadata for path. For a missing path the returned metadata
// still carries the name and the error is os.ErrNotExist.
func (OSMetadata) Stat(path string) (models.FileMetadata, error) {
	meta := NameOnly(path)
	info, err := os.Stat(path)
	if err != nil {
		return meta, err
	}
	meta.Exists = true
	meta.Size = info.Size()
	meta.ModTime = info.ModTime()
	meta.IsDir = info.IsDir()
	meta.Hidden = meta.Hidden || hiddenAttribute(info)
	return meta, nil
}

// NameOnly builds metadata from the path alone
func NameOnly(path string) models.FileMetadata {
	name := filepath.Base(path)
	return models.FileMetadata{
		Path:   path,
		Name:   name,
		Hidden: strings.HasPrefix(name, "."),
	}
}
