// Package objstore stores downloaded transparency files and export
// artifacts in S3-compatible object storage.
package objstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"
)

// ObjectStorage is the blob interface the download, parse and export stages
// work against.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// FileKey builds the deterministic storage key for a downloaded
// transparency file. Re-downloads of the same file on the same day
// overwrite rather than accumulate.
func FileKey(hospitalID, fileID uint, filename string, at time.Time) string {
	name := path.Base(filename)
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return fmt.Sprintf("hospitals/%d/files/%d/%s/%s",
		hospitalID, fileID, at.UTC().Format("2006-01-02"), name)
}

// ExportKey builds the storage key for a price export artifact.
func ExportKey(hospitalID uint, format string, at time.Time) string {
	return fmt.Sprintf("exports/%d/prices-%s.%s",
		hospitalID, at.UTC().Format("20060102T150405Z"), format)
}
