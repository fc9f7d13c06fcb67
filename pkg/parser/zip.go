package parser

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// zipStream parses the first data-bearing member of an archive. Hospitals
// typically zip a single charge file; additional members are ignored.
type zipStream struct {
	inner Stream
	rc    io.ReadCloser
	done  bool
}

func newZIPStream(ra io.ReaderAt, size int64) (*zipStream, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	member := pickMember(zr.File)
	if member == nil {
		return nil, fmt.Errorf("archive has no parseable member")
	}

	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive member %q: %w", member.Name, err)
	}

	inner, err := Open(rc, Options{Filename: member.Name})
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("parse archive member %q: %w", member.Name, err)
	}
	return &zipStream{inner: inner, rc: rc}, nil
}

// pickMember prefers members with a known data extension, falling back to
// the first non-directory entry.
func pickMember(files []*zip.File) *zip.File {
	var fallback *zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || strings.HasPrefix(filepath.Base(f.Name), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".csv", ".json", ".xml", ".xlsx", ".tsv":
			return f
		}
		if fallback == nil {
			fallback = f
		}
	}
	return fallback
}

func (s *zipStream) Next() (*RawRecord, error) {
	if s.done {
		return nil, io.EOF
	}
	rec, err := s.inner.Next()
	if err == io.EOF {
		s.done = true
		s.rc.Close()
	}
	return rec, err
}

func (s *zipStream) Skipped() int {
	return s.inner.Skipped()
}
