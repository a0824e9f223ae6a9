// Package tableio reads and writes the tab-separated tables exchanged with the
// pipeline. Paths ending in .gz or .zst are compressed transparently.
package tableio

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// closers run in order; the first error wins.
type closers []func() error

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type readCloser struct {
	io.Reader
	closers
}

type writeCloser struct {
	io.Writer
	closers
}

// Open opens path for reading, decompressing by extension.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("gzip: failed to create reader for %s: %w", path, err)
		}
		return &readCloser{Reader: gz, closers: closers{gz.Close, f.Close}}, nil
	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd: failed to create reader for %s: %w", path, err)
		}
		return &readCloser{Reader: dec, closers: closers{func() error { dec.Close(); return nil }, f.Close}}, nil
	default:
		return f, nil
	}
}

// Create creates path for writing, compressing by extension. Close flushes the
// compressor before closing the file.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		gz := gzip.NewWriter(f)
		return &writeCloser{Writer: gz, closers: closers{gz.Close, f.Close}}, nil
	case strings.HasSuffix(path, ".zst"):
		enc, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd: failed to create writer for %s: %w", path, err)
		}
		return &writeCloser{Writer: enc, closers: closers{enc.Close, f.Close}}, nil
	default:
		return f, nil
	}
}
