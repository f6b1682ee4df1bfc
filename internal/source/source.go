// Package source opens boot artifacts by identifier.
package source

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Source is an open artifact. Close may be called more than once.
type Source interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Provider opens artifacts by identifier. Missing artifacts are reported
// with an error wrapping fs.ErrNotExist.
type Provider interface {
	Open(id string) (Source, error)
}

// Size returns the length of src using seek-to-end and leaves the read
// position at the start.
func Size(src io.Seeker) (int64, error) {
	end, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek to end: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind: %w", err)
	}
	return end, nil
}

// OnceCloser makes Close idempotent; later calls return the first result.
type OnceCloser struct {
	Source

	once sync.Once
	err  error
}

func NewOnceCloser(src Source) *OnceCloser {
	if oc, ok := src.(*OnceCloser); ok {
		return oc
	}
	return &OnceCloser{Source: src}
}

func (c *OnceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.Source.Close()
	})
	return c.err
}

// Dir opens artifacts as files below Root.
type Dir struct {
	Root string
}

func (d Dir) Open(id string) (Source, error) {
	if !filepath.IsLocal(id) {
		return nil, fmt.Errorf("artifact %q escapes %s: %w", id, d.Root, fs.ErrNotExist)
	}
	path := filepath.Join(d.Root, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %q: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat artifact %q: %w", id, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("artifact %q is not a regular file", id)
	}
	return NewOnceCloser(f), nil
}

// Memory serves artifacts from a map, mainly for tests and embedded blobs.
type Memory map[string][]byte

func (m Memory) Open(id string) (Source, error) {
	data, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", id, fs.ErrNotExist)
	}
	return NewOnceCloser(nopCloser{bytes.NewReader(data)}), nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

var (
	_ Provider = Dir{}
	_ Provider = Memory{}
	_ Source   = &OnceCloser{}
)
