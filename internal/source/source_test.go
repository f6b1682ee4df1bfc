package source

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

type countingSource struct {
	*bytes.Reader
	closes int
}

func (c *countingSource) Close() error {
	c.closes++
	return nil
}

func TestOnceCloserClosesOnce(t *testing.T) {
	inner := &countingSource{Reader: bytes.NewReader(nil)}
	oc := NewOnceCloser(inner)
	for i := 0; i < 3; i++ {
		if err := oc.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if inner.closes != 1 {
		t.Fatalf("inner Close called %d times, want 1", inner.closes)
	}
	if again := NewOnceCloser(oc); again != oc {
		t.Fatalf("NewOnceCloser wrapped an existing OnceCloser")
	}
}

func TestSizeRewinds(t *testing.T) {
	r := bytes.NewReader([]byte("0123456789"))
	if _, err := r.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	n, err := Size(r)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 10 {
		t.Fatalf("Size = %d, want 10", n)
	}
	b, _ := io.ReadAll(r)
	if string(b) != "0123456789" {
		t.Fatalf("read after Size = %q, want full content", b)
	}
}

func TestDirOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "kernel"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	src, err := Dir{Root: dir}.Open("kernel")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "payload" {
		t.Fatalf("content = %q, want %q", b, "payload")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDirOpenMissing(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	if _, err := d.Open("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open(missing) = %v, want fs.ErrNotExist", err)
	}
	if _, err := d.Open("../etc/passwd"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open(../etc/passwd) = %v, want fs.ErrNotExist", err)
	}
}

func TestMemoryOpen(t *testing.T) {
	m := Memory{"dtb": {0xd0, 0x0d, 0xfe, 0xed}}
	src, err := m.Open("dtb")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	n, err := Size(src)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 4 {
		t.Fatalf("Size = %d, want 4", n)
	}
	if _, err := m.Open("initrd"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open(initrd) = %v, want fs.ErrNotExist", err)
	}
}

func TestProgressPassesThrough(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 8192)
	p := Progress{Provider: Memory{"img": data}, Writer: io.Discard}
	src, err := p.Open("img")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	head := make([]byte, 64)
	if _, err := io.ReadFull(src, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(b, data) {
		t.Fatalf("progress source altered data")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Open("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Open(missing) = %v, want fs.ErrNotExist", err)
	}
}

func TestProgressTracksReadsAcrossLengthProbe(t *testing.T) {
	const size = 1 << 20
	p := Progress{Provider: Memory{"initrd": make([]byte, size)}, Writer: io.Discard}
	src, err := p.Open("initrd")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	bar := src.(*OnceCloser).Source.(*progressSource).bar

	head := make([]byte, 64)
	if _, err := io.ReadFull(src, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	if n, err := Size(src); err != nil || n != size {
		t.Fatalf("Size = %d, %v, want %d", n, err, size)
	}
	if bar.IsFinished() {
		t.Fatalf("bar finished by the length probe")
	}
	if got := bar.State().CurrentNum; got != 0 {
		t.Fatalf("CurrentNum after rewind = %d, want 0", got)
	}

	half := make([]byte, size/2)
	if _, err := io.ReadFull(src, half); err != nil {
		t.Fatalf("read half: %v", err)
	}
	if got := bar.State().CurrentNum; got != size/2 {
		t.Fatalf("CurrentNum = %d, want %d", got, size/2)
	}
	if bar.IsFinished() {
		t.Fatalf("bar finished after reading half the artifact")
	}
}
