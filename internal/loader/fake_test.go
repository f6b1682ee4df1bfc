package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/tinyrange/bootload/internal/hv"
	"github.com/tinyrange/bootload/internal/source"
)

const (
	fakePageSize = 0x1000
	fakeHostBase = 0x10000000
)

type event struct {
	Op   string
	Addr uint64
	Size uint64
}

// fakeMemory is an in-process memory manager that records every call.
type fakeMemory struct {
	ram      hv.GuestRange
	buf      []byte
	deferred bool
	events   []event

	allocErr   error
	mapErr     error
	missingRef bool
	cacheErr   error
}

func newFakeMemory(base, size uint64) *fakeMemory {
	return &fakeMemory{
		ram: hv.GuestRange{Start: base, Size: size},
		buf: make([]byte, size),
	}
}

func (m *fakeMemory) PageSize() uint64    { return fakePageSize }
func (m *fakeMemory) DefersMapping() bool { return m.deferred }

func (m *fakeMemory) MarkAllocated(r hv.GuestRange) error {
	m.events = append(m.events, event{"alloc", r.Start, r.Size})
	if m.allocErr != nil {
		return m.allocErr
	}
	if !m.ram.Contains(r) {
		return hv.ErrRangeOutsideRAM
	}
	return nil
}

func (m *fakeMemory) MapDeferred(r hv.GuestRange) error {
	m.events = append(m.events, event{"map", r.Start, r.Size})
	return m.mapErr
}

func (m *fakeMemory) WriteThrough(r hv.GuestRange, fn func(hv.Chunk) hv.ChunkResult) error {
	for addr := r.Start; addr < r.End(); {
		end := min((addr&^(fakePageSize-1))+fakePageSize, r.End())
		off := addr - m.ram.Start
		chunk := hv.Chunk{
			Dest:   m.buf[off : off+(end-addr)],
			Offset: addr - r.Start,
			Addr:   addr,
			Host:   uintptr(fakeHostBase + off),
		}
		m.events = append(m.events, event{"write", addr, end - addr})
		if res := fn(chunk); !res.OK() {
			return &hv.ChunkError{Chunk: chunk, Result: res}
		}
		addr = end
	}
	return nil
}

func (m *fakeMemory) PageReference(host uintptr) (hv.PageRef, bool) {
	if m.missingRef {
		return hv.PageRef{}, false
	}
	off := uint64(host-fakeHostBase) &^ (fakePageSize - 1)
	return hv.PageRef{Host: uintptr(fakeHostBase + off), Addr: m.ram.Start + off, Size: fakePageSize}, true
}

func (m *fakeMemory) CleanInvalidate(ref hv.PageRef) error {
	m.events = append(m.events, event{"clean", ref.Addr, ref.Size})
	return m.cacheErr
}

func (m *fakeMemory) ops() []string {
	var out []string
	for _, e := range m.events {
		out = append(out, e.Op)
	}
	return out
}

func (m *fakeMemory) read(addr, size uint64) []byte {
	off := addr - m.ram.Start
	return m.buf[off : off+size]
}

func fakeVM(arch hv.CpuArchitecture, entry uint64, mem *fakeMemory) hv.VirtualMachine {
	return hv.SimpleVM{Arch: arch, Entry: entry, Mem: mem, CacheCtl: mem}
}

// shortSource claims to be size bytes long but only holds data.
type shortSource struct {
	*bytes.Reader
	size int64
}

func (s *shortSource) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekEnd {
		return s.size + offset, nil
	}
	return s.Reader.Seek(offset, whence)
}

func (s *shortSource) Close() error { return nil }

// failingSource returns err once the read position passes failAt.
type failingSource struct {
	*bytes.Reader
	failAt int64
	err    error
}

func (s *failingSource) Read(p []byte) (int, error) {
	pos, _ := s.Reader.Seek(0, io.SeekCurrent)
	if pos >= s.failAt {
		return 0, s.err
	}
	if room := s.failAt - pos; int64(len(p)) > room {
		p = p[:room]
	}
	return s.Reader.Read(p)
}

func (s *failingSource) Close() error { return nil }

// trackingProvider counts opens and closes around another provider.
type trackingProvider struct {
	artifacts map[string]func() source.Source
	opens     int
	closes    int
	openErr   error
}

func (p *trackingProvider) Open(id string) (source.Source, error) {
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	open, ok := p.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", id, fs.ErrNotExist)
	}
	return &trackedSource{Source: open(), p: p}, nil
}

type trackedSource struct {
	source.Source
	p *trackingProvider
}

func (s *trackedSource) Close() error {
	s.p.closes++
	return s.Source.Close()
}

func bytesSource(b []byte) func() source.Source {
	return func() source.Source {
		return source.NewOnceCloser(&shortSource{Reader: bytes.NewReader(b), size: int64(len(b))})
	}
}

var errInjected = errors.New("injected failure")
