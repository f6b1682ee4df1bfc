//go:build linux || darwin

// Package guestmem provides host-backed guest RAM for loading boot
// artifacts.
package guestmem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/bootload/internal/hv"
)

// Config describes the guest RAM to create.
type Config struct {
	Arch hv.CpuArchitecture
	Base uint64
	Size uint64

	// PageSize defaults to the host page size and must be a multiple of it.
	PageSize uint64

	// Deferred leaves allocated pages unmapped until MapDeferred is called.
	Deferred bool
}

// Memory is an anonymous shared mapping presented as guest RAM. It
// implements hv.MemoryManager and hv.CacheController.
type Memory struct {
	space    *hv.AddressSpace
	pageSize uint64
	deferred bool
	mem      []byte

	mu     sync.RWMutex
	mapped []bool

	maintained atomic.Uint64
}

// New maps cfg.Size bytes of host memory for the guest.
func New(cfg Config) (*Memory, error) {
	hostPage := uint64(unix.Getpagesize())
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = hostPage
	}
	if pageSize%hostPage != 0 {
		return nil, fmt.Errorf("guestmem: page size %#x is not a multiple of the host page size %#x", pageSize, hostPage)
	}
	space, err := hv.NewAddressSpace(cfg.Arch, cfg.Base, cfg.Size, pageSize)
	if err != nil {
		return nil, fmt.Errorf("guestmem: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, int(cfg.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %#x bytes: %w", cfg.Size, err)
	}

	return &Memory{
		space:    space,
		pageSize: pageSize,
		deferred: cfg.Deferred,
		mem:      mem,
		mapped:   make([]bool, cfg.Size/pageSize),
	}, nil
}

// Close unmaps guest RAM. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// VM wraps the memory into a hv.VirtualMachine with the given entry point.
func (m *Memory) VM(entry uint64) hv.VirtualMachine {
	return hv.SimpleVM{
		Arch:     m.space.Architecture(),
		Entry:    entry,
		Mem:      m,
		CacheCtl: m,
	}
}

func (m *Memory) PageSize() uint64    { return m.pageSize }
func (m *Memory) DefersMapping() bool { return m.deferred }
func (m *Memory) RAM() hv.GuestRange  { return m.space.RAM() }

// Allocations returns the merged list of allocated ranges.
func (m *Memory) Allocations() []hv.GuestRange { return m.space.Allocations() }

// Maintained returns how many pages have been cleaned and invalidated.
func (m *Memory) Maintained() uint64 { return m.maintained.Load() }

func (m *Memory) pages(r hv.GuestRange) (first, last uint64) {
	ram := m.space.RAM()
	first = (r.Start - ram.Start) / m.pageSize
	last = (hv.AlignUp(r.End(), m.pageSize) - ram.Start) / m.pageSize
	return first, last
}

func (m *Memory) MarkAllocated(r hv.GuestRange) error {
	if err := m.space.MarkAllocated(r); err != nil {
		return err
	}
	if !m.deferred {
		m.setMapped(r)
	}
	return nil
}

func (m *Memory) MapDeferred(r hv.GuestRange) error {
	if !m.space.IsAllocated(r) {
		return fmt.Errorf("guestmem: map %s: %w", r, hv.ErrRangeNotAllocated)
	}
	m.setMapped(r)
	return nil
}

func (m *Memory) setMapped(r hv.GuestRange) {
	first, last := m.pages(r)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := first; i < last; i++ {
		m.mapped[i] = true
	}
}

func (m *Memory) isMapped(page uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem != nil && m.mapped[page]
}

func (m *Memory) WriteThrough(r hv.GuestRange, fn func(hv.Chunk) hv.ChunkResult) error {
	if r.Size == 0 {
		return nil
	}
	ram := m.space.RAM()
	if r.End() < r.Start || !ram.Contains(r) {
		return fmt.Errorf("guestmem: write %s: %w", r, hv.ErrRangeOutsideRAM)
	}
	if !m.space.IsAllocated(r) {
		return fmt.Errorf("guestmem: write %s: %w", r, hv.ErrRangeNotAllocated)
	}

	for addr := r.Start; addr < r.End(); {
		page := (addr - ram.Start) / m.pageSize
		end := min(ram.Start+(page+1)*m.pageSize, r.End())
		if !m.isMapped(page) {
			return fmt.Errorf("guestmem: write %#x: %w", addr, hv.ErrPageNotMapped)
		}

		off := addr - ram.Start
		dest := m.mem[off : off+(end-addr)]
		chunk := hv.Chunk{
			Dest:   dest,
			Offset: addr - r.Start,
			Addr:   addr,
			Host:   uintptr(unsafe.Pointer(&dest[0])),
		}
		if res := fn(chunk); !res.OK() {
			return &hv.ChunkError{Chunk: chunk, Result: res}
		}
		addr = end
	}
	return nil
}

func (m *Memory) hostBase() uintptr {
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

// PageReference returns the mapped guest page containing host.
func (m *Memory) PageReference(host uintptr) (hv.PageRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mem == nil {
		return hv.PageRef{}, false
	}
	base := m.hostBase()
	if host < base || host >= base+uintptr(len(m.mem)) {
		return hv.PageRef{}, false
	}
	off := uint64(host-base) &^ (m.pageSize - 1)
	if !m.mapped[off/m.pageSize] {
		return hv.PageRef{}, false
	}
	return hv.PageRef{
		Host: base + uintptr(off),
		Addr: m.space.RAM().Start + off,
		Size: m.pageSize,
	}, true
}

// CleanInvalidate writes the page back and drops cached copies. msync with
// MS_INVALIDATE is the host-side equivalent of a data cache clean and
// invalidate by VA.
func (m *Memory) CleanInvalidate(ref hv.PageRef) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mem == nil {
		return fmt.Errorf("guestmem: clean page %#x: memory closed", ref.Addr)
	}
	base := m.hostBase()
	if ref.Host < base || ref.Host+uintptr(ref.Size) > base+uintptr(len(m.mem)) || ref.Size == 0 {
		return fmt.Errorf("guestmem: clean page %#x: reference outside guest RAM", ref.Addr)
	}
	off := uint64(ref.Host - base)
	if err := unix.Msync(m.mem[off:off+ref.Size], unix.MS_SYNC|unix.MS_INVALIDATE); err != nil {
		return fmt.Errorf("guestmem: msync page %#x: %w", ref.Addr, err)
	}
	m.maintained.Add(1)
	return nil
}

// ReadAt copies guest memory starting at guest-physical address off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ram := m.space.RAM()
	r := hv.GuestRange{Start: uint64(off), Size: uint64(len(p))}
	if off < 0 || m.mem == nil || !ram.Contains(r) {
		return 0, fmt.Errorf("guestmem: read %s: %w", r, hv.ErrRangeOutsideRAM)
	}
	return copy(p, m.mem[r.Start-ram.Start:]), nil
}

var (
	_ hv.MemoryManager   = &Memory{}
	_ hv.CacheController = &Memory{}
)
