package hv

import (
	"errors"
	"fmt"
)

var (
	ErrRangeOutsideRAM   = errors.New("guest range outside RAM")
	ErrRangeNotAllocated = errors.New("guest range not allocated")
	ErrPageNotMapped     = errors.New("guest page not mapped")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// ParseArchitecture maps a user supplied name onto a known architecture.
func ParseArchitecture(name string) (CpuArchitecture, error) {
	switch name {
	case "x86_64", "amd64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	case "riscv64":
		return ArchitectureRISCV64, nil
	}
	return ArchitectureInvalid, fmt.Errorf("unknown architecture %q", name)
}

// NeedsCacheMaintenance reports whether freshly written guest pages must be
// cleaned and invalidated before the guest may execute from them. ARM64 has
// separate instruction and data caches that are not kept coherent for us.
func (a CpuArchitecture) NeedsCacheMaintenance() bool {
	return a == ArchitectureARM64
}

// GuestRange is the half-open guest-physical range [Start, Start+Size).
type GuestRange struct {
	Start uint64
	Size  uint64
}

func (r GuestRange) End() uint64 { return r.Start + r.Size }

func (r GuestRange) Contains(other GuestRange) bool {
	return other.Start >= r.Start && other.End() <= r.End()
}

func (r GuestRange) Overlaps(other GuestRange) bool {
	return r.Start < other.End() && other.Start < r.End()
}

func (r GuestRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End())
}

// Chunk is one page-bounded piece of a WriteThrough call.
type Chunk struct {
	// Dest is the host buffer backing the chunk. Callers fill all of it.
	Dest []byte
	// Offset is the position of Dest[0] relative to the start of the range.
	Offset uint64
	// Addr is the guest-physical address of Dest[0].
	Addr uint64
	// Host is the host virtual address of Dest[0].
	Host uintptr
}

type ChunkStatus int

const (
	ChunkWritten ChunkStatus = iota
	ChunkShortRead
	ChunkReadFailed
	ChunkCacheTargetMissing
	ChunkCacheFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkWritten:
		return "written"
	case ChunkShortRead:
		return "short read"
	case ChunkReadFailed:
		return "read failed"
	case ChunkCacheTargetMissing:
		return "cache target missing"
	case ChunkCacheFailed:
		return "cache maintenance failed"
	default:
		return fmt.Sprintf("ChunkStatus(%d)", int(s))
	}
}

// ChunkResult is returned by a WriteThrough callback for every chunk.
// WriteThrough stops at the first result whose Status is not ChunkWritten.
type ChunkResult struct {
	Status ChunkStatus
	// N is the number of bytes actually placed into Dest.
	N   int
	Err error
}

func (r ChunkResult) OK() bool { return r.Status == ChunkWritten }

// ChunkError reports the chunk at which a WriteThrough call stopped.
type ChunkError struct {
	Chunk  Chunk
	Result ChunkResult
}

func (e *ChunkError) Error() string {
	msg := fmt.Sprintf("chunk at offset %#x (gpa %#x, %d bytes): %s",
		e.Chunk.Offset, e.Chunk.Addr, len(e.Chunk.Dest), e.Result.Status)
	if e.Result.Err != nil {
		msg += ": " + e.Result.Err.Error()
	}
	return msg
}

func (e *ChunkError) Unwrap() error { return e.Result.Err }

// MemoryManager owns guest RAM allocation and mapping decisions.
type MemoryManager interface {
	PageSize() uint64

	// MarkAllocated records r as in use. Marking an already allocated range
	// again succeeds.
	MarkAllocated(r GuestRange) error

	// DefersMapping reports whether pages are only mapped on MapDeferred.
	DefersMapping() bool
	MapDeferred(r GuestRange) error

	// WriteThrough invokes fn once per page-bounded chunk of r in ascending
	// address order. A non-OK result aborts the walk and is returned as a
	// *ChunkError.
	WriteThrough(r GuestRange, fn func(Chunk) ChunkResult) error
}

// PageRef identifies a host page for cache maintenance.
type PageRef struct {
	Host uintptr
	Addr uint64
	Size uint64
}

// CacheController resolves host addresses to pages and performs
// clean-and-invalidate on them.
type CacheController interface {
	PageReference(host uintptr) (PageRef, bool)
	CleanInvalidate(ref PageRef) error
}

// VirtualMachine is the subset of a VM a loader needs.
type VirtualMachine interface {
	Architecture() CpuArchitecture

	// EntryPoint is the configured entry address for raw kernels.
	EntryPoint() uint64

	Memory() MemoryManager

	// Cache may return nil on architectures without cache maintenance.
	Cache() CacheController
}

// SimpleVM wires independent collaborators together into a VirtualMachine.
type SimpleVM struct {
	Arch     CpuArchitecture
	Entry    uint64
	Mem      MemoryManager
	CacheCtl CacheController
}

func (v SimpleVM) Architecture() CpuArchitecture { return v.Arch }
func (v SimpleVM) EntryPoint() uint64            { return v.Entry }
func (v SimpleVM) Memory() MemoryManager         { return v.Mem }
func (v SimpleVM) Cache() CacheController        { return v.CacheCtl }

var (
	_ VirtualMachine = SimpleVM{}
	_ error          = &ChunkError{}
)

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
