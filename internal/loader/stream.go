package loader

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/bootload/internal/hv"
	"github.com/tinyrange/bootload/internal/image"
	"github.com/tinyrange/bootload/internal/source"
)

// Request describes one artifact placement. It is built once the artifact has
// been classified and its load address resolved.
type Request struct {
	Artifact string
	Role     image.Role
	Format   image.Format
	Base     uint64
	Load     uint64
}

// Placement is where an artifact ended up in guest-physical memory.
type Placement struct {
	LoadPaddr uint64
	Size      uint64
}

func (p Placement) Range() hv.GuestRange {
	return hv.GuestRange{Start: p.LoadPaddr, Size: p.Size}
}

// Stream copies all of src into guest memory at req.Load.
//
// The page-rounded range is marked allocated, mapped if the memory manager
// defers mapping, and then filled one chunk at a time. On architectures with
// incoherent instruction caches every chunk is cleaned and invalidated right
// after it is written. Nothing is retried.
//
// Stream does not serialise against other loads; callers must not stream
// into overlapping ranges concurrently.
func Stream(vm hv.VirtualMachine, src io.ReadSeeker, req Request) (Placement, error) {
	fail := func(kind Kind, offset int64, err error) (Placement, error) {
		return Placement{}, &Error{
			Kind:       kind,
			Artifact:   req.Artifact,
			Format:     req.Format,
			Classified: true,
			Offset:     offset,
			Err:        err,
		}
	}

	if vm == nil || vm.Memory() == nil {
		return fail(ErrInvalidArgument, -1, errors.New("stream requires a virtual machine with memory"))
	}
	if src == nil {
		return fail(ErrInvalidArgument, -1, errors.New("stream requires a source"))
	}
	mem := vm.Memory()

	var cache hv.CacheController
	if vm.Architecture().NeedsCacheMaintenance() {
		cache = vm.Cache()
		if cache == nil {
			return fail(ErrInvalidArgument, -1,
				fmt.Errorf("%s requires cache maintenance but the VM has no cache controller", vm.Architecture()))
		}
	}

	size, err := source.Size(src)
	if err != nil {
		return fail(ErrArtifactUnreadable, -1, err)
	}
	if size == 0 {
		return fail(ErrEmptyArtifact, -1, nil)
	}
	length := uint64(size)

	allocSize := hv.AlignUp(length, mem.PageSize())
	if allocSize < length || req.Load > ^uint64(0)-allocSize {
		return fail(ErrAllocationFailed, -1,
			fmt.Errorf("%d bytes at %#x wrap the guest address space", length, req.Load))
	}
	alloc := hv.GuestRange{Start: req.Load, Size: allocSize}
	if err := mem.MarkAllocated(alloc); err != nil {
		return fail(ErrAllocationFailed, -1, err)
	}
	if mem.DefersMapping() {
		if err := mem.MapDeferred(alloc); err != nil {
			return fail(ErrDeferredMappingFailed, -1, err)
		}
	}

	w := chunkWriter{src: src, cache: cache}
	if err := mem.WriteThrough(hv.GuestRange{Start: req.Load, Size: length}, w.write); err != nil {
		var ce *hv.ChunkError
		if !errors.As(err, &ce) {
			if errors.Is(err, hv.ErrPageNotMapped) {
				return fail(ErrDeferredMappingFailed, -1, err)
			}
			return fail(ErrAllocationFailed, -1, err)
		}
		offset := int64(ce.Chunk.Offset)
		switch ce.Result.Status {
		case hv.ChunkShortRead, hv.ChunkReadFailed:
			return fail(ErrTruncatedRead, offset,
				fmt.Errorf("read %d of %d bytes: %w", ce.Result.N, len(ce.Chunk.Dest), err))
		case hv.ChunkCacheTargetMissing:
			return fail(ErrCacheMaintenanceTargetMissing, offset, err)
		case hv.ChunkCacheFailed:
			return fail(ErrCacheMaintenanceFailed, offset, err)
		default:
			return fail(ErrArtifactUnreadable, offset, err)
		}
	}

	return Placement{LoadPaddr: req.Load, Size: length}, nil
}

type chunkWriter struct {
	src   io.Reader
	cache hv.CacheController
}

func (w chunkWriter) write(c hv.Chunk) hv.ChunkResult {
	n, err := io.ReadFull(w.src, c.Dest)
	if n != len(c.Dest) {
		status := hv.ChunkShortRead
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			status = hv.ChunkReadFailed
		}
		return hv.ChunkResult{Status: status, N: n, Err: err}
	}

	if w.cache != nil {
		ref, ok := w.cache.PageReference(c.Host)
		if !ok {
			return hv.ChunkResult{
				Status: hv.ChunkCacheTargetMissing,
				N:      n,
				Err:    fmt.Errorf("no page for host address %#x", c.Host),
			}
		}
		if err := w.cache.CleanInvalidate(ref); err != nil {
			return hv.ChunkResult{Status: hv.ChunkCacheFailed, N: n, Err: err}
		}
	}
	return hv.ChunkResult{Status: hv.ChunkWritten, N: n}
}
