package hv

import (
	"fmt"
	"sort"
	"sync"
)

// AddressSpace tracks which guest-physical ranges inside RAM have been handed
// out to boot artifacts.
type AddressSpace struct {
	mu sync.Mutex

	arch     CpuArchitecture
	ramBase  uint64
	ramSize  uint64
	pageSize uint64

	// allocations is kept sorted by Start with adjacent and overlapping
	// ranges merged.
	allocations []GuestRange
}

// NewAddressSpace creates an allocator for RAM at [ramBase, ramBase+ramSize).
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize, pageSize uint64) (*AddressSpace, error) {
	if ramSize == 0 {
		return nil, fmt.Errorf("address_space: RAM size must be non-zero")
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("address_space: page size %#x is not a power of 2", pageSize)
	}
	if ramBase&(pageSize-1) != 0 || ramSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("address_space: RAM [%#x, %#x) not aligned to page size %#x",
			ramBase, ramBase+ramSize, pageSize)
	}
	return &AddressSpace{
		arch:     arch,
		ramBase:  ramBase,
		ramSize:  ramSize,
		pageSize: pageSize,
	}, nil
}

// MarkAllocated records r as used. The range is widened to page boundaries.
// Re-marking an allocated range, or one overlapping it, succeeds.
func (a *AddressSpace) MarkAllocated(r GuestRange) error {
	if r.Size == 0 {
		return fmt.Errorf("address_space: cannot allocate zero-size range at %#x", r.Start)
	}
	start := alignDown(r.Start, a.pageSize)
	end := AlignUp(r.End(), a.pageSize)
	if end < start {
		return fmt.Errorf("address_space: range %s wraps the address space", r)
	}
	page := GuestRange{Start: start, Size: end - start}
	if !a.RAM().Contains(page) {
		return fmt.Errorf("address_space: range %s, RAM %s: %w", page, a.RAM(), ErrRangeOutsideRAM)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocations = append(a.allocations, page)
	sort.Slice(a.allocations, func(i, j int) bool {
		return a.allocations[i].Start < a.allocations[j].Start
	})

	merged := a.allocations[:1]
	for _, next := range a.allocations[1:] {
		last := &merged[len(merged)-1]
		if next.Start <= last.End() {
			if next.End() > last.End() {
				last.Size = next.End() - last.Start
			}
			continue
		}
		merged = append(merged, next)
	}
	a.allocations = merged
	return nil
}

// IsAllocated reports whether every byte of r lies inside one allocation.
func (a *AddressSpace) IsAllocated(r GuestRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, alloc := range a.allocations {
		if alloc.Contains(r) {
			return true
		}
	}
	return false
}

// Allocations returns a copy of the merged allocation list.
func (a *AddressSpace) Allocations() []GuestRange {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]GuestRange, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// RAM returns the RAM range.
func (a *AddressSpace) RAM() GuestRange {
	return GuestRange{Start: a.ramBase, Size: a.ramSize}
}

// PageSize returns the allocation granule.
func (a *AddressSpace) PageSize() uint64 {
	return a.pageSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// AlignUp aligns value up to the specified power of two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
