//go:build linux

package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapAllocator backs every region with its own anonymous, pre-faulted
// mapping. Pinned regions are additionally locked into memory.
type MmapAllocator struct {
	registry
	pageSize int
}

var _ Allocator = (*MmapAllocator)(nil)

// NewMmapAllocator returns an allocator that refuses to have more than
// limit bytes in use at once. A limit of 0 disables the check.
func NewMmapAllocator(limit int) *MmapAllocator {
	return &MmapAllocator{
		registry: newRegistry(limit),
		pageSize: unix.Getpagesize(),
	}
}

func (a *MmapAllocator) Allocate(tag string, size, align int) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	paddr, err := a.reserve(size, align)
	if err != nil {
		return nil, err
	}
	length := int(alignUp(uint64(size), uint64(a.pageSize)))
	m, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %q (%d bytes): %v", ErrNoMemory, tag, length, err)
	}
	r := &Region{tag: tag, paddr: paddr, buf: m[:size:size], mapping: m}
	a.insert(r)
	return r, nil
}

func (a *MmapAllocator) Release(r *Region) error {
	if r == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.remove(r); err != nil {
		return err
	}
	if r.pinned {
		// Munmap drops the lock anyway; this only reports failures early.
		_ = unix.Munlock(r.mapping)
		r.pinned = false
	}
	if err := unix.Munmap(r.mapping); err != nil {
		return fmt.Errorf("munmap %q: %w", r.tag, err)
	}
	r.buf, r.mapping = nil, nil
	return nil
}

func (a *MmapAllocator) Pin(r *Region) error {
	if r.parent != nil {
		return ErrSubRegion
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.pinned {
		return nil
	}
	if err := unix.Mlock(r.mapping); err != nil {
		return fmt.Errorf("mlock %q: %w", r.tag, err)
	}
	r.pinned = true
	return nil
}
