// Package dma implements hardware-addressable memory regions.
//
// A Region is a contiguous allocation with a stable bus address and a
// process-visible mapping. Every Allocator keeps a registry of the bus
// addresses it handed out so a device model can resolve them back to memory.
package dma

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/romshark/iwatrans/fault"
)

var (
	ErrNoMemory        = fmt.Errorf("dma: out of memory: %w", fault.ErrResourceExhaustion)
	ErrBadAlignment    = errors.New("dma: alignment must be a power of two")
	ErrBadSize         = errors.New("dma: size must be positive")
	ErrNotAllocated    = errors.New("dma: region not allocated by this allocator")
	ErrSubRegion       = errors.New("dma: sub-regions are released with their parent")
	ErrUnmappedAddress = errors.New("dma: bus address not mapped")
)

// busBase is the first bus address handed out. Zero stays invalid so an
// unprogrammed base register never resolves.
const busBase = 0x0010_0000

// Region is a single hardware-addressable allocation.
// Its bus address and mapping are valid until the region is released.
type Region struct {
	tag    string
	paddr  uint64
	buf    []byte
	parent *Region

	// mapping is the full backing memory, which may be larger than buf.
	mapping []byte
	pinned  bool
}

// Tag returns the allocation tag the region was created with.
func (r *Region) Tag() string { return r.tag }

// PAddr returns the bus address of the first byte of the region.
func (r *Region) PAddr() uint64 { return r.paddr }

// Bytes returns the process-visible mapping of the region.
func (r *Region) Bytes() []byte { return r.buf }

// Size returns the region size in bytes.
func (r *Region) Size() int { return len(r.buf) }

// Zero clears the region.
func (r *Region) Zero() { clear(r.buf) }

// Slice returns a view of n bytes starting at off that shares the parent's
// memory and bus address space. Slice panics if the range is out of bounds.
func (r *Region) Slice(off, n int) *Region {
	if off < 0 || n < 0 || off+n > len(r.buf) {
		panic(fmt.Sprintf("dma: slice [%d:%d] out of range for region %q of size %d",
			off, off+n, r.tag, len(r.buf)))
	}
	root := r
	if r.parent != nil {
		root = r.parent
	}
	return &Region{
		tag:    r.tag,
		paddr:  r.paddr + uint64(off),
		buf:    r.buf[off : off+n : off+n],
		parent: root,
	}
}

// Resolver maps bus addresses back to memory.
type Resolver interface {
	// Resolve returns n bytes of memory starting at bus address paddr.
	// The range must lie within a single live region.
	Resolve(paddr uint64, n int) ([]byte, error)
}

// Allocator hands out and reclaims DMA regions.
type Allocator interface {
	Resolver

	// Allocate returns a zeroed region of size bytes whose bus address is a
	// multiple of align. It returns ErrNoMemory if the request cannot be met.
	Allocate(tag string, size, align int) (*Region, error)

	// Release returns a region to the allocator. Releasing nil is a no-op.
	Release(r *Region) error

	// Pin asks the platform to keep the region resident.
	Pin(r *Region) error

	// InUse returns the number of bytes currently allocated.
	InUse() int
}

// registry assigns bus addresses and tracks live regions.
type registry struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	next    uint64
	regions []*Region // sorted by paddr
}

func newRegistry(limit int) registry {
	return registry{limit: limit, next: busBase}
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// reserve validates a request and assigns it a bus address.
// Must be called with g.mu held.
func (g *registry) reserve(size, align int) (uint64, error) {
	if size <= 0 {
		return 0, ErrBadSize
	}
	if align <= 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadAlignment, align)
	}
	if g.limit > 0 && g.inUse+size > g.limit {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrNoMemory, size, g.inUse, g.limit)
	}
	paddr := alignUp(g.next, uint64(max(align, 16)))
	g.next = paddr + alignUp(uint64(size), 16)
	return paddr, nil
}

// insert must be called with g.mu held.
func (g *registry) insert(r *Region) {
	g.regions = append(g.regions, r)
	g.inUse += len(r.buf)
}

// remove must be called with g.mu held.
func (g *registry) remove(r *Region) error {
	if r.parent != nil {
		return ErrSubRegion
	}
	i, ok := slices.BinarySearchFunc(g.regions, r.paddr, func(e *Region, p uint64) int {
		switch {
		case e.paddr < p:
			return -1
		case e.paddr > p:
			return 1
		}
		return 0
	})
	if !ok || g.regions[i] != r {
		return fmt.Errorf("%w: %q", ErrNotAllocated, r.tag)
	}
	g.regions = slices.Delete(g.regions, i, i+1)
	g.inUse -= len(r.buf)
	return nil
}

func (g *registry) Resolve(paddr uint64, n int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Last region whose base is <= paddr.
	i, _ := slices.BinarySearchFunc(g.regions, paddr+1, func(e *Region, p uint64) int {
		if e.paddr < p {
			return -1
		}
		return 1
	})
	if i == 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnmappedAddress, paddr)
	}
	r := g.regions[i-1]
	off := paddr - r.paddr
	if n < 0 || off+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: %#x+%d outside %q", ErrUnmappedAddress, paddr, n, r.tag)
	}
	return r.buf[off : off+uint64(n)], nil
}

func (g *registry) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
