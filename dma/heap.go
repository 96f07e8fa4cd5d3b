package dma

// HeapAllocator backs regions with Go heap memory.
// It is used where the platform offers no mappable memory, and in tests.
type HeapAllocator struct {
	registry
}

var _ Allocator = (*HeapAllocator)(nil)

// NewHeapAllocator returns an allocator that refuses to have more than
// limit bytes in use at once. A limit of 0 disables the check.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{registry: newRegistry(limit)}
}

func (a *HeapAllocator) Allocate(tag string, size, align int) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	paddr, err := a.reserve(size, align)
	if err != nil {
		return nil, err
	}
	b := make([]byte, size)
	r := &Region{tag: tag, paddr: paddr, buf: b, mapping: b}
	a.insert(r)
	return r, nil
}

func (a *HeapAllocator) Release(r *Region) error {
	if r == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remove(r)
}

// Pin is a no-op: heap memory cannot be locked.
func (a *HeapAllocator) Pin(r *Region) error { return nil }
