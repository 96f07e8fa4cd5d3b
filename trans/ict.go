package trans

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
)

// ict is the interrupt coalescing table. The device appends compressed
// interrupt causes to it and the interrupt path collects them in one pass.
type ict struct {
	region  *dma.Region
	entries []uint32
	cur     int
}

func newICT(alloc dma.Allocator) (*ict, error) {
	r, err := alloc.Allocate("ict", hw.ICTSize, hw.ICTSize)
	if err != nil {
		return nil, fmt.Errorf("allocating ict: %w", err)
	}
	if err := alloc.Pin(r); err != nil {
		return nil, joinRelease(fmt.Errorf("pinning ict: %w", err), alloc, r)
	}
	return &ict{
		region:  r,
		entries: unsafe.Slice((*uint32)(unsafe.Pointer(&r.Bytes()[0])), hw.ICTEntries),
	}, nil
}

func (t *ict) reset() {
	for i := range t.entries {
		atomic.StoreUint32(&t.entries[i], 0)
	}
	t.cur = 0
}

// base returns the value programmed into CSR_DRAM_INT_TBL.
func (t *ict) base() uint32 {
	return uint32(t.region.PAddr()>>hw.ICTShift) & hw.DRAMIntTblAddrMask
}

// causes collects and clears the entries written since the last call and
// returns them in interrupt status register layout.
func (t *ict) causes() uint32 {
	var v uint32
	for {
		e := atomic.LoadUint32(&t.entries[t.cur])
		if e == 0 {
			break
		}
		v |= e
		atomic.StoreUint32(&t.entries[t.cur], 0)
		t.cur = (t.cur + 1) & hw.ICTMask
	}
	return hw.ICTCauses(v)
}
