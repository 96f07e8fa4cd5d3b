package trans

import (
	"errors"
	"fmt"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
)

// schedQueueStride is the distance between two queues' byte count tables.
const schedQueueStride = hw.SchedAlign

// scratch holds the regions the firmware needs besides the rings.
type scratch struct {
	fw    *dma.Region // firmware image staging
	kw    *dma.Region // keep-warm page, must stay resident
	sched *dma.Region // per-queue byte count tables
}

func allocFWMem(alloc dma.Allocator) (*dma.Region, error) {
	r, err := alloc.Allocate("fwmem", hw.FWMemSize, 16)
	if err != nil {
		return nil, fmt.Errorf("allocating firmware memory: %w", err)
	}
	return r, nil
}

func allocKeepWarm(alloc dma.Allocator) (*dma.Region, error) {
	r, err := alloc.Allocate("kw", hw.KWSize, hw.KWSize)
	if err != nil {
		return nil, fmt.Errorf("allocating keep-warm page: %w", err)
	}
	if err := alloc.Pin(r); err != nil {
		return nil, joinRelease(fmt.Errorf("pinning keep-warm page: %w", err), alloc, r)
	}
	return r, nil
}

func allocSched(alloc dma.Allocator, queues int) (*dma.Region, error) {
	r, err := alloc.Allocate("sched", queues*schedQueueStride, hw.SchedAlign)
	if err != nil {
		return nil, fmt.Errorf("allocating scheduler tables: %w", err)
	}
	return r, nil
}

// byteCounts returns queue q's byte count table.
func (s *scratch) byteCounts(q int) *dma.Region {
	return s.sched.Slice(q*schedQueueStride, hw.SchedQueueBytes)
}

// joinRelease releases the non-nil regions, in order, and joins any errors
// with err.
func joinRelease(err error, alloc dma.Allocator, regions ...*dma.Region) error {
	errs := []error{err}
	for _, r := range regions {
		if r != nil {
			errs = append(errs, alloc.Release(r))
		}
	}
	return errors.Join(errs...)
}
