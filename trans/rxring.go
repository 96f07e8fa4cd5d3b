package trans

import (
	"fmt"
	"iter"
	"sync/atomic"
	"unsafe"

	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
)

// rxStatusSize is the size of the status area the device writes after
// filling receive buffers. Its first word holds the index of the next slot
// the device will fill.
const rxStatusSize = 16

const rxClosedMask = 0xfff

// RxRing is the receive ring with its buffer pool. The pool holds more
// buffers than the ring has slots so a consumed slot can be re-armed before
// the caller returns the buffer it was lent.
type RxRing struct {
	desc *dma.Region // one word per slot: buffer bus address >> 8
	stat *dma.Region
	bufs *dma.Region

	bufSize int
	descs   []uint32
	closed  *uint32

	slots [hw.RxRingSize]int // buffer index
	spare []int
	lent  [hw.RxBufCount]bool
	gen   [hw.RxBufCount]uint32 // bumped every time a buffer is lent

	cur int
}

// rxBuf is a buffer detached from the ring by harvest.
type rxBuf struct {
	index int
	gen   uint32
	slot  int
	hdr   hw.RxHeader
	data  []byte
}

func newRxRing(alloc dma.Allocator, bufSize int) (r *RxRing, err error) {
	r = &RxRing{bufSize: bufSize}
	defer func() {
		if err != nil {
			err = joinRelease(err, alloc, r.bufs, r.stat, r.desc)
			r = nil
		}
	}()
	if r.desc, err = alloc.Allocate("rx-desc", hw.RxRingSize*4, 256); err != nil {
		return r, fmt.Errorf("allocating rx descriptors: %w", err)
	}
	if r.stat, err = alloc.Allocate("rx-status", rxStatusSize, 16); err != nil {
		return r, fmt.Errorf("allocating rx status: %w", err)
	}
	if r.bufs, err = alloc.Allocate("rx-bufs", hw.RxBufCount*bufSize, 256); err != nil {
		return r, fmt.Errorf("allocating rx buffers: %w", err)
	}
	r.descs = unsafe.Slice((*uint32)(unsafe.Pointer(&r.desc.Bytes()[0])), hw.RxRingSize)
	r.closed = (*uint32)(unsafe.Pointer(&r.stat.Bytes()[0]))

	r.spare = make([]int, 0, hw.RxBufCount)
	for i := hw.RxBufCount - 1; i >= 0; i-- {
		r.spare = append(r.spare, i)
	}
	for slot := range r.slots {
		if err = r.replenish(slot); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (r *RxRing) buffer(i int) *dma.Region {
	return r.bufs.Slice(i*r.bufSize, r.bufSize)
}

// Spare returns the number of buffers neither armed nor lent.
func (r *RxRing) Spare() int { return len(r.spare) }

// Cursor returns the next slot harvest will look at.
func (r *RxRing) Cursor() int { return r.cur }

// replenish arms slot with a buffer from the pool.
func (r *RxRing) replenish(slot int) error {
	if len(r.spare) == 0 {
		return ErrPoolExhausted
	}
	i := r.spare[len(r.spare)-1]
	r.spare = r.spare[:len(r.spare)-1]
	r.slots[slot] = i
	atomic.StoreUint32(&r.descs[slot], uint32(r.buffer(i).PAddr()>>8))
	return nil
}

// harvest yields the buffers the device filled since the last call, in
// order. Every yielded buffer has been replaced in its slot by a spare one
// and stays lent until release. A malformed frame leaves its buffer armed
// and yields ErrMalformedPacket. When no spare buffer is left, harvest
// stops at the current slot, which keeps its buffer armed, and yields
// ErrPoolExhausted.
func (r *RxRing) harvest() iter.Seq2[rxBuf, error] {
	return func(yield func(rxBuf, error) bool) {
		closed := int(atomic.LoadUint32(r.closed) & rxClosedMask)
		if closed >= hw.RxRingSize {
			yield(rxBuf{}, fmt.Errorf("%w: %d", ErrBadStatusIndex, closed))
			return
		}
		for r.cur != closed {
			slot := r.cur
			i := r.slots[slot]
			data := r.buffer(i).Bytes()
			hdr, err := hw.ParseRxHeader(data)
			if err != nil {
				r.cur = (r.cur + 1) & hw.RingMask
				if !yield(rxBuf{}, fmt.Errorf("%w: slot %d: %w", ErrMalformedPacket, slot, err)) {
					return
				}
				continue
			}
			if len(r.spare) == 0 {
				yield(rxBuf{}, ErrPoolExhausted)
				return
			}
			r.lent[i] = true
			r.gen[i]++
			if err := r.replenish(slot); err != nil {
				yield(rxBuf{}, err)
				return
			}
			r.cur = (r.cur + 1) & hw.RingMask
			if !yield(rxBuf{index: i, gen: r.gen[i], slot: slot, hdr: hdr, data: data}, nil) {
				return
			}
		}
	}
}

// release returns a lent buffer to the pool. gen must be the generation
// the buffer was lent with, so a stale handle cannot release a buffer that
// has since been lent again.
func (r *RxRing) release(i int, gen uint32) error {
	if i < 0 || i >= hw.RxBufCount || !r.lent[i] || r.gen[i] != gen {
		return fmt.Errorf("%w: buffer %d generation %d", ErrNotLent, i, gen)
	}
	r.lent[i] = false
	r.spare = append(r.spare, i)
	return nil
}

// reset rewinds the ring to slot 0. Every slot stays armed and lent
// buffers stay lent.
func (r *RxRing) reset() {
	r.cur = 0
	atomic.StoreUint32(r.closed, 0)
}

func (r *RxRing) free(alloc dma.Allocator) error {
	err := joinRelease(nil, alloc, r.bufs, r.stat, r.desc)
	r.bufs, r.stat, r.desc = nil, nil, nil
	r.descs, r.closed = nil, nil
	return err
}
