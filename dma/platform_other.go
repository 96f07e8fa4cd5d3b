//go:build !linux

package dma

// NewPlatformAllocator returns the preferred allocator for the platform.
func NewPlatformAllocator(limit int) Allocator { return NewHeapAllocator(limit) }
