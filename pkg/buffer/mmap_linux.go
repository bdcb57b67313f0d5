//go:build linux

package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the system page size (typically 4096 bytes)
var PageSize = unix.Getpagesize()

// MmapAllocator hands out page-aligned anonymous mappings locked into
// RAM, so their physical pages stay put while the device DMAs into them.
type MmapAllocator struct {
	// HugePages requests MAP_HUGETLB, which keeps blocks up to the huge
	// page size physically contiguous.
	HugePages bool
}

func (m MmapAllocator) Allocate(n int) ([]byte, error) {
	// Round up to page size for alignment
	aligned := ((n + PageSize - 1) / PageSize) * PageSize

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	if m.HugePages {
		flags |= unix.MAP_HUGETLB
	}
	data, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("mlock failed: %w", err)
	}
	// Return only requested size
	return data[:n], nil
}

func (m MmapAllocator) Release(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	// munmap needs the full mapped length
	full := b[:cap(b)]
	if err := unix.Munmap(full); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
