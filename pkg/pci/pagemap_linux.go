//go:build linux

package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
)

const (
	pagemapPFNMask = 1<<55 - 1
	pagemapPresent = 1 << 63
	pagemapEntrySz = 8
	defaultPagemap = "/proc/self/pagemap"
)

// PagemapMapper translates pinned buffers to bus addresses through
// /proc/self/pagemap. It is only correct without an IOMMU, and only for
// buffers that are physically contiguous, which Map verifies.
type PagemapMapper struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	live     map[uint64]int
}

func OpenPagemap() (*PagemapMapper, error) {
	f, err := os.Open(defaultPagemap)
	if err != nil {
		return nil, driver.FromSyscall(err, "opening "+defaultPagemap)
	}
	return &PagemapMapper{
		f:        f,
		pageSize: os.Getpagesize(),
		live:     make(map[uint64]int),
	}, nil
}

func (m *PagemapMapper) frame(virt uintptr) (uint64, error) {
	var b [pagemapEntrySz]byte
	page := int64(virt) / int64(m.pageSize)
	if _, err := m.f.ReadAt(b[:], page*pagemapEntrySz); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(b[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x is not resident", virt)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("page frame numbers are hidden, need CAP_SYS_ADMIN")
	}
	return pfn, nil
}

// Map returns the bus address of b
func (m *PagemapMapper) Map(b []byte, dir Direction) (uint64, error) {
	if len(b) == 0 {
		return 0, driver.NewError(driver.StatusInvalidArgument, "mapping empty buffer")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := uintptr(unsafe.Pointer(&b[0]))
	ps := uintptr(m.pageSize)
	first, err := m.frame(start)
	if err != nil {
		return 0, driver.NewErrorWithCause(driver.StatusDmaMapFailed, "pagemap lookup", err)
	}
	end := start + uintptr(len(b)) - 1
	for i, page := uint64(1), start&^(ps-1)+ps; page <= end; i, page = i+1, page+ps {
		pfn, err := m.frame(page)
		if err != nil {
			return 0, driver.NewErrorWithCause(driver.StatusDmaMapFailed, "pagemap lookup", err)
		}
		if pfn != first+i {
			return 0, driver.NewError(driver.StatusDmaMapFailed,
				fmt.Sprintf("%d byte %s buffer is not physically contiguous", len(b), dir))
		}
	}

	addr := first*uint64(m.pageSize) + uint64(start&(ps-1))
	m.live[addr] = len(b)
	return addr, nil
}

func (m *PagemapMapper) Unmap(addr uint64, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[addr]; !ok {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("unmapping unknown %s address %#x", dir, addr))
	}
	delete(m.live, addr)
	return nil
}

func (m *PagemapMapper) Close() error {
	return m.f.Close()
}
