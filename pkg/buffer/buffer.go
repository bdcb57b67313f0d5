// Package buffer manages DMA-eligible memory blocks for the transport
// rings. Blocks live in an Arena and are addressed by Handle; a handle is
// owned by exactly one holder at a time (a List, a ring slot, or the
// caller that just took it out of one).
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// CacheLine is the allocation granularity
const CacheLine = 64

// Handle references a Buf inside its Arena. Nil is never a valid buffer.
type Handle uint32

const Nil Handle = 0

// Owner identifies the current holder of a buffer
type Owner uint32

const (
	// OwnerNone means the buffer is held by whoever last took it out of
	// a list or ring slot.
	OwnerNone Owner = 0
	// OwnerRing marks buffers installed in a ring slot.
	OwnerRing Owner = 1

	firstListOwner = 16
)

var nextOwner atomic.Uint32

func init() {
	nextOwner.Store(firstListOwner)
}

// NewOwner returns a process-unique owner id
func NewOwner() Owner {
	return Owner(nextOwner.Add(1))
}

var (
	ErrOwned     = errors.New("buffer is owned by another holder")
	ErrNilHandle = errors.New("nil buffer handle")
	ErrTooLarge  = errors.New("window exceeds block")
)

// Buf is one block plus a movable window into it
type Buf struct {
	block []byte
	off   int
	n     int
	Tag   uint16
	next  Handle
	owner atomic.Uint32
	h     Handle
}

// Bytes returns the current window
func (b *Buf) Bytes() []byte {
	return b.block[b.off : b.off+b.n]
}

// Block returns the whole allocation
func (b *Buf) Block() []byte {
	return b.block
}

// Len returns the window length
func (b *Buf) Len() int {
	return b.n
}

// Cap returns the true allocated length
func (b *Buf) Cap() int {
	return len(b.block)
}

// Handle returns the buffer's own handle
func (b *Buf) Handle() Handle {
	return b.h
}

// SetWindow points the window at block[off:off+n]
func (b *Buf) SetWindow(off, n int) error {
	if off < 0 || n < 0 || off+n > len(b.block) {
		return ErrTooLarge
	}
	b.off, b.n = off, n
	return nil
}

// Advance consumes k bytes from the front of the window
func (b *Buf) Advance(k int) {
	if k > b.n {
		k = b.n
	}
	b.off += k
	b.n -= k
}

// Reset restores the window to the full block and clears the tag
func (b *Buf) Reset() {
	b.off, b.n = 0, len(b.block)
	b.Tag = 0
	b.next = Nil
}

// Owner returns the current holder
func (b *Buf) Owner() Owner {
	return Owner(b.owner.Load())
}

// Allocator provides zeroed memory for arena blocks
type Allocator interface {
	Allocate(n int) ([]byte, error)
	Release(b []byte) error
}

// HeapAllocator hands out cache-line aligned Go heap memory
type HeapAllocator struct{}

func (HeapAllocator) Allocate(n int) ([]byte, error) {
	raw := make([]byte, n+CacheLine)
	pad := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) % CacheLine; rem != 0 {
		pad = CacheLine - int(rem)
	}
	return raw[pad : pad+n : pad+n], nil
}

func (HeapAllocator) Release([]byte) error {
	return nil
}

// Arena owns every Buf. Handles are indexes into it and are recycled
// after Free.
type Arena struct {
	mu    sync.RWMutex
	bufs  []*Buf
	free  []Handle
	alloc Allocator
}

// NewArena creates an arena drawing memory from alloc; nil means
// HeapAllocator.
func NewArena(alloc Allocator) *Arena {
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Arena{
		bufs:  []*Buf{nil},
		alloc: alloc,
	}
}

// RoundUp rounds n up to the cache line size
func RoundUp(n int) int {
	return (n + CacheLine - 1) &^ (CacheLine - 1)
}

// Alloc allocates a cache-line rounded block of at least length bytes
// with the window covering length bytes.
func (a *Arena) Alloc(length int) (Handle, error) {
	if length <= 0 {
		return Nil, fmt.Errorf("buffer length must be positive, got %d", length)
	}
	block, err := a.alloc.Allocate(RoundUp(length))
	if err != nil {
		return Nil, fmt.Errorf("allocating %d byte block: %w", length, err)
	}

	b := &Buf{block: block, n: length}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		b.h = a.free[n-1]
		a.free = a.free[:n-1]
		a.bufs[b.h] = b
	} else {
		b.h = Handle(len(a.bufs))
		a.bufs = append(a.bufs, b)
	}
	return b.h, nil
}

// Buf resolves a handle. It panics on a handle that is not live.
func (a *Arena) Buf(h Handle) *Buf {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h == Nil || int(h) >= len(a.bufs) || a.bufs[h] == nil {
		panic(fmt.Sprintf("buffer: stale handle %d", h))
	}
	return a.bufs[h]
}

// Free returns the block to the allocator. The caller must hold the
// buffer (OwnerNone).
func (a *Arena) Free(h Handle) error {
	if h == Nil {
		return ErrNilHandle
	}
	b := a.Buf(h)
	if b.Owner() != OwnerNone {
		return ErrOwned
	}

	a.mu.Lock()
	a.bufs[h] = nil
	a.free = append(a.free, h)
	a.mu.Unlock()

	return a.alloc.Release(b.block)
}

// Live returns the number of allocated buffers
func (a *Arena) Live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bufs) - 1 - len(a.free)
}

// Link sets h's next pointer. Both buffers must be held by the caller.
func (a *Arena) Link(h, next Handle) {
	a.Buf(h).next = next
}

// Next returns h's next pointer
func (a *Arena) Next(h Handle) Handle {
	return a.Buf(h).next
}

// Claim moves a caller-held buffer to owner o
func (a *Arena) Claim(h Handle, o Owner) error {
	if h == Nil {
		return ErrNilHandle
	}
	if !a.Buf(h).owner.CompareAndSwap(uint32(OwnerNone), uint32(o)) {
		return ErrOwned
	}
	return nil
}

// Unclaim hands a buffer held by o back to the caller
func (a *Arena) Unclaim(h Handle, o Owner) error {
	if h == Nil {
		return ErrNilHandle
	}
	if !a.Buf(h).owner.CompareAndSwap(uint32(o), uint32(OwnerNone)) {
		return ErrOwned
	}
	return nil
}
