// Package mmio provides width-exact access to a memory-mapped device
// register window. The window is never exposed as a Go structure; every
// access goes through a typed read or write at an explicit offset.
package mmio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Region is a mapped register window.
type Region struct {
	mem []byte
}

// New wraps mem, which is usually the result of mmap on a BAR resource.
// The slice must be at least 4-byte aligned.
func New(mem []byte) *Region {
	if len(mem) > 0 && uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		panic("mmio: region is not 4-byte aligned")
	}
	return &Region{mem: mem}
}

// Len returns the window size in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

func (r *Region) at(off, size int) unsafe.Pointer {
	if off < 0 || off+size > len(r.mem) {
		panic(fmt.Sprintf("mmio: access of %d bytes at %#x outside window of %#x", size, off, len(r.mem)))
	}
	return unsafe.Pointer(&r.mem[off])
}

func (r *Region) Read8(off int) uint8 {
	return *(*uint8)(r.at(off, 1))
}

func (r *Region) Write8(off int, v uint8) {
	*(*uint8)(r.at(off, 1)) = v
}

func (r *Region) Read16(off int) uint16 {
	return *(*uint16)(r.at(off, 2))
}

func (r *Region) Write16(off int, v uint16) {
	*(*uint16)(r.at(off, 2)) = v
}

// Read32 is a single atomic 32-bit load.
func (r *Region) Read32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(r.at(off, 4)))
}

// Write32 is a single atomic 32-bit store. Stores before it are visible
// to the device no later than this one.
func (r *Region) Write32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(r.at(off, 4)), v)
}

// Read64 reads the low word first, then the high word. The bus does not
// guarantee atomic 64-bit register access.
func (r *Region) Read64(off int) uint64 {
	lo := r.Read32(off)
	hi := r.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes the low word first, then the high word.
func (r *Region) Write64(off int, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}

// ReadBytes copies len(dst) bytes starting at off into dst.
func (r *Region) ReadBytes(off int, dst []byte) {
	if len(dst) == 0 {
		return
	}
	r.at(off, len(dst))
	copy(dst, r.mem[off:off+len(dst)])
}

// WriteBytes copies src into the window starting at off.
func (r *Region) WriteBytes(off int, src []byte) {
	if len(src) == 0 {
		return
	}
	r.at(off, len(src))
	copy(r.mem[off:off+len(src)], src)
}

func wordAligned(off, n int) {
	if off%4 != 0 || n%4 != 0 {
		panic(fmt.Sprintf("mmio: word access of %d bytes at %#x is not 32-bit aligned", n, off))
	}
}

// ReadWords fills dst with 32-bit loads starting at off. Both off and
// len(dst) must be multiples of four.
func (r *Region) ReadWords(off int, dst []byte) {
	wordAligned(off, len(dst))
	r.at(off, len(dst))
	for i := 0; i < len(dst); i += 4 {
		binary.NativeEndian.PutUint32(dst[i:], r.Read32(off+i))
	}
}

// WriteWords stores src with 32-bit writes starting at off, lowest
// address first.
func (r *Region) WriteWords(off int, src []byte) {
	wordAligned(off, len(src))
	r.at(off, len(src))
	for i := 0; i < len(src); i += 4 {
		r.Write32(off+i, binary.NativeEndian.Uint32(src[i:]))
	}
}

// Barrier orders every earlier access before every later one.
func Barrier() {
	var fence uint32
	atomic.AddUint32(&fence, 1)
}

// Alloc returns n bytes of 8-byte aligned ordinary memory, for windows
// that are not backed by a device.
func Alloc(n int) []byte {
	words := make([]uint64, (n+7)/8)
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
