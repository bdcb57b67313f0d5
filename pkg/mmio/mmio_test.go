//go:build unit

package mmio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRegion(n int) (*Region, []byte) {
	mem := Alloc(n)
	return New(mem), mem
}

func TestRegionWidths(t *testing.T) {
	r, mem := newRegion(64)

	r.Write8(0, 0xab)
	r.Write16(2, 0x1234)
	r.Write32(4, 0xdeadbeef)
	r.Write64(8, 0x0102030405060708)

	assert.Equal(t, uint8(0xab), r.Read8(0))
	assert.Equal(t, uint16(0x1234), r.Read16(2))
	assert.Equal(t, uint32(0xdeadbeef), r.Read32(4))
	assert.Equal(t, uint64(0x0102030405060708), r.Read64(8))

	// little endian, low word first
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, mem[8:16])
}

func TestRegionBytes(t *testing.T) {
	r, _ := newRegion(32)

	r.WriteBytes(4, []byte("VPULINK"))
	got := make([]byte, 7)
	r.ReadBytes(4, got)
	assert.Equal(t, "VPULINK", string(got))

	// zero-length copies never touch the window
	r.ReadBytes(1000, nil)
	r.WriteBytes(1000, nil)
}

func TestRegionWords(t *testing.T) {
	r, _ := newRegion(32)

	r.WriteWords(8, []byte("VPULINK-"))
	got := make([]byte, 8)
	r.ReadWords(8, got)
	assert.Equal(t, "VPULINK-", string(got))

	r.ReadBytes(8, got)
	assert.Equal(t, "VPULINK-", string(got), "word and byte views agree")

	assert.Panics(t, func() { r.ReadWords(2, got) })
	assert.Panics(t, func() { r.WriteWords(0, []byte("abc")) })
	assert.Panics(t, func() { r.ReadWords(28, got) })
}

func TestRegionOutOfRangePanics(t *testing.T) {
	r, _ := newRegion(16)

	assert.Panics(t, func() { r.Read32(14) })
	assert.Panics(t, func() { r.Write64(12, 0) })
	assert.Panics(t, func() { r.Read8(-1) })
	assert.Panics(t, func() { r.WriteBytes(10, make([]byte, 8)) })
	assert.NotPanics(t, func() { r.Read32(12) })
}

func TestRegionLen(t *testing.T) {
	r, _ := newRegion(4096)
	assert.Equal(t, 4096, r.Len())
}
