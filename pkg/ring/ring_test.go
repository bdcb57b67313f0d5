//go:build unit

package ring

import (
	"errors"
	"testing"

	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/capability"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMapper struct {
	next  uint64
	live  map[uint64]int
	fail  bool
	unmap int
}

func newMapper() *countingMapper {
	return &countingMapper{next: 0x1000, live: map[uint64]int{}}
}

func (m *countingMapper) Map(b []byte, dir pci.Direction) (uint64, error) {
	if m.fail {
		return 0, errors.New("iommu full")
	}
	addr := m.next
	m.next += 0x1000
	m.live[addr] = len(b)
	return addr, nil
}

func (m *countingMapper) Unmap(addr uint64, dir pci.Direction) error {
	if _, ok := m.live[addr]; !ok {
		return errors.New("not mapped")
	}
	delete(m.live, addr)
	m.unmap++
	return nil
}

const (
	testHeadReg = 0x100
	testTailReg = 0x104
	testRing    = 0x200
)

func newRing(count uint32) (*Ring, *mmio.Region) {
	r := mmio.New(mmio.Alloc(0x1000))
	g := New(r, capability.Pipe{
		Ring:    testRing,
		Count:   count,
		HeadReg: testHeadReg,
		TailReg: testTailReg,
	}, pci.FromDevice)
	return g, r
}

func TestNextAndDistance(t *testing.T) {
	g, _ := newRing(8)
	assert.Equal(t, uint32(1), g.Next(0))
	assert.Equal(t, uint32(0), g.Next(7))
	assert.Equal(t, uint32(3), g.Distance(6, 1))
	assert.Equal(t, uint32(0), g.Distance(4, 4))
	assert.Equal(t, uint32(7), g.Distance(1, 0))
}

func TestDescriptorFieldsGoThroughWindow(t *testing.T) {
	g, r := newRing(4)
	d := driver.TransferDescriptor{Address: 0x1122334455667788, Length: 4096, Status: driver.DescStatusError, Tag: 3}
	g.SetDescriptor(2, d)

	var raw driver.PackedTransferDescriptor
	r.ReadBytes(testRing+2*driver.SizeOfTransferDescriptor, raw[:])
	if diff := cmp.Diff(d, raw.Unpack()); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, d, g.Descriptor(2))

	g.SetStatus(2, driver.DescStatusSuccess)
	assert.Equal(t, uint16(driver.DescStatusSuccess), g.Status(2))
	assert.Equal(t, uint32(4096), g.Length(2))
	assert.Equal(t, uint16(3), g.Tag(2))

	assert.Panics(t, func() { g.Descriptor(4) })
}

func TestPublishOnlyReportsChanges(t *testing.T) {
	g, r := newRing(8)

	assert.False(t, g.PublishTail(0))
	assert.True(t, g.PublishTail(3))
	assert.Equal(t, uint32(3), r.Read32(testTailReg))
	assert.False(t, g.PublishTail(3))

	assert.True(t, g.PublishHead(5))
	assert.Equal(t, uint32(5), g.Head())
	assert.Equal(t, uint32(3), g.Tail())
}

func TestLinkDownAndRange(t *testing.T) {
	g, _ := newRing(8)
	assert.True(t, LinkDown(driver.LinkDown, 0))
	assert.True(t, LinkDown(0, driver.LinkDown))
	assert.False(t, LinkDown(7, 0))

	assert.True(t, g.InRange(0, 7))
	assert.False(t, g.InRange(8, 0))
}

func TestInstallRelease(t *testing.T) {
	g, _ := newRing(4)
	a := buffer.NewArena(nil)
	m := newMapper()

	h, err := a.Alloc(256)
	require.NoError(t, err)
	a.Buf(h).Tag = 1

	require.NoError(t, g.Install(1, a, m, h, driver.DescStatusError))
	assert.Equal(t, buffer.OwnerRing, a.Buf(h).Owner())
	assert.Equal(t, 1, g.Occupied())

	d := g.Descriptor(1)
	assert.Equal(t, g.Slot(1).Addr, d.Address)
	assert.Equal(t, uint32(256), d.Length)
	assert.Equal(t, uint16(1), d.Tag)
	assert.Equal(t, uint16(driver.DescStatusError), d.Status)

	// a ring-owned buffer cannot be freed or queued
	assert.ErrorIs(t, a.Free(h), buffer.ErrOwned)
	assert.ErrorIs(t, buffer.NewList(a).Put(h), buffer.ErrOwned)

	h2, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Error(t, g.Install(1, a, m, h2, 0), "occupied slot")

	got, err := g.Release(1, a, m)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, buffer.OwnerNone, a.Buf(h).Owner())
	assert.Empty(t, m.live)
	assert.Zero(t, g.Occupied())

	got, err = g.Release(1, a, m)
	assert.NoError(t, err)
	assert.Equal(t, buffer.Nil, got)
}

func TestInstallMapFailureLeavesCallerOwner(t *testing.T) {
	g, _ := newRing(4)
	a := buffer.NewArena(nil)
	m := newMapper()
	m.fail = true

	h, err := a.Alloc(64)
	require.NoError(t, err)

	err = g.Install(0, a, m, h, 0)
	assert.ErrorIs(t, err, driver.ErrDmaMap)
	assert.Equal(t, buffer.OwnerNone, a.Buf(h).Owner())
	assert.Equal(t, buffer.Nil, g.Slot(0).Buf)
}

func TestDrainFreesEverything(t *testing.T) {
	g, _ := newRing(4)
	a := buffer.NewArena(nil)
	m := newMapper()

	for i := uint32(0); i < 3; i++ {
		h, err := a.Alloc(64)
		require.NoError(t, err)
		require.NoError(t, g.Install(i, a, m, h, 0))
	}
	g.Drain(a, m)

	assert.Zero(t, a.Live())
	assert.Equal(t, 3, m.unmap)
	assert.Zero(t, g.Occupied())
}
