// Package ring drives one direction of the transfer-descriptor rings. The
// descriptor array and the head/tail registers live in the device's MMIO
// window; the host keeps only the slot table and the Old shadow.
package ring

import (
	"fmt"

	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/capability"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
)

// Slot pairs a ring position with the buffer currently mapped into it
type Slot struct {
	Buf  buffer.Handle
	Addr uint64
	Len  int
}

// Ring is the host view of one descriptor ring
type Ring struct {
	r       *mmio.Region
	count   uint32
	desc    int
	headReg int
	tailReg int
	dir     pci.Direction

	// Old is the last position the host consumed. TX reclaims from Old up
	// to the device head.
	Old uint32

	slots []Slot
}

// New binds a ring to the pipe described by the transport capability
func New(r *mmio.Region, p capability.Pipe, dir pci.Direction) *Ring {
	return &Ring{
		r:       r,
		count:   p.Count,
		desc:    p.Ring,
		headReg: p.HeadReg,
		tailReg: p.TailReg,
		dir:     dir,
		slots:   make([]Slot, p.Count),
	}
}

func (g *Ring) Count() uint32 {
	return g.count
}

func (g *Ring) Direction() pci.Direction {
	return g.dir
}

// Next returns the position after i
func (g *Ring) Next(i uint32) uint32 {
	return (i + 1) % g.count
}

// Distance returns how many positions lie in [from, to)
func (g *Ring) Distance(from, to uint32) uint32 {
	return (to + g.count - from) % g.count
}

func (g *Ring) Head() uint32 {
	return g.r.Read32(g.headReg)
}

func (g *Ring) Tail() uint32 {
	return g.r.Read32(g.tailReg)
}

// LinkDown reports whether either pointer reads as all ones, which is
// what the window returns while the device is resetting.
func LinkDown(head, tail uint32) bool {
	return head == driver.LinkDown || tail == driver.LinkDown
}

// InRange reports whether both pointers are valid positions
func (g *Ring) InRange(head, tail uint32) bool {
	return head < g.count && tail < g.count
}

func (g *Ring) publish(reg int, v uint32) bool {
	if g.r.Read32(reg) == v {
		return false
	}
	g.r.Write32(reg, v)
	mmio.Barrier()
	return true
}

// PublishHead writes the head register. It returns false, and writes
// nothing, when the value is unchanged.
func (g *Ring) PublishHead(v uint32) bool {
	return g.publish(g.headReg, v)
}

// PublishTail writes the tail register. It returns false, and writes
// nothing, when the value is unchanged.
func (g *Ring) PublishTail(v uint32) bool {
	return g.publish(g.tailReg, v)
}

func (g *Ring) descOff(i uint32) int {
	if i >= g.count {
		panic(fmt.Sprintf("ring: slot %d outside ring of %d", i, g.count))
	}
	return g.desc + int(i)*driver.SizeOfTransferDescriptor
}

// Descriptor reads slot i field by field
func (g *Ring) Descriptor(i uint32) driver.TransferDescriptor {
	off := g.descOff(i)
	return driver.TransferDescriptor{
		Address: g.r.Read64(off + driver.DescAddress),
		Length:  g.r.Read32(off + driver.DescLength),
		Status:  g.r.Read16(off + driver.DescStatus),
		Tag:     g.r.Read16(off + driver.DescTag),
	}
}

// SetDescriptor writes slot i. The status is written last.
func (g *Ring) SetDescriptor(i uint32, d driver.TransferDescriptor) {
	off := g.descOff(i)
	g.r.Write64(off+driver.DescAddress, d.Address)
	g.r.Write32(off+driver.DescLength, d.Length)
	g.r.Write16(off+driver.DescTag, d.Tag)
	g.r.Write16(off+driver.DescStatus, d.Status)
}

func (g *Ring) Status(i uint32) uint16 {
	return g.r.Read16(g.descOff(i) + driver.DescStatus)
}

func (g *Ring) SetStatus(i uint32, s uint16) {
	g.r.Write16(g.descOff(i)+driver.DescStatus, s)
}

func (g *Ring) Length(i uint32) uint32 {
	return g.r.Read32(g.descOff(i) + driver.DescLength)
}

func (g *Ring) Tag(i uint32) uint16 {
	return g.r.Read16(g.descOff(i) + driver.DescTag)
}

// Slot returns the mapping record for position i
func (g *Ring) Slot(i uint32) Slot {
	return g.slots[i]
}

// Install moves h into slot i: the ring claims the buffer, maps its
// window and points the descriptor at it. On failure the caller still
// holds h and the slot is unchanged.
func (g *Ring) Install(i uint32, a *buffer.Arena, m pci.Mapper, h buffer.Handle, status uint16) error {
	if g.slots[i].Buf != buffer.Nil {
		return fmt.Errorf("ring slot %d already holds buffer %d", i, g.slots[i].Buf)
	}
	if err := a.Claim(h, buffer.OwnerRing); err != nil {
		return err
	}

	b := a.Buf(h)
	addr, err := m.Map(b.Bytes(), g.dir)
	if err != nil {
		a.Unclaim(h, buffer.OwnerRing)
		return driver.NewErrorWithCause(driver.StatusDmaMapFailed, fmt.Sprintf("ring slot %d", i), err)
	}

	g.slots[i] = Slot{Buf: h, Addr: addr, Len: b.Len()}
	g.SetDescriptor(i, driver.TransferDescriptor{
		Address: addr,
		Length:  uint32(b.Len()),
		Status:  status,
		Tag:     b.Tag,
	})
	return nil
}

// Release unmaps slot i and hands its buffer back to the caller. It
// returns Nil for an empty slot.
func (g *Ring) Release(i uint32, a *buffer.Arena, m pci.Mapper) (buffer.Handle, error) {
	s := g.slots[i]
	if s.Buf == buffer.Nil {
		return buffer.Nil, nil
	}
	g.slots[i] = Slot{}

	err := m.Unmap(s.Addr, g.dir)
	if uerr := a.Unclaim(s.Buf, buffer.OwnerRing); uerr != nil && err == nil {
		err = uerr
	}
	return s.Buf, err
}

// Occupied returns the number of slots holding a buffer
func (g *Ring) Occupied() int {
	n := 0
	for _, s := range g.slots {
		if s.Buf != buffer.Nil {
			n++
		}
	}
	return n
}

// Drain releases every occupied slot and frees the buffers
func (g *Ring) Drain(a *buffer.Arena, m pci.Mapper) {
	for i := uint32(0); i < g.count; i++ {
		if h, _ := g.Release(i, a, m); h != buffer.Nil {
			a.Free(h)
		}
	}
}
