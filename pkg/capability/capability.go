// Package capability walks the capability list the device firmware
// publishes in its MMIO window.
package capability

import (
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/sirupsen/logrus"
)

// Finder locates capability records. The logger receives a warning when
// the hop budget runs out.
type Finder struct {
	l *logrus.Logger
}

func NewFinder(l *logrus.Logger) *Finder {
	return &Finder{l: l}
}

// Find returns the offset of the first record with the wanted id. A zero
// start begins at the list head stored in the MMIO header.
func (f *Finder) Find(r *mmio.Region, start int, id uint16) (int, bool) {
	off := start
	if off == 0 {
		off = int(r.Read32(driver.OffsetCapabilities))
	}

	for hop := 0; hop < driver.CapMaxHops; hop++ {
		if off <= 0 || off+driver.CapHeaderSize > r.Len() {
			f.l.WithField("offset", off).Warn("Capability list points outside the MMIO window")
			return 0, false
		}

		var hdr driver.PackedCapHeader
		r.ReadBytes(off, hdr[:])

		switch hdr.ID() {
		case driver.CapNull:
			return 0, false
		case id:
			return off, true
		}
		off = int(hdr.Next())
	}

	f.l.WithField("id", id).WithField("hops", driver.CapMaxHops).
		Warn("Capability list exceeded hop budget, treating as not found")
	return 0, false
}

// Transport is the decoded transfer-descriptor capability
type Transport struct {
	Offset       int
	FragmentSize uint32
	Tx           Pipe
	Rx           Pipe
}

// Pipe locates one ring. Head and Tail are the MMIO offsets of the
// pointer registers, which live inside the capability record.
type Pipe struct {
	Ring    int
	Count   uint32
	HeadReg int
	TailReg int
}

// ReadTransport decodes the transport capability at off
func ReadTransport(r *mmio.Region, off int) Transport {
	var raw driver.PackedTxRxCap
	r.ReadBytes(off, raw[:])
	return Transport{
		Offset:       off,
		FragmentSize: raw.FragmentSize(),
		Tx:           pipeAt(off+driver.CapTxRxTx, raw.Tx()),
		Rx:           pipeAt(off+driver.CapTxRxRx, raw.Rx()),
	}
}

func pipeAt(base int, p driver.Pipe) Pipe {
	return Pipe{
		Ring:    int(p.Ring),
		Count:   p.Count,
		HeadReg: base + driver.PipeHead,
		TailReg: base + driver.PipeTail,
	}
}

// FindTransport finds and decodes the transport capability
func (f *Finder) FindTransport(r *mmio.Region) (Transport, error) {
	off, ok := f.Find(r, 0, driver.CapTxRx)
	if !ok {
		return Transport{}, driver.NewError(driver.StatusNotFound, "transport capability")
	}
	if off+driver.CapTxRxSize > r.Len() {
		f.l.WithField("offset", off).Warn("Transport capability runs past the MMIO window")
		return Transport{}, driver.NewError(driver.StatusNotFound, "transport capability truncated")
	}
	t := ReadTransport(r, off)
	if t.FragmentSize == 0 || t.Tx.Count == 0 || t.Rx.Count == 0 {
		return Transport{}, driver.NewError(driver.StatusProtocolError, "transport capability is empty")
	}
	ringBytes := func(p Pipe) int { return p.Ring + int(p.Count)*driver.SizeOfTransferDescriptor }
	if p := t.Tx; p.Ring <= 0 || ringBytes(p) > r.Len() {
		return Transport{}, driver.NewError(driver.StatusProtocolError, "tx ring outside the MMIO window")
	}
	if p := t.Rx; p.Ring <= 0 || ringBytes(p) > r.Len() {
		return Transport{}, driver.NewError(driver.StatusProtocolError, "rx ring outside the MMIO window")
	}
	return t, nil
}
