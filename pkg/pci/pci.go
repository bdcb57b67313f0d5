// Package pci holds the PCI collaborator the driver consumes: config
// space access, the reset and restore helpers built on it, DMA mapping
// and interrupt delivery.
package pci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Standard config space layout
const (
	RegVendorID   = 0x00
	RegDeviceID   = 0x02
	RegCommand    = 0x04
	RegStatus     = 0x06
	RegCapPointer = 0x34

	CommandMemory    = 0x0002
	CommandMaster    = 0x0004
	CommandIntxOff   = 0x0400
	StatusCapList    = 0x0010
	HeaderSize       = 0x40
	ConfigSpaceSize  = 0x100
	CapIDMSI         = 0x05
	CapIDExpress     = 0x10
	MSIControl       = 0x02
	MSIEnable        = 0x0001
	ExpressDevStatus = 0x0a
	DevStatusTrPend  = 0x0020

	// bytes of each capability block a restore puts back
	msiBlockSize     = 0x18
	expressBlockSize = 0x3c
)

// Config reads and writes the function's configuration space
type Config interface {
	ReadConfig(off int, b []byte) error
	WriteConfig(off int, b []byte) error
}

// Direction of a DMA mapping, from the device's point of view
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mapper makes a single contiguous host buffer visible to the device
type Mapper interface {
	Map(b []byte, dir Direction) (uint64, error)
	Unmap(addr uint64, dir Direction) error
}

// Interrupts delivers the function's interrupt line. Wait returns nil
// once per interrupt and the context error on cancellation.
type Interrupts interface {
	Wait(ctx context.Context) error
}

// Function wraps a config space with the helpers the reset and boot
// sequences need. Callers hold Lock across any multi-step sequence.
type Function struct {
	cfg      Config
	vendorID uint16
	deviceID uint16

	mu    sync.Mutex
	saved []byte

	// Sleep is used between pending-transaction polls
	Sleep func(time.Duration)
}

// NewFunction binds the helpers to cfg. vendorID and deviceID are the
// identity checked by IdentityValid.
func NewFunction(cfg Config, vendorID, deviceID uint16) *Function {
	return &Function{
		cfg:      cfg,
		vendorID: vendorID,
		deviceID: deviceID,
		Sleep:    time.Sleep,
	}
}

func (f *Function) Lock() {
	f.mu.Lock()
}

func (f *Function) Unlock() {
	f.mu.Unlock()
}

func (f *Function) Read16(off int) (uint16, error) {
	var b [2]byte
	if err := f.cfg.ReadConfig(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (f *Function) Write16(off int, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return f.cfg.WriteConfig(off, b[:])
}

func (f *Function) Read32(off int) (uint32, error) {
	var b [4]byte
	if err := f.cfg.ReadConfig(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (f *Function) Write32(off int, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return f.cfg.WriteConfig(off, b[:])
}

// IdentityValid reports whether the function answers with the expected
// vendor and device id. A function still in reset reads all ones.
func (f *Function) IdentityValid() bool {
	id, err := f.Read32(RegVendorID)
	if err != nil {
		return false
	}
	return uint16(id) == f.vendorID && uint16(id>>16) == f.deviceID
}

// SaveState snapshots the first 256 bytes of config space
func (f *Function) SaveState() error {
	saved := make([]byte, ConfigSpaceSize)
	if err := f.cfg.ReadConfig(0, saved); err != nil {
		return fmt.Errorf("saving config space: %w", err)
	}
	f.saved = saved
	return nil
}

// restoreMask marks the dwords RestoreState may write: the standard
// header and the MSI and express capability blocks found in the
// snapshot. Vendor registers outside those blocks are never replayed.
func restoreMask(saved []byte) [ConfigSpaceSize / 4]bool {
	var mask [ConfigSpaceSize / 4]bool
	mark := func(from, to int) {
		for off := from &^ 3; off < to && off < ConfigSpaceSize; off += 4 {
			mask[off/4] = true
		}
	}
	mark(4, HeaderSize)

	if binary.LittleEndian.Uint16(saved[RegStatus:])&StatusCapList == 0 {
		return mask
	}
	off := int(saved[RegCapPointer] & 0xfc)
	for ttl := 48; off >= HeaderSize && ttl > 0; ttl-- {
		switch saved[off] {
		case CapIDMSI:
			mark(off, off+msiBlockSize)
		case CapIDExpress:
			mark(off, off+expressBlockSize)
		}
		off = int(saved[off+1] & 0xfc)
	}
	return mask
}

// RestoreState writes back every saved dword of the header and the MSI
// and express blocks that differs, highest offset first. The command
// register goes last.
func (f *Function) RestoreState() error {
	if f.saved == nil {
		return fmt.Errorf("no saved config state")
	}
	mask := restoreMask(f.saved)
	for off := ConfigSpaceSize - 4; off >= 4; off -= 4 {
		if !mask[off/4] || off == RegStatus&^3 {
			continue
		}
		want := binary.LittleEndian.Uint32(f.saved[off:])
		cur, err := f.Read32(off)
		if err != nil {
			return fmt.Errorf("restoring config dword %#x: %w", off, err)
		}
		if cur == want {
			continue
		}
		if err := f.Write32(off, want); err != nil {
			return fmt.Errorf("restoring config dword %#x: %w", off, err)
		}
	}
	cmd := binary.LittleEndian.Uint16(f.saved[RegCommand:])
	return f.Write16(RegCommand, cmd)
}

func (f *Function) updateCommand(set, clear uint16) error {
	cmd, err := f.Read16(RegCommand)
	if err != nil {
		return err
	}
	next := (cmd | set) &^ clear
	if next == cmd {
		return nil
	}
	return f.Write16(RegCommand, next)
}

// Enable turns on memory decoding and bus mastering
func (f *Function) Enable() error {
	return f.updateCommand(CommandMemory|CommandMaster, 0)
}

// ClearMaster stops the function from initiating DMA
func (f *Function) ClearMaster() error {
	return f.updateCommand(0, CommandMaster)
}

// FindCapability walks the standard capability list
func (f *Function) FindCapability(id uint8) (int, bool) {
	status, err := f.Read16(RegStatus)
	if err != nil || status&StatusCapList == 0 {
		return 0, false
	}
	ptr, err := f.Read16(RegCapPointer)
	if err != nil {
		return 0, false
	}
	off := int(ptr & 0xfc)
	// 48 is the most capabilities that fit in the legacy area
	for ttl := 48; off >= HeaderSize && ttl > 0; ttl-- {
		hdr, err := f.Read16(off)
		if err != nil {
			return 0, false
		}
		if uint8(hdr) == id {
			return off, true
		}
		off = int(hdr>>8) & 0xfc
	}
	return 0, false
}

// WaitPendingTransactions polls the express device status until no
// transaction is pending. Functions without an express capability have
// nothing to wait for.
func (f *Function) WaitPendingTransactions() bool {
	pos, ok := f.FindCapability(CapIDExpress)
	if !ok {
		return true
	}
	for i := 0; i < 4; i++ {
		if i > 0 {
			f.Sleep((1 << (i - 1)) * 100 * time.Millisecond)
		}
		st, err := f.Read16(pos + ExpressDevStatus)
		if err != nil {
			return false
		}
		if st&DevStatusTrPend == 0 {
			return true
		}
	}
	return false
}

func (f *Function) setMSI(on bool) error {
	pos, ok := f.FindCapability(CapIDMSI)
	if !ok {
		return fmt.Errorf("function has no MSI capability")
	}
	ctl, err := f.Read16(pos + MSIControl)
	if err != nil {
		return err
	}
	if on {
		ctl |= MSIEnable
	} else {
		ctl &^= MSIEnable
	}
	return f.Write16(pos+MSIControl, ctl)
}

// EnableMSI sets the MSI enable bit and masks legacy INTx
func (f *Function) EnableMSI() error {
	if err := f.updateCommand(CommandIntxOff, 0); err != nil {
		return err
	}
	return f.setMSI(true)
}

func (f *Function) DisableMSI() error {
	return f.setMSI(false)
}
