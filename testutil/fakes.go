package testutil

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
)

// Layout of the simulated MMIO window
const (
	FakeWindowSize = 0x10000
	FakeVendorCap  = 0x100
	FakeTxRxCap    = 0x140
	FakeTxRing     = 0x1000
	FakeRxRing     = 0x4000
	FakeMSICap     = 0x50
	FakeExpressCap = 0x40
)

// FakeOptions sizes the simulated transport
type FakeOptions struct {
	TxCount  uint32
	RxCount  uint32
	Fragment uint32
}

func (o *FakeOptions) defaults() {
	if o.TxCount == 0 {
		o.TxCount = 16
	}
	if o.RxCount == 0 {
		o.RxCount = 16
	}
	if o.Fragment == 0 {
		o.Fragment = 4096
	}
}

// FakeDevice simulates the coprocessor: its MMIO window, config space,
// DMA address space, boot ROM and a loopback application firmware.
type FakeDevice struct {
	mu   sync.Mutex
	opts FakeOptions

	Region *mmio.Region
	Config *FakeConfig
	Mapper *FakeMapper
	IRQ    *FakeInterrupts

	// Boot ROM behaviour for image transfers
	ROM BootROM

	// AppMode is entered on a boot command
	AppMode driver.Mode
	// ResetMode is entered once MSI is re-enabled after a reset
	ResetMode driver.Mode
	// Loopback sends every TX payload back on RX with the same tag
	Loopback bool
	// TxStatus is written into completed TX descriptors
	TxStatus uint16
	// AutoProcess runs the firmware on every doorbell
	AutoProcess bool

	rom       romState
	chunks    [][]byte
	boots     int
	received  [][]byte
	tags      []uint16
	pending   []packet
	resetting bool
}

type packet struct {
	tag  uint16
	data []byte
}

// BootROM scripts the ready-flag handshake for each chunk
type BootROM struct {
	PendingTicks  int
	StartingTicks int
	// Final is the flag value written when a chunk completes
	Final uint32
	// OnChunk runs when a chunk completes, after Final is written
	OnChunk func(d *FakeDevice, chunk []byte)
}

type romState struct {
	busy      bool
	countdown int
	starting  bool
}

// NewFakeDevice returns a device in boot mode
func NewFakeDevice(opts FakeOptions) *FakeDevice {
	opts.defaults()
	d := &FakeDevice{
		opts:        opts,
		Region:      mmio.New(mmio.Alloc(FakeWindowSize)),
		Mapper:      NewFakeMapper(),
		IRQ:         NewFakeInterrupts(),
		AppMode:     driver.ModeAppProtocolB,
		ResetMode:   driver.ModeBoot,
		Loopback:    true,
		TxStatus:    driver.DescStatusSuccess,
		AutoProcess: true,
		ROM:         BootROM{Final: driver.ReadyFlagDone},
	}
	d.Config = newFakeConfig(d)
	d.SetMode(driver.ModeBoot)
	return d
}

func modeMagic(m driver.Mode) string {
	switch m {
	case driver.ModeBoot:
		return driver.MagicBoot
	case driver.ModeSecondaryLoader:
		return driver.MagicSecondaryLoader
	case driver.ModeAppProtocolA:
		return driver.MagicAppProtocolA
	case driver.ModeAppProtocolB:
		return driver.MagicAppProtocolB
	default:
		return ""
	}
}

// SetMode rewrites the magic field. Entering an application mode also
// publishes the header and transport capability before the magic.
func (d *FakeDevice) SetMode(m driver.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setMode(m)
}

// setMode is SetMode for callers holding mu
func (d *FakeDevice) setMode(m driver.Mode) {
	if m.IsApp() {
		d.publishApp()
	}
	var magic [driver.MagicLength]byte
	copy(magic[:], modeMagic(m))
	d.Region.WriteWords(driver.OffsetMagic, magic[:])
}

func (d *FakeDevice) Mode() driver.Mode {
	return driver.DetectMode(d.Region)
}

func (d *FakeDevice) publishApp() {
	r := d.Region
	r.Write8(driver.OffsetVersion, driver.VersionMajor)
	r.Write8(driver.OffsetVersion+1, driver.VersionMinor)
	r.Write16(driver.OffsetVersion+2, driver.VersionBuild)
	r.Write32(driver.OffsetDeviceStatus, uint32(driver.StatusRun))
	r.Write32(driver.OffsetCapabilities, FakeVendorCap)

	vendor := driver.NewPackedCapHeader(driver.CapVendor, FakeTxRxCap)
	r.WriteBytes(FakeVendorCap, vendor[:])

	txrx := driver.NewPackedTxRxCap(0, d.opts.Fragment,
		driver.Pipe{Ring: FakeTxRing, Count: d.opts.TxCount},
		driver.Pipe{Ring: FakeRxRing, Count: d.opts.RxCount})
	r.WriteBytes(FakeTxRxCap, txrx[:])

	terminator := driver.NewPackedCapHeader(driver.CapNull, 0)
	r.WriteBytes(FakeTxRxCap+driver.CapTxRxSize, terminator[:])
}

// SetVersion overrides the advertised version
func (d *FakeDevice) SetVersion(v driver.Version) {
	d.Region.Write8(driver.OffsetVersion, v.Major)
	d.Region.Write8(driver.OffsetVersion+1, v.Minor)
	d.Region.Write16(driver.OffsetVersion+2, v.Build)
}

// SetDeviceStatus overrides the device status word
func (d *FakeDevice) SetDeviceStatus(s driver.DeviceStatus) {
	d.Region.Write32(driver.OffsetDeviceStatus, uint32(s))
}

func (d *FakeDevice) HostStatus() driver.DeviceStatus {
	return driver.DeviceStatus(d.Region.Read32(driver.OffsetHostStatus))
}

func (d *FakeDevice) pipeReg(base, pipe, reg int) int {
	return base + pipe + reg
}

func (d *FakeDevice) txHeadReg() int {
	return d.pipeReg(FakeTxRxCap, driver.CapTxRxTx, driver.PipeHead)
}

func (d *FakeDevice) txTailReg() int {
	return d.pipeReg(FakeTxRxCap, driver.CapTxRxTx, driver.PipeTail)
}

func (d *FakeDevice) rxHeadReg() int {
	return d.pipeReg(FakeTxRxCap, driver.CapTxRxRx, driver.PipeHead)
}

func (d *FakeDevice) rxTailReg() int {
	return d.pipeReg(FakeTxRxCap, driver.CapTxRxRx, driver.PipeTail)
}

// SetPointers forces the ring pointer registers, for link-down tests
func (d *FakeDevice) SetPointers(txHead, txTail, rxHead, rxTail uint32) {
	d.Region.Write32(d.txHeadReg(), txHead)
	d.Region.Write32(d.txTailReg(), txTail)
	d.Region.Write32(d.rxHeadReg(), rxHead)
	d.Region.Write32(d.rxTailReg(), rxTail)
}

// Pointers returns txHead, txTail, rxHead, rxTail
func (d *FakeDevice) Pointers() (uint32, uint32, uint32, uint32) {
	return d.Region.Read32(d.txHeadReg()), d.Region.Read32(d.txTailReg()),
		d.Region.Read32(d.rxHeadReg()), d.Region.Read32(d.rxTailReg())
}

func (d *FakeDevice) desc(ring int, i uint32) int {
	return ring + int(i)*driver.SizeOfTransferDescriptor
}

func (d *FakeDevice) readDesc(ring int, i uint32) driver.TransferDescriptor {
	var raw driver.PackedTransferDescriptor
	d.Region.ReadBytes(d.desc(ring, i), raw[:])
	return raw.Unpack()
}

// Tick advances the boot ROM by one millisecond. OnChunk runs after the
// device lock is released so it may change the mode.
func (d *FakeDevice) Tick() {
	d.mu.Lock()
	chunk, done := d.tick()
	hook := d.ROM.OnChunk
	d.mu.Unlock()

	if done && hook != nil {
		hook(d, chunk)
	}
}

func (d *FakeDevice) tick() ([]byte, bool) {
	r := d.Region
	flag := r.Read32(driver.OffsetReadyFlag)

	if flag == driver.ReadyFlagBoot {
		d.boots++
		r.Write32(driver.OffsetReadyFlag, driver.ReadyFlagReady)
		d.setMode(d.AppMode)
		return nil, false
	}

	st := &d.rom
	if !st.busy {
		if flag != driver.ReadyFlagPending {
			return nil, false
		}
		st.busy = true
		st.starting = false
		st.countdown = d.ROM.PendingTicks
	}

	if st.countdown > 0 {
		st.countdown--
		return nil, false
	}
	if !st.starting && d.ROM.StartingTicks > 0 {
		st.starting = true
		st.countdown = d.ROM.StartingTicks
		r.Write32(driver.OffsetReadyFlag, driver.ReadyFlagStarting)
		return nil, false
	}

	st.busy = false
	addr := r.Read64(driver.OffsetTransferAddr)
	n := int(r.Read32(driver.OffsetTransferLen))
	chunk := make([]byte, n)
	if src, err := d.Mapper.Bytes(addr, n); err == nil {
		copy(chunk, src)
	}
	d.chunks = append(d.chunks, chunk)
	r.Write32(driver.OffsetReadyFlag, d.ROM.Final)
	return chunk, true
}

// Chunks returns every image chunk the boot ROM accepted
func (d *FakeDevice) Chunks() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.chunks...)
}

// Boots returns how many boot commands the ROM executed
func (d *FakeDevice) Boots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boots
}

// Received returns every payload the firmware took off the TX ring
func (d *FakeDevice) Received() ([][]byte, []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.received...), append([]uint16(nil), d.tags...)
}

// Inject queues a payload for delivery on the RX ring
func (d *FakeDevice) Inject(tag uint16, data []byte) {
	d.mu.Lock()
	d.pending = append(d.pending, packet{tag: tag, data: append([]byte(nil), data...)})
	d.mu.Unlock()
}

// Process runs the application firmware once: consume the TX ring, then
// fill the RX ring from the pending queue, then interrupt the host if
// anything moved.
func (d *FakeDevice) Process() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.Mode().IsApp() {
		return
	}
	r := d.Region
	moved := false

	txHead, txTail := r.Read32(d.txHeadReg()), r.Read32(d.txTailReg())
	if txHead < d.opts.TxCount && txTail < d.opts.TxCount {
		for txHead != txTail {
			desc := d.readDesc(FakeTxRing, txHead)
			data := make([]byte, desc.Length)
			if src, err := d.Mapper.Bytes(desc.Address, int(desc.Length)); err == nil {
				copy(data, src)
			}
			d.received = append(d.received, data)
			d.tags = append(d.tags, desc.Tag)
			if d.Loopback {
				d.pending = append(d.pending, packet{tag: desc.Tag, data: data})
			}
			r.Write16(d.desc(FakeTxRing, txHead)+driver.DescStatus, d.TxStatus)
			txHead = (txHead + 1) % d.opts.TxCount
			moved = true
		}
		r.Write32(d.txHeadReg(), txHead)
	}

	rxHead, rxTail := r.Read32(d.rxHeadReg()), r.Read32(d.rxTailReg())
	if rxHead < d.opts.RxCount && rxTail < d.opts.RxCount {
		for len(d.pending) > 0 && (rxTail+1)%d.opts.RxCount != rxHead {
			p := &d.pending[0]
			desc := d.readDesc(FakeRxRing, rxTail)
			dst, err := d.Mapper.Bytes(desc.Address, int(desc.Length))
			status := driver.DescStatusSuccess
			n := 0
			if err != nil {
				status = driver.DescStatusError
			} else {
				n = copy(dst, p.data)
			}

			off := d.desc(FakeRxRing, rxTail)
			r.Write32(off+driver.DescLength, uint32(n))
			r.Write16(off+driver.DescTag, p.tag)
			r.Write16(off+driver.DescStatus, status)

			p.data = p.data[n:]
			if len(p.data) == 0 || err != nil {
				d.pending = d.pending[1:]
			}
			rxTail = (rxTail + 1) % d.opts.RxCount
			moved = true
		}
		r.Write32(d.rxTailReg(), rxTail)
	}

	if moved {
		d.IRQ.Raise()
	}
}

// Backlog returns the number of payloads waiting for RX slots
func (d *FakeDevice) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *FakeDevice) doorbell() {
	if d.AutoProcess {
		d.Process()
	}
}

func (d *FakeDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetting = true
	d.rom = romState{}
	d.pending = nil
	d.Region.WriteWords(driver.OffsetMagic, make([]byte, driver.MagicLength))
	d.Region.Write32(driver.OffsetDeviceStatus, uint32(driver.StatusUninit))
	d.Region.Write32(driver.OffsetHostStatus, uint32(driver.StatusUninit))
	d.Region.Write32(driver.OffsetReadyFlag, driver.ReadyFlagReady)
	d.SetPointers(0, 0, 0, 0)
}

func (d *FakeDevice) msiEnabled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resetting {
		d.resetting = false
		d.setMode(d.ResetMode)
	}
}

// FakeConfig is the simulated config space. A doorbell write runs the
// firmware; a reset write clears the device until MSI is enabled again.
// Both registers latch the last value written until the next reset.
type FakeConfig struct {
	mu    sync.Mutex
	dev   *FakeDevice
	space [pci.ConfigSpaceSize]byte

	doorbells int
	resets    int
	// LoseIdentityOnReset makes the function read all ones after reset
	LoseIdentityOnReset bool
	// Fail makes every access return an error
	Fail bool
}

func newFakeConfig(d *FakeDevice) *FakeConfig {
	c := &FakeConfig{dev: d}
	le := binary.LittleEndian
	le.PutUint16(c.space[pci.RegVendorID:], driver.PCIVendorID)
	le.PutUint16(c.space[pci.RegDeviceID:], driver.PCIDeviceID)
	le.PutUint16(c.space[pci.RegCommand:], pci.CommandMemory|pci.CommandMaster)
	le.PutUint16(c.space[pci.RegStatus:], pci.StatusCapList)
	c.space[pci.RegCapPointer] = FakeExpressCap
	c.space[FakeExpressCap] = pci.CapIDExpress
	c.space[FakeExpressCap+1] = FakeMSICap
	c.space[FakeMSICap] = pci.CapIDMSI
	le.PutUint16(c.space[FakeMSICap+pci.MSIControl:], pci.MSIEnable)
	return c
}

var errConfig = errors.New("config space access failed")

func (c *FakeConfig) ReadConfig(off int, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return errConfig
	}
	if off < 0 || off+len(b) > len(c.space) {
		return fmt.Errorf("config read at %#x out of range", off)
	}
	copy(b, c.space[off:])
	return nil
}

func (c *FakeConfig) WriteConfig(off int, b []byte) error {
	c.mu.Lock()
	if c.Fail {
		c.mu.Unlock()
		return errConfig
	}
	if off < 0 || off+len(b) > len(c.space) {
		c.mu.Unlock()
		return fmt.Errorf("config write at %#x out of range", off)
	}

	var hook func()
	switch {
	case off == driver.DoorbellConfigOffset && len(b) == 4 &&
		binary.LittleEndian.Uint32(b) == driver.DoorbellMagic:
		c.doorbells++
		copy(c.space[off:], b)
		hook = c.dev.doorbell
	case off == driver.ResetConfigOffset && len(b) == 4 &&
		binary.LittleEndian.Uint32(b) == driver.ResetMagic:
		c.resets++
		c.clearForReset()
		hook = c.dev.reset
	case off == FakeMSICap+pci.MSIControl && len(b) == 2:
		copy(c.space[off:], b)
		if binary.LittleEndian.Uint16(b)&pci.MSIEnable != 0 {
			hook = c.dev.msiEnabled
		}
	default:
		copy(c.space[off:], b)
	}
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (c *FakeConfig) clearForReset() {
	le := binary.LittleEndian
	le.PutUint16(c.space[pci.RegCommand:], 0)
	le.PutUint16(c.space[FakeMSICap+pci.MSIControl:], 0)
	for off := 0x10; off < 0x28; off++ {
		c.space[off] = 0
	}
	for off := driver.DoorbellConfigOffset; off < driver.ResetConfigOffset+4; off++ {
		c.space[off] = 0
	}
	if c.LoseIdentityOnReset {
		le.PutUint32(c.space[pci.RegVendorID:], 0xffffffff)
	}
}

func (c *FakeConfig) Doorbells() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doorbells
}

func (c *FakeConfig) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Command returns the command register
func (c *FakeConfig) Command() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint16(c.space[pci.RegCommand:])
}

// SetBAR sets BAR0, to check that restore puts it back
func (c *FakeConfig) SetBAR(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	binary.LittleEndian.PutUint32(c.space[0x10:], v)
}

func (c *FakeConfig) BAR() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint32(c.space[0x10:])
}

// FakeMapper hands out bus addresses from a private IOVA range and lets
// the simulated device reach the mapped host memory.
type FakeMapper struct {
	mu     sync.Mutex
	next   uint64
	live   map[uint64][]byte
	maps   int
	FailAt int
}

func NewFakeMapper() *FakeMapper {
	return &FakeMapper{next: 0x10000000, live: make(map[uint64][]byte)}
}

func (m *FakeMapper) Map(b []byte, dir pci.Direction) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maps++
	if m.FailAt > 0 && m.maps == m.FailAt {
		return 0, errors.New("iova space exhausted")
	}
	addr := m.next
	m.next += uint64(len(b)+0xfff) &^ 0xfff
	if len(b) == 0 {
		m.next += 0x1000
	}
	m.live[addr] = b
	return addr, nil
}

func (m *FakeMapper) Unmap(addr uint64, dir pci.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[addr]; !ok {
		return fmt.Errorf("unmap of unmapped address %#x", addr)
	}
	delete(m.live, addr)
	return nil
}

// Bytes resolves a bus address range to the mapped host memory
func (m *FakeMapper) Bytes(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.live[addr]
	if !ok {
		return nil, fmt.Errorf("device access to unmapped address %#x", addr)
	}
	if n > len(b) {
		return nil, fmt.Errorf("device access of %d bytes to %d byte mapping", n, len(b))
	}
	return b[:n], nil
}

// Live returns the number of current mappings
func (m *FakeMapper) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// FakeInterrupts is a coalescing interrupt line
type FakeInterrupts struct {
	ch chan struct{}
}

func NewFakeInterrupts() *FakeInterrupts {
	return &FakeInterrupts{ch: make(chan struct{}, 1)}
}

// Raise asserts the line. Raising a pending line is a no-op.
func (i *FakeInterrupts) Raise() {
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

func (i *FakeInterrupts) Wait(ctx context.Context) error {
	select {
	case <-i.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
