package driver

// PCI identity of the coprocessor endpoint
const (
	PCIVendorID = 0x8086
	PCIDeviceID = 0x6240
	PCIBar      = 0 // BAR holding the MMIO window
)

// Host transport version - must match device firmware exactly
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionBuild = 0
)

// MMIO header layout. All offsets are bytes from the start of the BAR.
const (
	OffsetMagic         = 0x00 // [16]byte operating-mode signature
	OffsetVersion       = 0x10 // u8 major, u8 minor, u16 build
	OffsetDeviceStatus  = 0x14 // u32, written by device
	OffsetHostStatus    = 0x18 // u32, written by host
	OffsetIntIdentity   = 0x1c // u32, boot-mode interrupt identity (write 0 to clear)
	OffsetCapabilities  = 0x20 // u32, offset of first capability record
	OffsetReadyFlag     = 0x24 // u32, image transfer handshake
	OffsetTransferAddr  = 0x28 // u64, image chunk DMA address
	OffsetTransferLen   = 0x30 // u32, image chunk length
	MagicLength         = 16
	HeaderSize          = 0x34
	MinimumRegionLength = 0x1000
)

// Operating-mode signatures, matched as prefixes of the magic field in
// this order.
const (
	MagicBoot            = "VPUBOOT"
	MagicSecondaryLoader = "VPUUBOOT"
	MagicAppProtocolA    = "VPUYOCTO"
	MagicAppProtocolB    = "VPULINK"
)

// Ready flag values for the image transfer handshake
const (
	ReadyFlagReady    uint32 = 0x00000000
	ReadyFlagPending  uint32 = 0xFFFFFFFF
	ReadyFlagStarting uint32 = 0x55555555
	ReadyFlagDone     uint32 = 0xDDDDDDDD
	ReadyFlagBoot     uint32 = 0xBBBBBBBB
	ReadyFlagDmaError uint32 = 0xDEADAAAA
	ReadyFlagInvalid  uint32 = 0xDEADFFFF
)

// DeviceStatus is the value of the device and host status words
type DeviceStatus uint32

const (
	StatusUninit DeviceStatus = 0
	StatusBoot   DeviceStatus = 1
	StatusRun    DeviceStatus = 2
	StatusError  DeviceStatus = 3
)

// String returns the status word name
func (s DeviceStatus) String() string {
	switch s {
	case StatusUninit:
		return "uninit"
	case StatusBoot:
		return "boot"
	case StatusRun:
		return "run"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Capability record layout
const (
	CapNull   uint16 = 0
	CapTxRx   uint16 = 1
	CapVendor uint16 = 2

	CapHeaderSize = 4 // u16 id, u16 next
	CapMaxHops    = 32
)

// Transport capability layout (offsets from the record start)
const (
	CapTxRxFragmentSize = 0x04
	CapTxRxTx           = 0x08
	CapTxRxRx           = 0x18
	CapTxRxSize         = 0x28

	// per direction, relative to CapTxRxTx / CapTxRxRx
	PipeRing  = 0x00 // u32 offset of descriptor array
	PipeCount = 0x04 // u32 descriptor count
	PipeHead  = 0x08 // u32 head register
	PipeTail  = 0x0c // u32 tail register
)

// Transfer descriptor layout
const (
	DescAddress = 0x00 // u64
	DescLength  = 0x08 // u32
	DescStatus  = 0x0c // u16
	DescTag     = 0x0e // u16

	SizeOfTransferDescriptor = 16
)

// Transfer descriptor completion status
const (
	DescStatusSuccess uint16 = 0x0000
	DescStatusError   uint16 = 0xFFFF
)

// LinkDown is the value read from a pointer register while the link is
// resetting.
const LinkDown uint32 = 0xFFFFFFFF

// PCI configuration space side channels
const (
	DoorbellConfigOffset = 0xb0
	DoorbellMagic        = 0x0000d0b1
	ResetConfigOffset    = 0xb4
	ResetMagic           = 0x0bad0bad
)

// Transfer and pool sizing
const (
	MaxChunkSize       = 4 << 20 // single DMA ceiling for image transfer
	DefaultPoolSize    = 5 << 20
	CacheLineSize      = 64
	DefaultChannels    = 1
	MaxChannels        = 16
	ReadyPendingTicks  = 100
	ReadyStartingTicks = 1500
)
