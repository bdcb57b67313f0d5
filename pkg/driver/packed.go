package driver

import "encoding/binary"

// TransferDescriptor is the decoded form of one ring entry
type TransferDescriptor struct {
	Address uint64
	Length  uint32
	Status  uint16
	Tag     uint16
}

// PackedTransferDescriptor matches the device layout, no padding:
//
//	struct transfer_desc {
//	    uint64_t address;    // 8 bytes, offset 0
//	    uint32_t length;     // 4 bytes, offset 8
//	    uint16_t status;     // 2 bytes, offset 12
//	    uint16_t interface;  // 2 bytes, offset 14
//	};
type PackedTransferDescriptor [SizeOfTransferDescriptor]byte

func (d TransferDescriptor) Pack() PackedTransferDescriptor {
	var p PackedTransferDescriptor
	binary.LittleEndian.PutUint64(p[DescAddress:], d.Address)
	binary.LittleEndian.PutUint32(p[DescLength:], d.Length)
	binary.LittleEndian.PutUint16(p[DescStatus:], d.Status)
	binary.LittleEndian.PutUint16(p[DescTag:], d.Tag)
	return p
}

func (p *PackedTransferDescriptor) Unpack() TransferDescriptor {
	return TransferDescriptor{
		Address: binary.LittleEndian.Uint64(p[DescAddress:]),
		Length:  binary.LittleEndian.Uint32(p[DescLength:]),
		Status:  binary.LittleEndian.Uint16(p[DescStatus:]),
		Tag:     binary.LittleEndian.Uint16(p[DescTag:]),
	}
}

// PackedCapHeader: 4 bytes
//
//	struct cap_hdr {
//	    uint16_t id;    // 2 bytes, offset 0
//	    uint16_t next;  // 2 bytes, offset 2
//	};
type PackedCapHeader [CapHeaderSize]byte

func NewPackedCapHeader(id, next uint16) PackedCapHeader {
	var p PackedCapHeader
	binary.LittleEndian.PutUint16(p[0:2], id)
	binary.LittleEndian.PutUint16(p[2:4], next)
	return p
}

func (p *PackedCapHeader) ID() uint16 {
	return binary.LittleEndian.Uint16(p[0:2])
}

func (p *PackedCapHeader) Next() uint16 {
	return binary.LittleEndian.Uint16(p[2:4])
}

// Pipe describes one ring direction inside the transport capability
type Pipe struct {
	Ring  uint32
	Count uint32
	Head  uint32
	Tail  uint32
}

// PackedTxRxCap: 40 bytes
//
//	struct cap_txrx {
//	    struct cap_hdr hdr;       // 4 bytes,  offset 0
//	    uint32_t fragment_size;   // 4 bytes,  offset 4
//	    struct cap_pipe tx;       // 16 bytes, offset 8
//	    struct cap_pipe rx;       // 16 bytes, offset 24
//	};
type PackedTxRxCap [CapTxRxSize]byte

func NewPackedTxRxCap(next uint16, fragmentSize uint32, tx, rx Pipe) PackedTxRxCap {
	var p PackedTxRxCap
	hdr := NewPackedCapHeader(CapTxRx, next)
	copy(p[0:CapHeaderSize], hdr[:])
	binary.LittleEndian.PutUint32(p[CapTxRxFragmentSize:], fragmentSize)
	putPipe(p[CapTxRxTx:], tx)
	putPipe(p[CapTxRxRx:], rx)
	return p
}

func (p *PackedTxRxCap) FragmentSize() uint32 {
	return binary.LittleEndian.Uint32(p[CapTxRxFragmentSize:])
}

func (p *PackedTxRxCap) Tx() Pipe {
	return getPipe(p[CapTxRxTx:])
}

func (p *PackedTxRxCap) Rx() Pipe {
	return getPipe(p[CapTxRxRx:])
}

func putPipe(b []byte, pp Pipe) {
	binary.LittleEndian.PutUint32(b[PipeRing:], pp.Ring)
	binary.LittleEndian.PutUint32(b[PipeCount:], pp.Count)
	binary.LittleEndian.PutUint32(b[PipeHead:], pp.Head)
	binary.LittleEndian.PutUint32(b[PipeTail:], pp.Tail)
}

func getPipe(b []byte) Pipe {
	return Pipe{
		Ring:  binary.LittleEndian.Uint32(b[PipeRing:]),
		Count: binary.LittleEndian.Uint32(b[PipeCount:]),
		Head:  binary.LittleEndian.Uint32(b[PipeHead:]),
		Tail:  binary.LittleEndian.Uint32(b[PipeTail:]),
	}
}
