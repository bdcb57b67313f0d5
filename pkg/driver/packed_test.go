//go:build unit

package driver

import (
	"testing"
)

func TestTransferDescriptorLayout(t *testing.T) {
	d := TransferDescriptor{
		Address: 0x123456789ABCDEF0,
		Length:  0x11223344,
		Status:  DescStatusError,
		Tag:     0x0102,
	}
	p := d.Pack()

	want := [SizeOfTransferDescriptor]byte{
		0xF0, 0xDE, 0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12,
		0x44, 0x33, 0x22, 0x11,
		0xFF, 0xFF,
		0x02, 0x01,
	}
	if [SizeOfTransferDescriptor]byte(p) != want {
		t.Errorf("packed = % x, expected % x", p[:], want[:])
	}

	if got := p.Unpack(); got != d {
		t.Errorf("Unpack() = %+v, expected %+v", got, d)
	}
}

func TestCapHeaderLayout(t *testing.T) {
	h := NewPackedCapHeader(CapTxRx, 0x0140)
	if h != (PackedCapHeader{0x01, 0x00, 0x40, 0x01}) {
		t.Errorf("header = % x", h[:])
	}
	if h.ID() != CapTxRx || h.Next() != 0x0140 {
		t.Errorf("ID() = %d, Next() = %#x", h.ID(), h.Next())
	}
}

func TestTxRxCapLayout(t *testing.T) {
	tx := Pipe{Ring: 0x1000, Count: 8, Head: 1, Tail: 2}
	rx := Pipe{Ring: 0x1080, Count: 16, Head: 3, Tail: 4}
	p := NewPackedTxRxCap(0, 4096, tx, rx)

	if len(p) != 40 {
		t.Fatalf("size = %d, expected 40", len(p))
	}
	if p.FragmentSize() != 4096 {
		t.Errorf("FragmentSize() = %d", p.FragmentSize())
	}
	if p.Tx() != tx {
		t.Errorf("Tx() = %+v, expected %+v", p.Tx(), tx)
	}
	if p.Rx() != rx {
		t.Errorf("Rx() = %+v, expected %+v", p.Rx(), rx)
	}
	// rx ring offset lives at byte 24
	if p[24] != 0x80 || p[25] != 0x10 {
		t.Errorf("rx ring bytes = % x", p[24:28])
	}
}
