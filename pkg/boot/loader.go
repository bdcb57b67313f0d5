// Package boot moves firmware images onto the device and brings it back
// to its boot ROM after a reset.
package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/sirupsen/logrus"
)

// Loader streams images to the boot ROM, or to the secondary loader for
// images above the single-transfer ceiling.
type Loader struct {
	l     *logrus.Logger
	r     *mmio.Region
	m     pci.Mapper
	alloc buffer.Allocator

	// transfer lock, one image in flight at a time
	mu sync.Mutex

	// SecondaryLoader is loaded first when an image exceeds
	// driver.MaxChunkSize.
	SecondaryLoader []byte

	// Sleep is called once per poll of the ready flag
	Sleep func(time.Duration)
}

// NewLoader returns a loader staging chunks in memory from alloc
func NewLoader(l *logrus.Logger, r *mmio.Region, m pci.Mapper, alloc buffer.Allocator) *Loader {
	if alloc == nil {
		alloc = buffer.HeapAllocator{}
	}
	return &Loader{
		l:     l,
		r:     r,
		m:     m,
		alloc: alloc,
		Sleep: time.Sleep,
	}
}

// LoadBytes loads an in-memory image
func (ld *Loader) LoadBytes(ctx context.Context, image []byte) (int64, error) {
	return ld.Load(ctx, bytes.NewReader(image), int64(len(image)))
}

// Load transfers length bytes of src and returns the number of bytes
// loaded. Images above driver.MaxChunkSize go through the secondary
// loader, and only that path issues the boot command.
func (ld *Loader) Load(ctx context.Context, src io.ReaderAt, length int64) (int64, error) {
	if length <= 0 {
		return 0, driver.NewError(driver.StatusInvalidArgument, "empty image")
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()

	if length <= driver.MaxChunkSize {
		return ld.transfer(ctx, src, length, false)
	}

	loader := ld.SecondaryLoader
	if len(loader) == 0 {
		return 0, driver.NewError(driver.StatusNotFound,
			fmt.Sprintf("image of %d bytes needs a secondary loader", length))
	}
	if len(loader) > driver.MaxChunkSize {
		return 0, driver.NewError(driver.StatusInvalidArgument, "secondary loader exceeds a single transfer")
	}

	ld.l.WithField("length", len(loader)).Info("Loading secondary loader")
	if _, err := ld.transfer(ctx, bytes.NewReader(loader), int64(len(loader)), false); err != nil {
		return 0, fmt.Errorf("secondary loader: %w", err)
	}
	if mode := driver.DetectMode(ld.r); mode != driver.ModeSecondaryLoader {
		return 0, driver.NewError(driver.StatusProtocolError,
			fmt.Sprintf("device in %s mode after secondary loader", mode))
	}

	ld.l.WithField("length", length).Info("Streaming image through secondary loader")
	return ld.transfer(ctx, src, length, true)
}

func (ld *Loader) transfer(ctx context.Context, src io.ReaderAt, length int64, bootNow bool) (int64, error) {
	chunks := (length + driver.MaxChunkSize - 1) / driver.MaxChunkSize
	for i := int64(0); i < chunks; i++ {
		off := i * driver.MaxChunkSize
		n := min(length-off, driver.MaxChunkSize)
		final := i == chunks-1

		if err := ld.chunk(ctx, src, off, int(n), bootNow && final); err != nil {
			return 0, fmt.Errorf("chunk %d of %d at offset %d: %w", i+1, chunks, off, err)
		}
	}
	return length, nil
}

// chunk moves one staged piece of the image. Staging memory and the DMA
// mapping are released on every path.
func (ld *Loader) chunk(ctx context.Context, src io.ReaderAt, off int64, n int, boot bool) error {
	staging, err := ld.alloc.Allocate(n)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfHostMemory, "staging buffer", err)
	}
	defer ld.alloc.Release(staging)

	if got, err := src.ReadAt(staging[:n], off); got < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading image: %w", err)
	}

	addr, err := ld.m.Map(staging[:n], pci.ToDevice)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusDmaMapFailed, "staging buffer", err)
	}
	defer func() {
		if err := ld.m.Unmap(addr, pci.ToDevice); err != nil {
			ld.l.WithError(err).Warn("Failed to unmap image chunk")
		}
	}()

	mode := driver.DetectMode(ld.r)
	ld.r.Write64(driver.OffsetTransferAddr, addr)
	ld.r.Write32(driver.OffsetTransferLen, uint32(n))
	ld.r.Write32(driver.OffsetReadyFlag, driver.ReadyFlagPending)

	if err := ld.poll(ctx, mode); err != nil {
		return err
	}

	if boot {
		ld.l.Debug("Sending boot command")
		ld.r.Write32(driver.OffsetReadyFlag, driver.ReadyFlagBoot)
	}
	return nil
}

// poll waits for the device to take the chunk. A mode change counts as
// success since the device only leaves its mode once it has the image.
func (ld *Loader) poll(ctx context.Context, mode driver.Mode) error {
	pending := driver.ReadyPendingTicks
	starting := driver.ReadyStartingTicks

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if now := driver.DetectMode(ld.r); now != mode {
			ld.l.WithField("from", mode).WithField("to", now).Debug("Mode changed during transfer")
			return nil
		}

		switch flag := ld.r.Read32(driver.OffsetReadyFlag); flag {
		case driver.ReadyFlagDone, driver.ReadyFlagReady:
			return nil
		case driver.ReadyFlagPending:
			if pending == 0 {
				return driver.NewError(driver.StatusTimeout, "ready flag stayed pending")
			}
			pending--
		case driver.ReadyFlagStarting:
			if starting == 0 {
				return driver.NewError(driver.StatusTimeout, "ready flag stayed starting")
			}
			starting--
		case driver.ReadyFlagDmaError:
			return driver.NewError(driver.StatusProtocolError, "device reported DMA error")
		case driver.ReadyFlagInvalid:
			return driver.NewError(driver.StatusProtocolError, "device rejected the transfer")
		default:
			return driver.NewError(driver.StatusProtocolError, fmt.Sprintf("unknown ready flag %#08x", flag))
		}

		ld.Sleep(time.Millisecond)
	}
}
