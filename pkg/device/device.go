// Package device ties one coprocessor's collaborators together: config
// space, MMIO window, interrupts and DMA mapping. It runs the attach,
// boot and reset lifecycle over the boot and transport packages.
package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/boot"
	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/emergingrobotics/go-vpulink/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Backend is what the host platform provides for one function
type Backend struct {
	Address string
	Config  pci.Config
	Region  *mmio.Region
	IRQ     pci.Interrupts
	Mapper  pci.Mapper
	// Close releases the platform resources; may be nil
	Close func() error
}

// Options configures a device
type Options struct {
	Transport transport.Options
	// AppMode is the mode a booted image is expected to reach
	AppMode driver.Mode
	// SecondaryLoader is staged before images over driver.MaxChunkSize
	SecondaryLoader []byte
	// BootSettleTicks bounds how many 1ms polls Boot waits for AppMode
	BootSettleTicks int
	// Allocator backs image staging and transport buffers
	Allocator buffer.Allocator
}

const defaultBootSettleTicks = 1000

// Status is the coarse device state reported to users
type Status string

const (
	StatusBootloader Status = "bootloader"
	StatusUserApp    Status = "user-app"
	StatusUnknown    Status = "unknown"
)

// Device is one attached coprocessor
type Device struct {
	l    *logrus.Logger
	unit int
	b    Backend
	opts Options

	fn        *pci.Function
	loader    *boot.Loader
	resetter  *boot.Resetter
	transport *transport.Transport
	dispatch  *transport.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes the control operations
	mu     sync.Mutex
	closed bool

	// Sleep paces the post-boot mode poll
	Sleep func(time.Duration)
}

// Attach brings a device up: checks its identity, enables it, arms
// interrupt dispatch and, when the application firmware is already
// running, starts the transport session.
func Attach(l *logrus.Logger, unit int, b Backend, opts Options) (*Device, error) {
	if opts.AppMode == driver.ModeUnknown {
		opts.AppMode = driver.ModeAppProtocolB
	}
	if opts.BootSettleTicks <= 0 {
		opts.BootSettleTicks = defaultBootSettleTicks
	}
	if opts.Transport.Allocator == nil {
		opts.Transport.Allocator = opts.Allocator
	}

	fn := pci.NewFunction(b.Config, driver.PCIVendorID, driver.PCIDeviceID)
	if !fn.IdentityValid() {
		return nil, driver.NewError(driver.StatusNotFound, fmt.Sprintf("no coprocessor at %s", b.Address))
	}
	if b.Region.Len() < driver.MinimumRegionLength {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("MMIO window of %#x bytes is too small", b.Region.Len()))
	}

	fn.Lock()
	err := enable(fn)
	fn.Unlock()
	if err != nil {
		return nil, err
	}

	d := &Device{
		l:        l,
		unit:     unit,
		b:        b,
		opts:     opts,
		fn:       fn,
		loader:   boot.NewLoader(l, b.Region, b.Mapper, opts.Allocator),
		resetter: boot.NewResetter(l, fn, b.Region),
		Sleep:    time.Sleep,
	}
	d.loader.SecondaryLoader = opts.SecondaryLoader
	d.transport = transport.New(l, b.Region, fn, b.Mapper, opts.Transport)
	d.dispatch = transport.NewDispatcher(l, b.Region, b.IRQ, d.transport)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.dispatch.Arm(d.ctx)

	mode := driver.DetectMode(b.Region)
	d.log().WithField("mode", mode).Info("Device attached")
	if mode.IsApp() {
		if err := d.transport.Init(); err != nil {
			d.log().WithError(err).Error("Transport did not come up at attach")
		}
	}
	return d, nil
}

func enable(fn *pci.Function) error {
	if err := fn.Enable(); err != nil {
		return driver.NewErrorWithCause(driver.StatusIOError, "enabling device", err)
	}
	if err := fn.EnableMSI(); err != nil {
		return driver.NewErrorWithCause(driver.StatusIOError, "enabling MSI", err)
	}
	if err := fn.SaveState(); err != nil {
		return driver.NewErrorWithCause(driver.StatusIOError, "saving config space", err)
	}
	return nil
}

func (d *Device) log() *logrus.Entry {
	return d.l.WithField("unit", d.unit)
}

// Detach stops the session and dispatch and releases the backend
func (d *Device) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.transport.Cleanup()
	d.dispatch.Disarm()
	d.cancel()

	d.fn.Lock()
	if err := d.fn.DisableMSI(); err != nil {
		d.log().WithError(err).Warn("Disabling MSI failed")
	}
	d.fn.Unlock()

	d.log().Info("Device detached")
	if d.b.Close != nil {
		return d.b.Close()
	}
	return nil
}

func (d *Device) Unit() int {
	return d.unit
}

func (d *Device) Address() string {
	return d.b.Address
}

// Mode reads the current firmware mode
func (d *Device) Mode() driver.Mode {
	return driver.DetectMode(d.b.Region)
}

// Status maps the firmware mode to the user-facing state
func (d *Device) Status() Status {
	switch m := d.Mode(); {
	case m == driver.ModeBoot, m == driver.ModeSecondaryLoader:
		return StatusBootloader
	case m.IsApp():
		return StatusUserApp
	default:
		return StatusUnknown
	}
}

// Version returns the transport version the device advertises
func (d *Device) Version() driver.Version {
	return driver.ReadVersion(d.b.Region)
}

func (d *Device) Transport() *transport.Transport {
	return d.transport
}

func (d *Device) Loader() *boot.Loader {
	return d.loader
}

func (d *Device) check() error {
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

// Reset returns the device to its boot ROM. A device already in Boot is
// left alone; one reading as Unknown only gets the restore step.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}

	mode := d.Mode()
	switch {
	case mode == driver.ModeBoot:
		d.log().Debug("Device already in boot mode, skipping reset")
		return nil

	case mode == driver.ModeUnknown:
		d.log().Warn("Device mode unknown, restoring config space")
		d.transport.Cleanup()
		d.dispatch.Disarm()
		d.fn.Lock()
		err := d.resetter.RestoreAndCheck()
		d.fn.Unlock()
		d.dispatch.Arm(d.ctx)
		return err

	case !mode.IsApp():
		return driver.NewError(driver.StatusModeMismatch, fmt.Sprintf("cannot reset from %s mode", mode))
	}

	d.transport.Cleanup()
	d.dispatch.Disarm()

	d.fn.Lock()
	err := d.resetter.Reset()
	d.fn.Unlock()

	d.dispatch.Arm(d.ctx)
	if err != nil {
		d.log().WithError(err).Error("Device reset failed")
		return err
	}
	d.log().Info("Device reset to boot mode")
	return nil
}

// Boot loads an image from the boot ROM. It succeeds once the image is
// transferred; a device that then fails to reach the application mode,
// or whose transport fails to start, is logged and can be checked with
// Status.
func (d *Device) Boot(ctx context.Context, src io.ReaderAt, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}

	if mode := d.Mode(); mode != driver.ModeBoot {
		return driver.NewError(driver.StatusModeMismatch, fmt.Sprintf("cannot boot from %s mode", mode))
	}

	// a session left over from before a self-reset is stale
	d.transport.Cleanup()
	d.dispatch.Disarm()
	n, err := d.loader.Load(ctx, src, length)
	d.dispatch.Arm(d.ctx)
	if err != nil {
		d.log().WithError(err).WithField("loaded", n).Error("Image load failed")
		return err
	}
	d.log().WithField("bytes", n).Info("Image loaded")

	mode := d.waitMode(d.opts.AppMode)
	if mode != d.opts.AppMode {
		d.log().WithField("mode", mode).WithField("expected", d.opts.AppMode).
			Warn("Device did not reach the application mode after boot")
		return nil
	}
	if err := d.transport.Init(); err != nil {
		d.log().WithError(err).Error("Transport did not come up after boot")
	}
	return nil
}

// BootBytes boots an in-memory image
func (d *Device) BootBytes(ctx context.Context, image []byte) error {
	return d.Boot(ctx, bytes.NewReader(image), int64(len(image)))
}

// BootBundle boots the image of b, staging its loader when it has one
func (d *Device) BootBundle(ctx context.Context, b *boot.Bundle) error {
	if b.Loader != nil {
		d.mu.Lock()
		d.loader.SecondaryLoader = b.Loader
		d.mu.Unlock()
	}
	return d.BootBytes(ctx, b.Image)
}

func (d *Device) waitMode(want driver.Mode) driver.Mode {
	mode := d.Mode()
	for i := 0; i < d.opts.BootSettleTicks && mode != want; i++ {
		d.Sleep(time.Millisecond)
		mode = d.Mode()
	}
	return mode
}
