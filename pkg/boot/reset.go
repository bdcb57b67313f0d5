package boot

import (
	"fmt"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/sirupsen/logrus"
)

const (
	resetSettle = 1000 * time.Millisecond
	msiSettle   = time.Millisecond
)

// Resetter puts the device back into its boot ROM. Every method expects
// the caller to hold the function lock.
type Resetter struct {
	l  *logrus.Logger
	fn *pci.Function
	r  *mmio.Region

	Sleep func(time.Duration)
}

func NewResetter(l *logrus.Logger, fn *pci.Function, r *mmio.Region) *Resetter {
	return &Resetter{l: l, fn: fn, r: r, Sleep: time.Sleep}
}

func ioError(context string, err error) error {
	return driver.NewErrorWithCause(driver.StatusIOError, context, err)
}

// Reset triggers a full device reset through the vendor config register
func (rs *Resetter) Reset() error {
	if err := rs.fn.SaveState(); err != nil {
		return ioError("saving config state", err)
	}
	if err := rs.fn.ClearMaster(); err != nil {
		return ioError("disabling bus master", err)
	}
	if !rs.fn.WaitPendingTransactions() {
		rs.l.Warn("Transactions still pending, resetting anyway")
	}

	if err := rs.fn.Write32(driver.ResetConfigOffset, driver.ResetMagic); err != nil {
		return ioError("writing reset trigger", err)
	}
	rs.Sleep(resetSettle)

	if !rs.fn.IdentityValid() {
		return driver.NewError(driver.StatusIOError, "device identity invalid after reset")
	}
	return rs.RestoreAndCheck()
}

// RestoreAndCheck restores the saved config state, re-enables the device
// and its MSI vector, and requires the boot ROM to be running. It is also
// the recovery path after a reset the driver did not initiate.
func (rs *Resetter) RestoreAndCheck() error {
	if err := rs.fn.RestoreState(); err != nil {
		return ioError("restoring config state", err)
	}
	if err := rs.fn.Enable(); err != nil {
		return ioError("enabling device", err)
	}
	// the boot ROM waits for MSI enable before it starts
	if err := rs.fn.EnableMSI(); err != nil {
		return ioError("enabling MSI", err)
	}
	rs.Sleep(msiSettle)

	if mode := driver.DetectMode(rs.r); mode != driver.ModeBoot {
		return driver.NewError(driver.StatusIOError, fmt.Sprintf("device in %s mode after restore", mode))
	}
	rs.l.Info("Device is back in boot mode")
	return nil
}
