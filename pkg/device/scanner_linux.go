//go:build linux

package device

import (
	"errors"
	"fmt"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
)

// Scan finds all coprocessor functions using the default sysfs paths
func Scan() ([]pci.Info, error) {
	return pci.NewScanner().Scan(driver.PCIVendorID, driver.PCIDeviceID)
}

// FindBackend opens the function at addr, or the first function bound to
// uio_pci_generic when addr is empty.
func FindBackend(s *pci.Scanner, addr string) (Backend, error) {
	found, err := s.Scan(driver.PCIVendorID, driver.PCIDeviceID)
	if err != nil {
		return Backend{}, fmt.Errorf("failed to scan devices: %w", err)
	}
	for _, info := range found {
		if addr == "" && info.UIO == "" {
			continue
		}
		if addr == "" || info.Address == addr {
			return OpenBackend(s, info)
		}
	}
	return Backend{}, ErrNoDevices
}

// OpenBackend maps the function's BAR, opens its uio node and the
// pagemap translator.
func OpenBackend(s *pci.Scanner, info pci.Info) (Backend, error) {
	if info.UIO == "" {
		return Backend{}, fmt.Errorf("%s: %w", info.Address, ErrNoUIO)
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	fn, err := s.Open(info.Address)
	if err != nil {
		return Backend{}, err
	}
	closers = append(closers, fn.Close)

	mem, err := fn.MapBAR(driver.PCIBar)
	if err != nil {
		closeAll()
		return Backend{}, err
	}
	closers = append(closers, func() error { return fn.UnmapBAR(mem) })

	uio, err := pci.OpenUIO(info.UIO)
	if err != nil {
		closeAll()
		return Backend{}, err
	}
	closers = append(closers, uio.Close)

	pm, err := pci.OpenPagemap()
	if err != nil {
		closeAll()
		return Backend{}, err
	}
	closers = append(closers, pm.Close)

	return Backend{
		Address: info.Address,
		Config:  fn,
		Region:  mmio.New(mem),
		IRQ:     uio,
		Mapper:  pm,
		Close:   closeAll,
	}, nil
}
