package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
)

// SkipIfNoDevice skips the test unless a coprocessor function is bound to
// a uio driver, and returns its address.
func SkipIfNoDevice(t *testing.T) pci.Info {
	t.Helper()

	found, err := pci.NewScanner().Scan(driver.PCIVendorID, driver.PCIDeviceID)
	if err == nil {
		for _, info := range found {
			if info.UIO != "" {
				return info
			}
		}
	}
	t.Skip("No coprocessor bound to uio_pci_generic")
	return pci.Info{}
}

// SkipIfNoImage skips the test unless VPU_IMAGE names a readable firmware
// image, and returns its path.
func SkipIfNoImage(t *testing.T) string {
	t.Helper()

	path := os.Getenv("VPU_IMAGE")
	if path == "" {
		t.Skip("VPU_IMAGE not set")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("firmware image unavailable: %v", err)
	}
	return path
}

// TempFile creates a temporary file with given content
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0644)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

// MakeRandomBytes creates deterministic test data
func MakeRandomBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*17 + 11) % 256)
	}
	return data
}

// NoSleep is a sleep function that returns immediately
func NoSleep(time.Duration) {}

// TickSleep returns a sleep function that advances the device's boot ROM
// once per call instead of sleeping.
func TickSleep(d *FakeDevice) func(time.Duration) {
	return func(time.Duration) {
		d.Tick()
	}
}
