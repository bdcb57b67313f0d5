//go:build linux

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"golang.org/x/sys/unix"
)

// DefaultSysfsPath is where the kernel lists PCI functions
const DefaultSysfsPath = "/sys/bus/pci/devices"

// Info describes a discovered function
type Info struct {
	Address  string
	VendorID uint16
	DeviceID uint16
	UIO      string
}

// Scanner finds functions by vendor and device id
type Scanner struct {
	SysfsPath string
	DevPath   string
}

func NewScanner() *Scanner {
	return &Scanner{
		SysfsPath: DefaultSysfsPath,
		DevPath:   "/dev",
	}
}

func readHexID(path string) (uint16, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint16(v), nil
}

// uioNode returns the /dev/uioN node bound to the function, if any
func (s *Scanner) uioNode(dir string) string {
	entries, err := os.ReadDir(filepath.Join(dir, "uio"))
	if err != nil {
		return ""
	}
	for _, e := range entries {
		var minor int
		if _, err := fmt.Sscanf(e.Name(), "uio%d", &minor); err == nil {
			return filepath.Join(s.DevPath, e.Name())
		}
	}
	return ""
}

// Scan returns every function matching vendorID and deviceID
func (s *Scanner) Scan(vendorID, deviceID uint16) ([]Info, error) {
	entries, err := os.ReadDir(s.SysfsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []Info
	for _, e := range entries {
		dir := filepath.Join(s.SysfsPath, e.Name())
		v, err := readHexID(filepath.Join(dir, "vendor"))
		if err != nil || v != vendorID {
			continue
		}
		d, err := readHexID(filepath.Join(dir, "device"))
		if err != nil || d != deviceID {
			continue
		}
		found = append(found, Info{
			Address:  e.Name(),
			VendorID: v,
			DeviceID: d,
			UIO:      s.uioNode(dir),
		})
	}
	return found, nil
}

// SysfsFunction accesses a function through its sysfs config and
// resource files.
type SysfsFunction struct {
	Address string
	dir     string
	cfg     *os.File
}

// Open opens the config space of the function at addr
func (s *Scanner) Open(addr string) (*SysfsFunction, error) {
	dir := filepath.Join(s.SysfsPath, addr)
	f, err := os.OpenFile(filepath.Join(dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, driver.FromSyscall(err, "opening config space of "+addr)
	}
	return &SysfsFunction{Address: addr, dir: dir, cfg: f}, nil
}

func (f *SysfsFunction) ReadConfig(off int, b []byte) error {
	n, err := unix.Pread(int(f.cfg.Fd()), b, int64(off))
	if err != nil {
		return driver.FromSyscall(err, "config read")
	}
	if n != len(b) {
		return driver.NewError(driver.StatusIOError, fmt.Sprintf("short config read at %#x", off))
	}
	return nil
}

func (f *SysfsFunction) WriteConfig(off int, b []byte) error {
	n, err := unix.Pwrite(int(f.cfg.Fd()), b, int64(off))
	if err != nil {
		return driver.FromSyscall(err, "config write")
	}
	if n != len(b) {
		return driver.NewError(driver.StatusIOError, fmt.Sprintf("short config write at %#x", off))
	}
	return nil
}

// MapBAR maps resource file bar read/write and shared
func (f *SysfsFunction) MapBAR(bar int) ([]byte, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("resource%d", bar))
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, driver.FromSyscall(err, "opening "+path)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, driver.FromSyscall(err, "stat "+path)
	}
	if st.Size < driver.MinimumRegionLength {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("BAR %d is %d bytes, need at least %d", bar, st.Size, driver.MinimumRegionLength))
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, driver.FromSyscall(err, "mmap "+path)
	}
	return mem, nil
}

func (f *SysfsFunction) UnmapBAR(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

func (f *SysfsFunction) Close() error {
	return f.cfg.Close()
}
