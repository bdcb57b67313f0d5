//go:build linux

package pci

import (
	"context"
	"encoding/binary"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"golang.org/x/sys/unix"
)

// UIO receives interrupts from a function bound to uio_pci_generic
type UIO struct {
	fd int
}

// pollInterval bounds how long Wait sleeps in poll before it checks for
// cancellation.
const pollInterval = 100

func OpenUIO(path string) (*UIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, driver.FromSyscall(err, "opening "+path)
	}
	u := &UIO{fd: fd}
	if err := u.unmask(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return u, nil
}

func (u *UIO) unmask() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(u.fd, b[:]); err != nil {
		return driver.FromSyscall(err, "unmasking interrupt")
	}
	return nil
}

// Wait blocks until the next interrupt, then unmasks the line again
func (u *UIO) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return driver.FromSyscall(err, "polling interrupt")
		}
		if n == 0 {
			continue
		}

		var count [4]byte
		if _, err := unix.Read(u.fd, count[:]); err != nil {
			return driver.FromSyscall(err, "reading interrupt count")
		}
		return u.unmask()
	}
}

func (u *UIO) Close() error {
	return unix.Close(u.fd)
}
