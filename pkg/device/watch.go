package device

import (
	"context"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/transport"
)

// Watch polls the firmware mode every interval until ctx is done. It
// logs transitions, starts the session when the device reaches the
// application mode on its own and drops it when the device leaves it.
// The first pass treats the previous mode as unknown, so a device that
// is already in the application mode gets its session.
func (d *Device) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	last := driver.ModeUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last = d.poll(last)
		}
	}
}

// poll runs one watcher pass and returns the mode it saw
func (d *Device) poll(last driver.Mode) driver.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return last
	}

	mode := d.Mode()
	if mode != last {
		d.log().WithField("from", last).WithField("to", mode).Info("Device mode changed")
	}

	running := d.transport.State() == transport.StateRunning
	switch {
	case mode.IsApp() && !running && mode != last:
		if err := d.transport.Init(); err != nil {
			d.log().WithError(err).Warn("Transport did not come up after mode change")
		}
	case !mode.IsApp() && running:
		d.log().WithField("mode", mode).Warn("Device left the application mode, dropping session")
		d.transport.Cleanup()
	}
	return mode
}
