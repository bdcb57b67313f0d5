package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/sirupsen/logrus"
)

// Dispatcher turns device interrupts into scheduled transport work
type Dispatcher struct {
	l   *logrus.Logger
	r   *mmio.Region
	irq pci.Interrupts
	t   *Transport

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(l *logrus.Logger, r *mmio.Region, irq pci.Interrupts, t *Transport) *Dispatcher {
	return &Dispatcher{l: l, r: r, irq: irq, t: t}
}

// HandleInterrupt is the top half. It only reads the mode and schedules.
func (d *Dispatcher) HandleInterrupt() {
	mode := driver.DetectMode(d.r)
	switch {
	case mode.IsApp():
		d.t.stats.interrupts.Inc(1)
		d.t.q.Schedule(WorkRX)
		d.t.q.Schedule(WorkTX)
	case mode == driver.ModeBoot:
		d.r.Write32(driver.OffsetIntIdentity, 0)
	default:
		d.l.WithField("mode", mode).Debug("Ignoring interrupt")
	}
}

// Arm starts the work queue and the interrupt goroutine
func (d *Dispatcher) Arm(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	d.t.q.Start(ctx)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	go func() {
		defer close(done)
		for {
			err := d.irq.Wait(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				d.l.WithError(err).Error("Waiting for interrupt failed")
				return
			}
			d.HandleInterrupt()
		}
	}()
}

// Disarm stops the interrupt goroutine and the work queue and waits for
// both. No work touches the device after it returns.
func (d *Dispatcher) Disarm() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.t.q.Stop()
}

func (d *Dispatcher) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}
