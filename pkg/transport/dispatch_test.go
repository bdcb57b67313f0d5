//go:build unit

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleInterruptByMode(t *testing.T) {
	h := newHarness(t, testOptions())

	h.dev.Region.Write32(driver.OffsetIntIdentity, 7)
	h.d.HandleInterrupt()
	assert.Equal(t, int64(1), h.tr.Stats().Snapshot().Interrupts)
	assert.Equal(t, uint32(7), h.dev.Region.Read32(driver.OffsetIntIdentity))

	h.dev.SetMode(driver.ModeBoot)
	h.d.HandleInterrupt()
	assert.Equal(t, int64(1), h.tr.Stats().Snapshot().Interrupts)
	assert.Zero(t, h.dev.Region.Read32(driver.OffsetIntIdentity))

	h.dev.Region.Write32(driver.OffsetIntIdentity, 7)
	h.dev.SetMode(driver.ModeUnknown)
	h.d.HandleInterrupt()
	assert.Equal(t, int64(1), h.tr.Stats().Snapshot().Interrupts)
	assert.Equal(t, uint32(7), h.dev.Region.Read32(driver.OffsetIntIdentity))
}

func TestInterruptSchedulesDrains(t *testing.T) {
	h := newHarness(t, testOptions())
	h.start(t)

	before := h.tr.Stats().Snapshot()
	h.dev.IRQ.Raise()
	require.Eventually(t, func() bool {
		s := h.tr.Stats().Snapshot()
		return s.Interrupts > before.Interrupts && s.RxWork > before.RxWork && s.TxWork > before.TxWork
	}, time.Second, time.Millisecond)
}

func TestArmDisarm(t *testing.T) {
	h := newHarness(t, testOptions())
	assert.False(t, h.d.Armed())

	h.d.Arm(context.Background())
	h.d.Arm(context.Background())
	assert.True(t, h.d.Armed())
	assert.True(t, h.tr.q.Running())

	h.d.Disarm()
	assert.False(t, h.d.Armed())
	assert.False(t, h.tr.q.Running())
	h.d.Disarm()

	// interrupts raised while disarmed are picked up after re-arming
	h.dev.IRQ.Raise()
	h.d.Arm(context.Background())
	require.Eventually(t, func() bool { return h.tr.Stats().Snapshot().Interrupts == 1 }, time.Second, time.Millisecond)
}

type failingInterrupts struct{}

func (failingInterrupts) Wait(context.Context) error {
	return driver.NewError(driver.StatusIOError, "uio read")
}

func TestDispatcherStopsOnInterruptError(t *testing.T) {
	h := newHarness(t, testOptions())
	d := NewDispatcher(testutil.NewLogger(), h.dev.Region, failingInterrupts{}, h.tr)

	d.Arm(context.Background())
	done := make(chan struct{})
	go func() {
		d.Disarm()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disarm hung after interrupt goroutine exited")
	}
	assert.Zero(t, h.tr.Stats().Snapshot().Interrupts)
}
