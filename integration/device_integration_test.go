//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/boot"
	"github.com/emergingrobotics/go-vpulink/pkg/device"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/emergingrobotics/go-vpulink/pkg/transport"
	"github.com/emergingrobotics/go-vpulink/testutil"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attachHardware(t *testing.T) *device.Device {
	t.Helper()
	info := testutil.SkipIfNoDevice(t)

	b, err := device.OpenBackend(pci.NewScanner(), info)
	require.NoError(t, err)

	g := device.NewRegistry(testutil.NewLogger(), metrics.NewRegistry())
	d, err := g.Attach(b, device.Options{})
	if err != nil {
		b.Close()
		t.Fatalf("attach %s: %v", info.Address, err)
	}
	t.Cleanup(func() { g.DetachAll() })
	return d
}

// bootHardware brings the device to the application mode from any state
func bootHardware(t *testing.T, d *device.Device) {
	t.Helper()
	path := testutil.SkipIfNoImage(t)

	if d.Status() != device.StatusBootloader {
		require.NoError(t, d.Reset())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	image, err := os.ReadFile(path)
	require.NoError(t, err)
	if boot.IsBundle(image) {
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		b, err := boot.ReadBundle(f)
		require.NoError(t, err)
		require.NoError(t, d.BootBundle(ctx, b))
	} else {
		require.NoError(t, d.BootBytes(ctx, image))
	}
	require.Equal(t, device.StatusUserApp, d.Status())
}

func TestAttachReportsStatus(t *testing.T) {
	d := attachHardware(t)
	assert.NotEqual(t, device.StatusUnknown, d.Status())
	t.Logf("%s: mode %s, session %s", d.Address(), d.Mode(), d.Transport().State())
}

func TestBootAndSession(t *testing.T) {
	d := attachHardware(t)
	bootHardware(t, d)

	tr := d.Transport()
	require.Equal(t, transport.StateRunning, tr.State())
	assert.Positive(t, tr.Fragment())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := tr.Open(ctx, 0)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(testutil.MakeRandomBytes(3 * tr.Fragment()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Stats().Snapshot().RingTxPackets >= 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestResetReturnsToBootloader(t *testing.T) {
	d := attachHardware(t)
	bootHardware(t, d)

	require.NoError(t, d.Reset())
	assert.Equal(t, device.StatusBootloader, d.Status())
	assert.Equal(t, transport.StateUninitialized, d.Transport().State())
}

func TestRepeatedBootCycles(t *testing.T) {
	d := attachHardware(t)
	for i := 0; i < 3; i++ {
		bootHardware(t, d)
		require.NoError(t, d.Reset(), "cycle %d", i)
	}
}
