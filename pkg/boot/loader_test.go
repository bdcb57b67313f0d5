//go:build unit

package boot

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/emergingrobotics/go-vpulink/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flagMapper records the ready flag each time a chunk is staged
type flagMapper struct {
	*testutil.FakeMapper
	dev   *testutil.FakeDevice
	flags []uint32
}

func (m *flagMapper) Map(b []byte, dir pci.Direction) (uint64, error) {
	m.flags = append(m.flags, m.dev.Region.Read32(driver.OffsetReadyFlag))
	return m.FakeMapper.Map(b, dir)
}

func newLoader(t *testing.T) (*Loader, *testutil.FakeDevice, *flagMapper) {
	t.Helper()
	dev := testutil.NewFakeDevice(testutil.FakeOptions{})
	m := &flagMapper{FakeMapper: dev.Mapper, dev: dev}
	ld := NewLoader(testutil.NewLogger(), dev.Region, m, nil)
	ld.Sleep = testutil.TickSleep(dev)
	return ld, dev, m
}

var secondaryLoader = []byte("second stage loader")

// enterLoaderOnLoad switches to the secondary loader once it arrives
func enterLoaderOnLoad(d *testutil.FakeDevice, chunk []byte) {
	if d.Mode() == driver.ModeBoot && bytes.Equal(chunk, secondaryLoader) {
		d.SetMode(driver.ModeSecondaryLoader)
	}
}

func TestDirectLoadIsOneChunkWithoutBootCommand(t *testing.T) {
	for _, n := range []int{1, 4096, driver.MaxChunkSize} {
		ld, dev, _ := newLoader(t)
		image := testutil.MakeRandomBytes(n)

		got, err := ld.LoadBytes(context.Background(), image)
		require.NoError(t, err)
		assert.Equal(t, int64(n), got)

		chunks := dev.Chunks()
		require.Len(t, chunks, 1)
		assert.True(t, bytes.Equal(image, chunks[0]))

		assert.Equal(t, driver.ReadyFlagDone, dev.Region.Read32(driver.OffsetReadyFlag))
		dev.Tick()
		assert.Zero(t, dev.Boots())
		assert.Zero(t, dev.Mapper.Live())
	}
}

func TestSecondaryLoadChunksAndBootsAfterFinalChunk(t *testing.T) {
	cases := []struct {
		length int
		chunks int
	}{
		{driver.MaxChunkSize + 1, 2},
		{2 * driver.MaxChunkSize, 2},
		{2*driver.MaxChunkSize + 100, 3},
	}
	for _, tc := range cases {
		ld, dev, m := newLoader(t)
		ld.SecondaryLoader = secondaryLoader
		dev.ROM.OnChunk = enterLoaderOnLoad
		image := testutil.MakeRandomBytes(tc.length)

		got, err := ld.LoadBytes(context.Background(), image)
		require.NoError(t, err)
		assert.Equal(t, int64(tc.length), got)

		chunks := dev.Chunks()
		require.Len(t, chunks, tc.chunks+1)
		assert.Equal(t, secondaryLoader, chunks[0])
		assert.True(t, bytes.Equal(image, bytes.Join(chunks[1:], nil)))
		for i, c := range chunks[1 : len(chunks)-1] {
			assert.Len(t, c, driver.MaxChunkSize, "chunk %d", i)
		}

		// no chunk was staged after a boot command
		assert.NotContains(t, m.flags, driver.ReadyFlagBoot)
		assert.Equal(t, driver.ReadyFlagBoot, dev.Region.Read32(driver.OffsetReadyFlag))

		dev.Tick()
		assert.Equal(t, 1, dev.Boots())
		assert.Equal(t, driver.ModeAppProtocolB, dev.Mode())
		assert.Zero(t, dev.Mapper.Live())
	}
}

func TestSecondaryLoadRequiresLoaderMode(t *testing.T) {
	ld, dev, _ := newLoader(t)
	ld.SecondaryLoader = secondaryLoader

	_, err := ld.LoadBytes(context.Background(), make([]byte, driver.MaxChunkSize+1))
	assert.ErrorIs(t, err, driver.ErrProtocol)
	assert.Len(t, dev.Chunks(), 1)
	assert.NotEqual(t, driver.ReadyFlagBoot, dev.Region.Read32(driver.OffsetReadyFlag))
}

func TestLargeImageWithoutLoader(t *testing.T) {
	ld, dev, _ := newLoader(t)
	_, err := ld.LoadBytes(context.Background(), make([]byte, driver.MaxChunkSize+1))
	assert.ErrorIs(t, err, driver.ErrNotFound)
	assert.Empty(t, dev.Chunks())

	ld.SecondaryLoader = make([]byte, driver.MaxChunkSize+1)
	_, err = ld.LoadBytes(context.Background(), make([]byte, driver.MaxChunkSize+1))
	assert.ErrorIs(t, err, driver.ErrInvalidArgument)
}

func TestPollTimeouts(t *testing.T) {
	cases := []struct {
		name      string
		pending   int
		starting  int
		wantSleep int
	}{
		{"pending", 1000, 0, driver.ReadyPendingTicks},
		{"starting", 0, 5000, driver.ReadyStartingTicks + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ld, dev, _ := newLoader(t)
			dev.ROM.PendingTicks = tc.pending
			dev.ROM.StartingTicks = tc.starting
			sleeps := 0
			ld.Sleep = func(time.Duration) {
				sleeps++
				dev.Tick()
			}

			_, err := ld.LoadBytes(context.Background(), []byte("image"))
			assert.ErrorIs(t, err, driver.ErrTimeout)
			assert.Equal(t, tc.wantSleep, sleeps)
			assert.Zero(t, dev.Mapper.Live())
		})
	}
}

func TestPollWithinBudget(t *testing.T) {
	ld, dev, _ := newLoader(t)
	dev.ROM.PendingTicks = 50
	dev.ROM.StartingTicks = 1000

	_, err := ld.LoadBytes(context.Background(), []byte("image"))
	assert.NoError(t, err)
}

func TestPollErrorFlags(t *testing.T) {
	for _, flag := range []uint32{driver.ReadyFlagDmaError, driver.ReadyFlagInvalid, 0x12345678} {
		ld, dev, _ := newLoader(t)
		dev.ROM.Final = flag

		_, err := ld.LoadBytes(context.Background(), []byte("image"))
		assert.ErrorIs(t, err, driver.ErrProtocol, "flag %#x", flag)
		assert.Zero(t, dev.Mapper.Live())
	}
}

func TestModeChangeEndsPoll(t *testing.T) {
	ld, dev, _ := newLoader(t)
	dev.ROM.Final = driver.ReadyFlagPending
	dev.ROM.OnChunk = func(d *testutil.FakeDevice, _ []byte) {
		d.SetMode(driver.ModeAppProtocolA)
	}

	n, err := ld.LoadBytes(context.Background(), []byte("self starting image"))
	assert.NoError(t, err)
	assert.Equal(t, int64(19), n)
}

func TestMapFailureAbortsLoad(t *testing.T) {
	ld, dev, _ := newLoader(t)
	dev.Mapper.FailAt = 1

	_, err := ld.LoadBytes(context.Background(), []byte("image"))
	assert.ErrorIs(t, err, driver.ErrDmaMap)
	assert.Empty(t, dev.Chunks())
}

type shortReader struct{}

func (shortReader) ReadAt(p []byte, off int64) (int, error) {
	return len(p) / 2, errors.New("disk went away")
}

func TestShortSourceAbortsLoad(t *testing.T) {
	ld, dev, _ := newLoader(t)
	_, err := ld.Load(context.Background(), shortReader{}, 100)
	assert.Error(t, err)
	assert.Empty(t, dev.Chunks())

	_, err = ld.Load(context.Background(), bytes.NewReader([]byte("tiny")), 100)
	assert.Error(t, err)
}

func TestLoadCancelled(t *testing.T) {
	ld, dev, _ := newLoader(t)
	dev.ROM.PendingTicks = 1000

	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	ld.Sleep = func(time.Duration) {
		if ticks++; ticks == 10 {
			cancel()
		}
	}
	_, err := ld.LoadBytes(ctx, []byte("image"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dev.Mapper.Live())
}

func TestLoadRejectsEmptyImage(t *testing.T) {
	ld, _, _ := newLoader(t)
	_, err := ld.LoadBytes(context.Background(), nil)
	assert.ErrorIs(t, err, driver.ErrInvalidArgument)
}
