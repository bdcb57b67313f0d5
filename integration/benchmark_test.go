//go:build benchmark

package integration

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/device"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/transport"
	"github.com/emergingrobotics/go-vpulink/testutil"
	"github.com/rcrowley/go-metrics"
)

func loopback(b *testing.B) *transport.Transport {
	b.Helper()
	dev := testutil.NewFakeDevice(testutil.FakeOptions{TxCount: 64, RxCount: 64})
	dev.SetMode(driver.ModeAppProtocolB)

	d, err := device.Attach(testutil.NewLogger(), 0, device.Backend{
		Config: dev.Config,
		Region: dev.Region,
		IRQ:    dev.IRQ,
		Mapper: dev.Mapper,
	}, device.Options{Transport: transport.Options{Registry: metrics.NewRegistry()}})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { d.Detach() })
	d.Transport().Sleep = testutil.NoSleep
	return d.Transport()
}

// BenchmarkLoopbackThroughput measures bytes through one sub-channel and back
func BenchmarkLoopbackThroughput(b *testing.B) {
	tr := loopback(b)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	conn, err := tr.Open(ctx, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer conn.Close()

	msg := testutil.MakeRandomBytes(64 << 10)
	got := make([]byte, len(msg))
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		errc := make(chan error, 1)
		go func() {
			_, err := conn.Write(msg)
			errc <- err
		}()
		if _, err := io.ReadFull(conn, got); err != nil {
			b.Fatal(err)
		}
		if err := <-errc; err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPoolAllocFree measures fixed-size buffer churn
func BenchmarkPoolAllocFree(b *testing.B) {
	a := buffer.NewArena(buffer.HeapAllocator{})
	pool, err := buffer.NewPool(a, 1<<20, 4096)
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Cleanup()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := pool.Alloc()
		if err := pool.Free(h); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkListPutGet measures queueing through a buffer list
func BenchmarkListPutGet(b *testing.B) {
	a := buffer.NewArena(buffer.HeapAllocator{})
	pool, err := buffer.NewPool(a, 1<<20, 4096)
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Cleanup()
	l := buffer.NewList(a)
	defer l.Cleanup()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := l.Put(pool.Alloc()); err != nil {
			b.Fatal(err)
		}
		if err := pool.Free(l.Get()); err != nil {
			b.Fatal(err)
		}
	}
}
