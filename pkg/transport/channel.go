package transport

import (
	"sync"
	"sync/atomic"

	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
)

// Channel is one tagged byte stream multiplexed over the rings. Reads and
// writes never block; use ReadNotify and Transport.WriteNotify to wait.
type Channel struct {
	t    *Transport
	id   uint16
	open atomic.Bool

	// rmu and wmu are independent so a reader and a writer on the same
	// channel never contend
	rmu     sync.Mutex
	wmu     sync.Mutex
	queue   *buffer.List
	partial buffer.Handle

	ready *notifier
}

func newChannel(t *Transport, id uint16) *Channel {
	return &Channel{
		t:     t,
		id:    id,
		queue: buffer.NewList(t.arena),
		ready: newNotifier(),
	}
}

func (c *Channel) ID() int {
	return int(c.id)
}

// Open marks the channel in use. A channel has one opener at a time.
func (c *Channel) Open() error {
	if !c.open.CompareAndSwap(false, true) {
		return driver.NewError(driver.StatusAlreadyOpen, "sub-channel")
	}
	return nil
}

func (c *Channel) Close() error {
	c.open.Store(false)
	c.ready.broadcast()
	return nil
}

func (c *Channel) IsOpen() bool {
	return c.open.Load()
}

func (c *Channel) check() error {
	if c.t.state != StateRunning {
		return driver.NewError(driver.StatusUninitialized, "transport")
	}
	if !c.open.Load() {
		return driver.NewError(driver.StatusNotOpen, "sub-channel")
	}
	return nil
}

// Read copies queued payload into p: the carried-over buffer first, then
// queue entries in arrival order. It returns 0 when nothing is queued.
func (c *Channel) Read(p []byte) (int, error) {
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	if err := c.check(); err != nil {
		return 0, err
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()

	n, buffers := 0, 0
	for n < len(p) {
		if c.partial == buffer.Nil {
			c.partial = c.queue.Get()
			if c.partial == buffer.Nil {
				break
			}
			buffers++
		}
		b := c.t.arena.Buf(c.partial)
		k := copy(p[n:], b.Bytes())
		b.Advance(k)
		n += k
		if b.Len() == 0 {
			c.t.rxPool.Free(c.partial)
			c.partial = buffer.Nil
		}
	}

	if n > 0 || buffers > 0 {
		c.t.stats.reads.add(buffers, n)
	}
	return n, nil
}

// Write queues p for transmission in fragment-sized buffers. It accepts
// fewer bytes than len(p) when the TX pool runs out.
func (c *Channel) Write(p []byte) (int, error) {
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	if err := c.check(); err != nil {
		return 0, err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var (
		chain []buffer.Handle
		n     int
	)
	for n < len(p) {
		h := c.t.txPool.Alloc()
		if h == buffer.Nil {
			break
		}
		b := c.t.arena.Buf(h)
		k := copy(b.Block()[:c.t.fragment], p[n:])
		b.SetWindow(0, k)
		b.Tag = c.id
		chain = append(chain, h)
		n += k
	}
	if len(chain) == 0 {
		return 0, nil
	}

	if err := c.t.writeQ.Put(c.t.arena.Chain(chain...)); err != nil {
		for _, h := range chain {
			c.t.txPool.Free(h)
		}
		return 0, err
	}
	c.t.stats.writes.add(len(chain), n)
	c.t.q.Schedule(WorkTX)
	return n, nil
}

// ReadReady reports whether Read would return data
func (c *Channel) ReadReady() bool {
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	if c.t.state != StateRunning {
		return false
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.partial != buffer.Nil || !c.queue.Empty()
}

// ReadNotify returns a channel closed the next time data arrives, the
// channel closes or the session ends
func (c *Channel) ReadNotify() <-chan struct{} {
	return c.ready.wait()
}

// cleanup frees everything queued. Caller holds t.mu.
func (c *Channel) cleanup() {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.partial != buffer.Nil {
		c.t.arena.Free(c.partial)
		c.partial = buffer.Nil
	}
	c.queue.Cleanup()
}
