// Package transport runs the shared-memory session with the application
// firmware: the TX and RX descriptor rings, the buffer pools behind them,
// the deferred work that drains and refills them, and the tagged
// sub-channels consumers read and write.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/buffer"
	"github.com/emergingrobotics/go-vpulink/pkg/capability"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/emergingrobotics/go-vpulink/pkg/ring"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// ConfigWriter is the config space access the doorbell needs.
// *pci.Function satisfies it.
type ConfigWriter interface {
	Write32(off int, v uint32) error
}

// Options sizes a session
type Options struct {
	RxPoolBytes int
	TxPoolBytes int
	Channels    int
	// RxRetryDelay is how long RX work waits after the pool ran dry
	RxRetryDelay time.Duration
	// CleanupSettle is the pause between dropping host status and
	// tearing down the rings
	CleanupSettle time.Duration
	Workers       int
	// Allocator backs every pool buffer; nil means buffer.HeapAllocator
	Allocator buffer.Allocator
	// Registry receives the session counters; nil means a private one
	Registry metrics.Registry
}

// DefaultOptions returns the stock session sizing
func DefaultOptions() Options {
	return Options{
		RxPoolBytes:   driver.DefaultPoolSize,
		TxPoolBytes:   driver.DefaultPoolSize,
		Channels:      driver.DefaultChannels,
		RxRetryDelay:  5 * time.Millisecond,
		CleanupSettle: 10 * time.Millisecond,
		Workers:       2,
	}
}

func (o *Options) defaults() {
	d := DefaultOptions()
	if o.RxPoolBytes <= 0 {
		o.RxPoolBytes = d.RxPoolBytes
	}
	if o.TxPoolBytes <= 0 {
		o.TxPoolBytes = d.TxPoolBytes
	}
	if o.Channels <= 0 {
		o.Channels = d.Channels
	}
	if o.Channels > driver.MaxChannels {
		o.Channels = driver.MaxChannels
	}
	if o.RxRetryDelay <= 0 {
		o.RxRetryDelay = d.RxRetryDelay
	}
	if o.CleanupSettle < 0 {
		o.CleanupSettle = 0
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
}

// State is the session state
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Transport is one session with the application firmware. Init and
// Cleanup bracket a session; the work queue and sub-channels outlive it.
type Transport struct {
	l      *logrus.Logger
	r      *mmio.Region
	cfg    ConfigWriter
	m      pci.Mapper
	arena  *buffer.Arena
	opts   Options
	stats  *Stats
	q      *WorkQueue
	finder *capability.Finder

	// mu guards the session. Work and channel I/O hold it shared, Init
	// and Cleanup exclusive.
	mu       sync.RWMutex
	state    State
	rxPool   *buffer.Pool
	txPool   *buffer.Pool
	writeQ   *buffer.List
	tx       *ring.Ring
	rx       *ring.Ring
	fragment int
	channels []*Channel

	txReady *notifier

	// Sleep is used for the cleanup settle delay
	Sleep func(time.Duration)
}

func New(l *logrus.Logger, r *mmio.Region, cfg ConfigWriter, m pci.Mapper, opts Options) *Transport {
	opts.defaults()

	t := &Transport{
		l:       l,
		r:       r,
		cfg:     cfg,
		m:       m,
		arena:   buffer.NewArena(opts.Allocator),
		opts:    opts,
		stats:   NewStats(opts.Registry),
		q:       NewWorkQueue(l, opts.Workers),
		finder:  capability.NewFinder(l),
		txReady: newNotifier(),
		Sleep:   time.Sleep,
	}
	t.writeQ = buffer.NewList(t.arena)
	for i := 0; i < opts.Channels; i++ {
		t.channels = append(t.channels, newChannel(t, uint16(i)))
	}

	t.q.Handle(WorkRX, t.rxWork)
	t.q.Handle(WorkTX, t.txWork)
	t.q.Handle(WorkDoorbell, t.doorbellWork)
	return t
}

// Init brings the session up. It is a no-op on a running session.
func (t *Transport) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning {
		return nil
	}

	if err := t.init(); err != nil {
		t.teardown()
		t.state = StateError
		t.l.WithError(err).Error("Transport initialization failed")
		return err
	}

	t.state = StateRunning
	t.l.WithField("fragment", t.fragment).
		WithField("txSlots", t.tx.Count()).
		WithField("rxSlots", t.rx.Count()).
		Info("Transport running")

	if !t.q.Schedule(WorkDoorbell) {
		t.l.Debug("Work queue not running, initial doorbell deferred")
	}
	return nil
}

func (t *Transport) init() error {
	if st := driver.DeviceStatus(t.r.Read32(driver.OffsetDeviceStatus)); st != driver.StatusRun {
		return driver.NewError(driver.StatusDeviceStatus, fmt.Sprintf("device status is %s", st))
	}

	dev, host := driver.ReadVersion(t.r), driver.HostVersion()
	if !host.Compatible(dev) {
		return driver.NewError(driver.StatusVersionMismatch,
			fmt.Sprintf("device speaks %d.%d, host speaks %d.%d", dev.Major, dev.Minor, host.Major, host.Minor))
	}

	tc, err := t.finder.FindTransport(t.r)
	if err != nil {
		return err
	}
	t.fragment = int(tc.FragmentSize)

	t.rxPool, err = buffer.NewPool(t.arena, t.opts.RxPoolBytes, t.fragment)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfHostMemory, "rx pool", err)
	}
	if t.rxPool.Size() <= int(tc.Rx.Count) {
		return driver.NewError(driver.StatusOutOfHostMemory,
			fmt.Sprintf("rx pool of %d buffers cannot refill a ring of %d", t.rxPool.Size(), tc.Rx.Count))
	}
	t.txPool, err = buffer.NewPool(t.arena, t.opts.TxPoolBytes, t.fragment)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfHostMemory, "tx pool", err)
	}

	t.tx = ring.New(t.r, tc.Tx, pci.ToDevice)
	t.rx = ring.New(t.r, tc.Rx, pci.FromDevice)
	head, tail := t.tx.Head(), t.tx.Tail()
	if ring.LinkDown(head, tail) || !t.tx.InRange(head, tail) {
		return driver.NewError(driver.StatusProtocolError,
			fmt.Sprintf("tx pointers %#x/%#x outside ring of %d", head, tail, t.tx.Count()))
	}
	t.tx.Old = head
	t.rx.Old = t.tx.Old

	for i := uint32(0); i < t.rx.Count(); i++ {
		h := t.rxPool.Alloc()
		if err := t.rx.Install(i, t.arena, t.m, h, driver.DescStatusError); err != nil {
			t.rxPool.Free(h)
			return err
		}
	}

	for _, c := range t.channels {
		c.cleanup()
	}

	t.r.Write32(driver.OffsetHostStatus, uint32(driver.StatusRun))
	t.stats.Reset()
	return nil
}

// teardown releases whatever init got to. Caller holds mu.
func (t *Transport) teardown() {
	for _, c := range t.channels {
		c.cleanup()
	}
	t.writeQ.Cleanup()
	if t.rx != nil {
		t.rx.Drain(t.arena, t.m)
		t.rx = nil
	}
	if t.tx != nil {
		t.tx.Drain(t.arena, t.m)
		t.tx = nil
	}
	if t.rxPool != nil {
		t.rxPool.Cleanup()
		t.rxPool = nil
	}
	if t.txPool != nil {
		t.txPool.Cleanup()
		t.txPool = nil
	}
}

// Cleanup ends the session and frees every buffer it holds
func (t *Transport) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning {
		t.r.Write32(driver.OffsetHostStatus, uint32(driver.StatusUninit))
		t.Sleep(t.opts.CleanupSettle)
	}

	t.teardown()
	t.state = StateUninitialized
	t.txReady.broadcast()
	for _, c := range t.channels {
		c.ready.broadcast()
	}
	t.l.Debug("Transport cleaned up")
}

func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) Stats() *Stats {
	return t.stats
}

// Fragment returns the negotiated buffer size, zero outside a session
func (t *Transport) Fragment() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state != StateRunning {
		return 0
	}
	return t.fragment
}

// Channel returns sub-channel id, or nil when it does not exist
func (t *Transport) Channel(id int) *Channel {
	if id < 0 || id >= len(t.channels) {
		return nil
	}
	return t.channels[id]
}

// Channels returns the number of sub-channels
func (t *Transport) Channels() int {
	return len(t.channels)
}

// WriteCapacityAvailable reports whether a write would accept at least
// one byte right now
func (t *Transport) WriteCapacityAvailable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == StateRunning && t.txPool.Available() > 0
}

// WriteNotify returns a channel closed the next time TX buffers are
// reclaimed or the session ends
func (t *Transport) WriteNotify() <-chan struct{} {
	return t.txReady.wait()
}

// Kick schedules both drains, for callers that polled the mode instead of
// waiting on the interrupt
func (t *Transport) Kick() {
	t.q.Schedule(WorkRX)
	t.q.Schedule(WorkTX)
}

func (t *Transport) rxWork() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state != StateRunning {
		return
	}
	t.stats.rxWork.Inc(1)

	g := t.rx
	head, tail := g.Head(), g.Tail()
	if ring.LinkDown(head, tail) {
		t.l.Debug("RX pointers read as link down, skipping")
		return
	}
	if !g.InRange(head, tail) {
		t.l.WithField("head", head).WithField("tail", tail).Error("RX pointers outside the ring")
		return
	}

	for head != tail {
		if !t.rxSlot(head) {
			t.stats.rxStalls.Inc(1)
			t.q.ScheduleAfter(WorkRX, t.opts.RxRetryDelay)
			break
		}
		head = g.Next(head)
	}

	if g.PublishHead(head) {
		t.q.Schedule(WorkDoorbell)
	}
}

// rxSlot consumes completed slot i and re-arms it. It returns false when
// the slot could not be re-armed, which leaves head at i.
func (t *Transport) rxSlot(i uint32) bool {
	g := t.rx

	if g.Slot(i).Buf != buffer.Nil {
		repl := t.rxPool.Alloc()
		if repl == buffer.Nil {
			return false
		}
		desc := g.Descriptor(i)
		h, err := g.Release(i, t.arena, t.m)
		if err != nil {
			t.l.WithError(err).WithField("slot", i).Warn("Unmapping RX slot failed")
		}
		t.deliver(h, desc)
		return t.arm(i, repl)
	}

	// a previous pass consumed this slot but could not re-arm it
	repl := t.rxPool.Alloc()
	if repl == buffer.Nil {
		return false
	}
	return t.arm(i, repl)
}

func (t *Transport) arm(i uint32, h buffer.Handle) bool {
	if err := t.rx.Install(i, t.arena, t.m, h, driver.DescStatusError); err != nil {
		t.l.WithError(err).WithField("slot", i).Warn("Re-arming RX slot failed")
		t.rxPool.Free(h)
		return false
	}
	return true
}

func (t *Transport) deliver(h buffer.Handle, desc driver.TransferDescriptor) {
	if h == buffer.Nil {
		return
	}
	if desc.Status != driver.DescStatusSuccess {
		t.stats.rxErrors.Inc(1)
		t.l.WithField("status", desc.Status).WithField("tag", desc.Tag).Debug("RX descriptor completed with error")
		t.rxPool.Free(h)
		return
	}

	b := t.arena.Buf(h)
	n := int(desc.Length)
	if n > b.Cap() {
		t.l.WithField("length", n).WithField("capacity", b.Cap()).Warn("RX descriptor length exceeds buffer")
		n = b.Cap()
	}
	b.SetWindow(0, n)
	b.Tag = desc.Tag
	t.stats.ringRx.add(1, n)

	c := t.Channel(int(desc.Tag))
	if c == nil {
		t.l.WithField("tag", desc.Tag).Debug("Dropping RX buffer for unknown sub-channel")
		t.rxPool.Free(h)
		return
	}
	if err := c.queue.Put(h); err != nil {
		t.l.WithError(err).WithField("tag", desc.Tag).Error("Queueing RX buffer failed")
		t.rxPool.Free(h)
		return
	}
	c.ready.broadcast()
}

func (t *Transport) txWork() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state != StateRunning {
		return
	}
	t.stats.txWork.Inc(1)

	g := t.tx
	head, tail := g.Head(), g.Tail()
	if ring.LinkDown(head, tail) {
		t.l.Debug("TX pointers read as link down, skipping")
		return
	}
	if !g.InRange(head, tail) {
		t.l.WithField("head", head).WithField("tail", tail).Error("TX pointers outside the ring")
		return
	}
	if g.Old >= g.Count() {
		t.l.WithField("old", g.Old).Error("TX reclaim position outside the ring")
		return
	}

	freed := 0
	for g.Old != head {
		i := g.Old
		if st := g.Status(i); st != driver.DescStatusSuccess {
			t.stats.txErrors.Inc(1)
			t.l.WithField("slot", i).WithField("status", st).Warn("TX descriptor completed with error")
		}
		h, err := g.Release(i, t.arena, t.m)
		if err != nil {
			t.l.WithError(err).WithField("slot", i).Warn("Unmapping TX slot failed")
		}
		if h != buffer.Nil {
			t.stats.ringTx.add(1, t.arena.Buf(h).Len())
			t.txPool.Free(h)
			freed++
		}
		g.Old = g.Next(i)
	}

	for g.Next(tail) != head {
		h := t.writeQ.Get()
		if h == buffer.Nil {
			break
		}
		if err := g.Install(tail, t.arena, t.m, h, driver.DescStatusError); err != nil {
			t.l.WithError(err).WithField("slot", tail).Warn("Mapping TX buffer failed")
			t.writeQ.PushFront(h)
			break
		}
		tail = g.Next(tail)
	}

	if g.PublishTail(tail) {
		t.q.Schedule(WorkDoorbell)
	}
	if freed > 0 {
		t.txReady.broadcast()
	}
}

func (t *Transport) doorbellWork() {
	if err := t.cfg.Write32(driver.DoorbellConfigOffset, driver.DoorbellMagic); err != nil {
		t.l.WithError(err).Error("Ringing doorbell failed")
		return
	}
	t.stats.doorbells.Inc(1)
}
