package transport

import (
	"github.com/rcrowley/go-metrics"
)

type flow struct {
	packets metrics.Counter
	bytes   metrics.Counter
}

func newFlow(name string, r metrics.Registry) flow {
	return flow{
		packets: metrics.GetOrRegisterCounter(name+".packets", r),
		bytes:   metrics.GetOrRegisterCounter(name+".bytes", r),
	}
}

func (f flow) add(packets, bytes int) {
	f.packets.Inc(int64(packets))
	f.bytes.Inc(int64(bytes))
}

// Stats counts traffic through one session. Ring flows are what crossed
// the descriptor rings; read and write flows are what consumers moved.
type Stats struct {
	ringRx flow
	ringTx flow
	reads  flow
	writes flow

	interrupts metrics.Counter
	doorbells  metrics.Counter
	rxWork     metrics.Counter
	txWork     metrics.Counter
	rxErrors   metrics.Counter
	txErrors   metrics.Counter
	rxStalls   metrics.Counter
}

// NewStats registers the session counters in r. A nil registry gets a
// private one so sessions never share counters by accident.
func NewStats(r metrics.Registry) *Stats {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Stats{
		ringRx:     newFlow("ring.rx", r),
		ringTx:     newFlow("ring.tx", r),
		reads:      newFlow("channel.read", r),
		writes:     newFlow("channel.write", r),
		interrupts: metrics.GetOrRegisterCounter("interrupts", r),
		doorbells:  metrics.GetOrRegisterCounter("doorbells", r),
		rxWork:     metrics.GetOrRegisterCounter("work.rx", r),
		txWork:     metrics.GetOrRegisterCounter("work.tx", r),
		rxErrors:   metrics.GetOrRegisterCounter("ring.rx.errors", r),
		txErrors:   metrics.GetOrRegisterCounter("ring.tx.errors", r),
		rxStalls:   metrics.GetOrRegisterCounter("ring.rx.stalls", r),
	}
}

func (s *Stats) counters() []metrics.Counter {
	return []metrics.Counter{
		s.ringRx.packets, s.ringRx.bytes,
		s.ringTx.packets, s.ringTx.bytes,
		s.reads.packets, s.reads.bytes,
		s.writes.packets, s.writes.bytes,
		s.interrupts, s.doorbells, s.rxWork, s.txWork,
		s.rxErrors, s.txErrors, s.rxStalls,
	}
}

// Reset zeroes every counter
func (s *Stats) Reset() {
	for _, c := range s.counters() {
		c.Clear()
	}
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	RingRxPackets int64
	RingRxBytes   int64
	RingTxPackets int64
	RingTxBytes   int64
	ReadPackets   int64
	ReadBytes     int64
	WritePackets  int64
	WriteBytes    int64
	Interrupts    int64
	Doorbells     int64
	RxWork        int64
	TxWork        int64
	RxErrors      int64
	TxErrors      int64
	RxStalls      int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RingRxPackets: s.ringRx.packets.Count(),
		RingRxBytes:   s.ringRx.bytes.Count(),
		RingTxPackets: s.ringTx.packets.Count(),
		RingTxBytes:   s.ringTx.bytes.Count(),
		ReadPackets:   s.reads.packets.Count(),
		ReadBytes:     s.reads.bytes.Count(),
		WritePackets:  s.writes.packets.Count(),
		WriteBytes:    s.writes.bytes.Count(),
		Interrupts:    s.interrupts.Count(),
		Doorbells:     s.doorbells.Count(),
		RxWork:        s.rxWork.Count(),
		TxWork:        s.txWork.Count(),
		RxErrors:      s.rxErrors.Count(),
		TxErrors:      s.txErrors.Count(),
		RxStalls:      s.rxStalls.Count(),
	}
}
