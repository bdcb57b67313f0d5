//go:build unit

package transport

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
)

func TestStatsWithoutRegistryAreIndependent(t *testing.T) {
	a, b := NewStats(nil), NewStats(nil)
	a.doorbells.Inc(2)

	assert.Equal(t, int64(2), a.Snapshot().Doorbells)
	assert.Zero(t, b.Snapshot().Doorbells)

	b.Reset()
	assert.Equal(t, int64(2), a.Snapshot().Doorbells, "resetting one session leaves the other alone")
	assert.Nil(t, metrics.DefaultRegistry.Get("doorbells"))
}

func TestStatsRegisterInGivenRegistry(t *testing.T) {
	r := metrics.NewRegistry()
	s := NewStats(r)
	s.ringTx.add(3, 300)

	assert.Equal(t, int64(3), metrics.GetOrRegisterCounter("ring.tx.packets", r).Count())
	assert.Equal(t, int64(300), s.Snapshot().RingTxBytes)
}
