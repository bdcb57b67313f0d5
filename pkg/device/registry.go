package device

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// MaxDevices bounds how many devices one process attaches at a time
const MaxDevices = 8

// Registry is the process-wide device table. Units come from a counter
// that only grows. Setup runs before the first attach and Teardown after
// the last detach.
type Registry struct {
	l       *logrus.Logger
	metrics metrics.Registry

	units atomic.Int32

	mu      sync.Mutex
	devices map[int]*Device

	Setup    func() error
	Teardown func()
}

// NewRegistry returns an empty registry. Each device's counters are
// registered in m under a "vpu<unit>." prefix; nil means
// metrics.DefaultRegistry.
func NewRegistry(l *logrus.Logger, m metrics.Registry) *Registry {
	if m == nil {
		m = metrics.DefaultRegistry
	}
	return &Registry{
		l:       l,
		metrics: m,
		devices: make(map[int]*Device),
	}
}

// MetricsPrefix returns the metric name prefix of unit
func MetricsPrefix(unit int) string {
	return fmt.Sprintf("vpu%d.", unit)
}

// Attach attaches the device behind b and assigns it the next unit
func (g *Registry) Attach(b Backend, opts Options) (*Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.devices) >= MaxDevices {
		return nil, ErrTooManyDevices
	}
	first := len(g.devices) == 0
	if first && g.Setup != nil {
		if err := g.Setup(); err != nil {
			return nil, fmt.Errorf("device registry setup: %w", err)
		}
	}

	unit := int(g.units.Add(1) - 1)
	opts.Transport.Registry = metrics.NewPrefixedChildRegistry(g.metrics, MetricsPrefix(unit))

	d, err := Attach(g.l, unit, b, opts)
	if err != nil {
		g.unregisterMetrics(unit)
		if first && g.Teardown != nil {
			g.Teardown()
		}
		return nil, err
	}

	g.devices[unit] = d
	return d, nil
}

// Detach detaches d and forgets it
func (g *Registry) Detach(d *Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.devices[d.unit] != d {
		return ErrDeviceClosed
	}
	delete(g.devices, d.unit)

	err := d.Detach()
	g.unregisterMetrics(d.unit)
	if len(g.devices) == 0 && g.Teardown != nil {
		g.Teardown()
	}
	return err
}

// DetachAll detaches every device
func (g *Registry) DetachAll() error {
	var first error
	for _, d := range g.Devices() {
		if err := g.Detach(d); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *Registry) unregisterMetrics(unit int) {
	prefix := MetricsPrefix(unit)
	var names []string
	metrics.NewPrefixedChildRegistry(g.metrics, prefix).Each(func(name string, _ interface{}) {
		names = append(names, name)
	})
	for _, name := range names {
		g.metrics.Unregister(name)
	}
}

// Get returns the device attached as unit
func (g *Registry) Get(unit int) (*Device, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[unit]
	return d, ok
}

// Devices returns the attached devices ordered by unit
func (g *Registry) Devices() []*Device {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Device, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unit < out[j].unit })
	return out
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.devices)
}
