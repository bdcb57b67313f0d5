package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/emergingrobotics/go-vpulink/pkg/config"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// exporter ships the registry until ctx is done
type exporter func(ctx context.Context) error

// newStatsExporter validates the stats section and returns the exporter
// it describes, or nil when stats are off.
func newStatsExporter(l *logrus.Logger, c config.Stats, r metrics.Registry, buildVersion string) (exporter, error) {
	switch strings.ToLower(c.Type) {
	case "", "none":
		return nil, nil
	case "graphite":
		return graphiteExporter(l, c, r)
	case "prometheus":
		return prometheusExporter(l, c, r, buildVersion)
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", c.Type)
	}
}

func every(ctx context.Context, i time.Duration, fn func()) error {
	t := time.NewTicker(i)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

func graphiteExporter(l *logrus.Logger, c config.Stats, r metrics.Registry) (exporter, error) {
	if c.Host == "" {
		return nil, errors.New("stats.host can not be empty")
	}
	addr, err := net.ResolveTCPAddr(c.Protocol, c.Host)
	if err != nil {
		return nil, fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	gc := graphite.Config{
		Addr:          addr,
		Registry:      r,
		FlushInterval: c.Interval,
		DurationUnit:  time.Nanosecond,
		Prefix:        c.Prefix,
		Percentiles:   []float64{0.5, 0.75, 0.95, 0.99, 0.999},
	}
	return func(ctx context.Context) error {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", c.Interval, c.Prefix, addr)
		return every(ctx, c.Interval, func() {
			if err := graphite.Once(gc); err != nil {
				l.WithError(err).Warn("Graphite flush failed")
			}
		})
	}, nil
}

func prometheusExporter(l *logrus.Logger, c config.Stats, r metrics.Registry, buildVersion string) (exporter, error) {
	if c.Listen == "" {
		return nil, errors.New("stats.listen should not be empty")
	}
	if c.Path == "" {
		return nil, errors.New("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, c.Interval)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the vpulink binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: c.Listen, Handler: mux}

	return func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() {
			l.Infof("Prometheus stats listening on %s at %s", c.Listen, c.Path)
			errc <- srv.ListenAndServe()
		}()

		t := time.NewTicker(c.Interval)
		defer t.Stop()
		for {
			if err := pClient.UpdatePrometheusMetricsOnce(); err != nil {
				l.WithError(err).Warn("Prometheus update failed")
			}

			select {
			case err := <-errc:
				return fmt.Errorf("prometheus listener: %w", err)
			case <-t.C:
				continue
			case <-ctx.Done():
			}

			shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
			srv.Shutdown(shutdown)
			cancel()
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}, nil
}
