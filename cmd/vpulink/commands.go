package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emergingrobotics/go-vpulink/pkg/boot"
	"github.com/emergingrobotics/go-vpulink/pkg/config"
	"github.com/emergingrobotics/go-vpulink/pkg/device"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/pci"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// common holds the flags every device command takes
type common struct {
	configPath string
	address    string
}

func newFlagSet(name string, out io.Writer, c *common) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&c.configPath, "config", "", "Path to either a file or directory to load configuration from")
	fs.StringVar(&c.address, "device", "", "PCI address, defaults to the first function bound to uio_pci_generic")
	return fs
}

// load reads the configuration and builds the logger it describes
func (c *common) load(out io.Writer) (*config.Config, *logrus.Logger, error) {
	var cfg *config.Config
	if c.configPath == "" {
		def := config.Default()
		cfg = &def
	} else {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if c.address != "" {
		cfg.Device.Address = c.address
	}

	l := logrus.New()
	l.Out = out
	if err := config.ConfigureLogger(l, cfg.Logging); err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

func newScanner(cfg *config.Config) *pci.Scanner {
	s := pci.NewScanner()
	if cfg.Device.SysfsPath != "" {
		s.SysfsPath = cfg.Device.SysfsPath
	}
	if cfg.Device.DevPath != "" {
		s.DevPath = cfg.Device.DevPath
	}
	return s
}

// attach opens the configured function and attaches it to a fresh registry
func attach(cfg *config.Config, l *logrus.Logger, reg metrics.Registry) (*device.Registry, *device.Device, error) {
	opts, err := cfg.DeviceOptions()
	if err != nil {
		return nil, nil, err
	}
	b, err := device.FindBackend(newScanner(cfg), cfg.Device.Address)
	if err != nil {
		return nil, nil, err
	}

	g := device.NewRegistry(l, reg)
	d, err := g.Attach(b, opts)
	if err != nil {
		if b.Close != nil {
			b.Close()
		}
		return nil, nil, err
	}
	return g, d, nil
}

func scanCommand(args []string, out io.Writer) error {
	var c common
	fs := newFlagSet("scan", out, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := c.load(out)
	if err != nil {
		return err
	}

	found, err := newScanner(cfg).Scan(driver.PCIVendorID, driver.PCIDeviceID)
	if err != nil {
		return fmt.Errorf("scanning devices: %w", err)
	}
	if len(found) == 0 {
		fmt.Fprintln(out, "No coprocessors found")
		return nil
	}

	fmt.Fprintf(out, "Found %d coprocessor(s):\n", len(found))
	for i, info := range found {
		uio := info.UIO
		if uio == "" {
			uio = "not bound to uio_pci_generic"
		}
		fmt.Fprintf(out, "  [%d] %s %04x:%04x %s\n", i, info.Address, info.VendorID, info.DeviceID, uio)
	}
	return nil
}

func printStatus(out io.Writer, d *device.Device) {
	fmt.Fprintf(out, "Device: %s (unit %d)\n", d.Address(), d.Unit())
	fmt.Fprintf(out, "  Status: %s\n", d.Status())
	fmt.Fprintf(out, "  Mode: %s\n", d.Mode())
	if d.Mode().IsApp() {
		v := d.Version()
		fmt.Fprintf(out, "  Version: %d.%d.%d (host %d.%d.%d)\n",
			v.Major, v.Minor, v.Build, driver.VersionMajor, driver.VersionMinor, driver.VersionBuild)
	}
	tr := d.Transport()
	fmt.Fprintf(out, "  Session: %s\n", tr.State())
	if f := tr.Fragment(); f > 0 {
		fmt.Fprintf(out, "  Fragment: %d bytes, %d sub-channel(s)\n", f, tr.Channels())
	}
}

func statusCommand(args []string, out io.Writer) error {
	var c common
	fs := newFlagSet("status", out, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, l, err := c.load(out)
	if err != nil {
		return err
	}

	g, d, err := attach(cfg, l, metrics.NewRegistry())
	if err != nil {
		return err
	}
	defer g.DetachAll()

	printStatus(out, d)
	return nil
}

// bootImage boots path on d, treating cpio archives as bundles
func bootImage(ctx context.Context, d *device.Device, path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	if !boot.IsBundle(image) {
		return d.BootBytes(ctx, image)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := boot.ReadBundle(f)
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}
	return d.BootBundle(ctx, b)
}

func bootCommand(args []string, out io.Writer) error {
	var c common
	fs := newFlagSet("boot", out, &c)
	timeout := fs.Duration("timeout", time.Minute, "Give up on the image transfer after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, l, err := c.load(out)
	if err != nil {
		return err
	}

	path := cfg.Boot.Image
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		return errors.New("usage: vpulink boot [options] <image>")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	g, d, err := attach(cfg, l, metrics.NewRegistry())
	if err != nil {
		return err
	}
	defer g.DetachAll()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := bootImage(ctx, d, path); err != nil {
		return err
	}
	printStatus(out, d)
	return nil
}

func resetCommand(args []string, out io.Writer) error {
	var c common
	fs := newFlagSet("reset", out, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, l, err := c.load(out)
	if err != nil {
		return err
	}

	g, d, err := attach(cfg, l, metrics.NewRegistry())
	if err != nil {
		return err
	}
	defer g.DetachAll()

	if err := d.Reset(); err != nil {
		return err
	}
	printStatus(out, d)
	return nil
}

func statsCommand(args []string, out io.Writer) error {
	var c common
	fs := newFlagSet("stats", out, &c)
	wait := fs.Duration("wait", 0, "Keep the session up this long before printing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, l, err := c.load(out)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	g, _, err := attach(cfg, l, reg)
	if err != nil {
		return err
	}
	defer g.DetachAll()

	if *wait > 0 {
		time.Sleep(*wait)
	}
	metrics.WriteOnce(reg, out)
	return nil
}

func serveCommand(args []string, out io.Writer) error {
	var c common
	fs := newFlagSet("serve", out, &c)
	configTest := fs.Bool("test", false, "Test the config and exit. Non zero exit indicates a faulty config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, l, err := c.load(out)
	if err != nil {
		return err
	}

	reg := metrics.DefaultRegistry
	exp, err := newStatsExporter(l, cfg.Stats, reg, Version)
	if err != nil {
		return err
	}
	if *configTest {
		fmt.Fprintln(out, "Config OK")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, d, err := attach(cfg, l, reg)
	if err != nil {
		return err
	}
	defer g.DetachAll()

	if cfg.Boot.Image != "" && d.Status() == device.StatusBootloader {
		if err := bootImage(ctx, d, cfg.Boot.Image); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	if exp != nil {
		eg.Go(func() error { return exp(ctx) })
	}
	if cfg.Watch.Interval > 0 {
		eg.Go(func() error {
			d.Watch(ctx, cfg.Watch.Interval)
			return nil
		})
	}
	if cfg.Bridge.Listen != "" {
		br, err := newBridge(l, d.Transport(), cfg.Bridge.Listen, cfg.Bridge.Channel)
		if err != nil {
			return err
		}
		eg.Go(func() error { return br.Serve(ctx) })
	}

	l.WithField("unit", d.Unit()).Info("Serving")
	<-ctx.Done()
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
