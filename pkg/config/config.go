// Package config loads the vpulink yaml configuration. A path may name a
// single file or a directory, in which case every .yml and .yaml file in
// it is applied in lexical order. Anything left unset takes the value
// from Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/emergingrobotics/go-vpulink/pkg/device"
	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/transport"
	"go.yaml.in/yaml/v3"
)

type Config struct {
	Device    Device    `yaml:"device"`
	Transport Transport `yaml:"transport"`
	Boot      Boot      `yaml:"boot"`
	Logging   Logging   `yaml:"logging"`
	Stats     Stats     `yaml:"stats"`
	Bridge    Bridge    `yaml:"bridge"`
	Watch     Watch     `yaml:"watch"`
}

// Device selects the function to attach
type Device struct {
	// Address is the PCI address, e.g. 0000:01:00.0. Empty picks the
	// first function bound to uio_pci_generic.
	Address   string `yaml:"address"`
	SysfsPath string `yaml:"sysfs_path"`
	DevPath   string `yaml:"dev_path"`
}

type Transport struct {
	RxPoolBytes   int           `yaml:"rx_pool_bytes"`
	TxPoolBytes   int           `yaml:"tx_pool_bytes"`
	Channels      int           `yaml:"channels"`
	Workers       int           `yaml:"workers"`
	RxRetryDelay  time.Duration `yaml:"rx_retry_delay"`
	CleanupSettle time.Duration `yaml:"cleanup_settle"`
}

type Boot struct {
	// Image is an application image or a bundle
	Image string `yaml:"image"`
	// Loader is the secondary loader for large plain images
	Loader      string `yaml:"loader"`
	AppMode     string `yaml:"app_mode"`
	SettleTicks int    `yaml:"settle_ticks"`
}

type Logging struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

// Stats selects a metrics exporter. Type is none, graphite or prometheus.
type Stats struct {
	Type     string        `yaml:"type"`
	Interval time.Duration `yaml:"interval"`

	// graphite
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Prefix   string `yaml:"prefix"`

	// prometheus
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
}

// Bridge exposes one sub-channel as a TCP stream. Empty Listen disables it.
type Bridge struct {
	Listen  string `yaml:"listen"`
	Channel int    `yaml:"channel"`
}

// Watch polls the firmware mode. Zero Interval disables it.
type Watch struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the values used for anything a file leaves unset
func Default() Config {
	t := transport.DefaultOptions()
	return Config{
		Transport: Transport{
			RxPoolBytes:   t.RxPoolBytes,
			TxPoolBytes:   t.TxPoolBytes,
			Channels:      t.Channels,
			Workers:       t.Workers,
			RxRetryDelay:  t.RxRetryDelay,
			CleanupSettle: t.CleanupSettle,
		},
		Boot: Boot{
			AppMode:     driver.ModeAppProtocolB.String(),
			SettleTicks: 1000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Stats: Stats{
			Type:     "none",
			Interval: 10 * time.Second,
			Protocol: "tcp",
			Prefix:   "vpulink",
			Path:     "/metrics",
		},
	}
}

// Load reads the file or directory at path
func Load(path string) (*Config, error) {
	files, err := resolve(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	var c Config
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
	}
	return finish(&c)
}

// LoadString parses a single yaml document
func LoadString(raw string) (*Config, error) {
	if raw == "" {
		return nil, errors.New("empty configuration")
	}
	var c Config
	if err := yaml.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	return finish(&c)
}

func finish(c *Config) (*Config, error) {
	if err := mergo.Merge(c, Default()); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func resolve(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Validate checks the values that cannot be caught by the yaml decoder
func (c *Config) Validate() error {
	if c.Transport.Channels < 1 || c.Transport.Channels > driver.MaxChannels {
		return fmt.Errorf("transport.channels must be between 1 and %d, got %d", driver.MaxChannels, c.Transport.Channels)
	}
	if c.Transport.RxPoolBytes < 0 || c.Transport.TxPoolBytes < 0 {
		return errors.New("transport pool sizes can not be negative")
	}
	if _, ok := driver.ParseMode(c.Boot.AppMode); !ok {
		return fmt.Errorf("boot.app_mode `%s` is not a mode", c.Boot.AppMode)
	}
	if c.Bridge.Channel < 0 || c.Bridge.Channel >= c.Transport.Channels {
		return fmt.Errorf("bridge.channel %d is not an open sub-channel", c.Bridge.Channel)
	}

	switch strings.ToLower(c.Stats.Type) {
	case "none", "graphite", "prometheus":
	default:
		return fmt.Errorf("stats.type was not understood: %s", c.Stats.Type)
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", c.Stats.Interval)
	}
	if c.Watch.Interval < 0 {
		return fmt.Errorf("watch.interval was an invalid duration: %s", c.Watch.Interval)
	}
	return nil
}

// TransportOptions converts the transport section
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		RxPoolBytes:   c.Transport.RxPoolBytes,
		TxPoolBytes:   c.Transport.TxPoolBytes,
		Channels:      c.Transport.Channels,
		Workers:       c.Transport.Workers,
		RxRetryDelay:  c.Transport.RxRetryDelay,
		CleanupSettle: c.Transport.CleanupSettle,
	}
}

// DeviceOptions converts the transport and boot sections. The secondary
// loader is read from disk when configured.
func (c *Config) DeviceOptions() (device.Options, error) {
	mode, _ := driver.ParseMode(c.Boot.AppMode)
	opts := device.Options{
		Transport:       c.TransportOptions(),
		AppMode:         mode,
		BootSettleTicks: c.Boot.SettleTicks,
	}
	if c.Boot.Loader != "" {
		b, err := os.ReadFile(c.Boot.Loader)
		if err != nil {
			return opts, fmt.Errorf("reading secondary loader: %w", err)
		}
		opts.SecondaryLoader = b
	}
	return opts, nil
}
