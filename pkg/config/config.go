package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ivanvanderbyl/sentron-scan/pkg/sentron"
)

type Config struct {
	Scan ScanConfig `yaml:"scan"`
	Log  LogConfig  `yaml:"log"`
}

type ScanConfig struct {
	// Timeout is how long to wait for replies after probing.
	Timeout time.Duration `yaml:"timeout"`
	// Interfaces limits the probe sources to these interfaces. Empty means every usable interface.
	Interfaces []string `yaml:"interfaces"`
	// Sources are explicit probe source addresses. They take precedence over Interfaces.
	Sources []string `yaml:"sources"`
	// QueryVersions follows each discovery reply with a version query.
	QueryVersions bool   `yaml:"query_versions"`
	Broadcast     string `yaml:"broadcast"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Timeout:   sentron.ReplyTimeout,
			Broadcast: sentron.BroadcastAddr.String(),
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be positive, got %s", c.Scan.Timeout)
	}
	if _, err := c.SourceAddrs(); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(c.Scan.Broadcast); err != nil {
		return errors.Wrap(err, "scan.broadcast")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SourceAddrs parses the configured source addresses.
func (c *Config) SourceAddrs() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.Scan.Sources))
	for _, s := range c.Scan.Sources {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, errors.Wrap(err, "scan.sources")
		}
		if !addr.Is4() {
			return nil, fmt.Errorf("scan.sources: %s is not an IPv4 address", addr)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (c *Config) BroadcastAddr() netip.Addr {
	addr, err := netip.ParseAddr(c.Scan.Broadcast)
	if err != nil {
		return sentron.BroadcastAddr
	}
	return addr
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, errors.Wrap(err, "log.level")
	}
	return level, nil
}
