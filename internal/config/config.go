// Package config loads the broker configuration from IOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Indra5196/iceoryx/internal/mempool"
)

// Prefix of every environment variable
const Prefix = "IOX"

// Config holds the broker configuration
type Config struct {
	SegmentName       string        `envconfig:"SEGMENT_NAME"`
	SegmentDir        string        `envconfig:"SEGMENT_DIR" default:"/dev/shm"`
	SegmentAnonymous  bool          `envconfig:"SEGMENT_ANONYMOUS" default:"false"`
	Mempools          MempoolList   `envconfig:"MEMPOOLS" default:"128x10000,1024x5000,16384x1000,131072x200"`
	DiscoveryInterval time.Duration `envconfig:"DISCOVERY_INTERVAL" default:"100ms"`
	MaxPorts          int           `envconfig:"MAX_PORTS" default:"256"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment    bool          `envconfig:"LOG_DEVELOPMENT" default:"false"`
	MetricsAddr       string        `envconfig:"METRICS_ADDR" default:":9464"`
}

// MempoolList is a list of block classes written as "size x count" pairs, e.g. "128x10000,1024x5000"
type MempoolList []mempool.PoolConfig

// Decode implements envconfig.Decoder
func (l *MempoolList) Decode(value string) error {
	var out MempoolList
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		size, count, ok := strings.Cut(part, "x")
		if !ok {
			return fmt.Errorf("mempool %q: want <size>x<count>", part)
		}
		s, err := strconv.ParseUint(strings.TrimSpace(size), 10, 32)
		if err != nil {
			return fmt.Errorf("mempool %q: size: %w", part, err)
		}
		c, err := strconv.ParseUint(strings.TrimSpace(count), 10, 32)
		if err != nil {
			return fmt.Errorf("mempool %q: count: %w", part, err)
		}
		out = append(out, mempool.PoolConfig{PayloadSize: uint32(s), ChunkCount: uint32(c)})
	}
	*l = out
	return nil
}

// String renders the list the way Decode parses it
func (l MempoolList) String() string {
	parts := make([]string, len(l))
	for i, p := range l {
		parts[i] = fmt.Sprintf("%dx%d", p.PayloadSize, p.ChunkCount)
	}
	return strings.Join(parts, ",")
}

// Load loads the configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads the configuration from the environment or returns the default
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		SegmentDir: "/dev/shm",
		Mempools: MempoolList{
			{PayloadSize: 128, ChunkCount: 10000},
			{PayloadSize: 1024, ChunkCount: 5000},
			{PayloadSize: 16384, ChunkCount: 1000},
			{PayloadSize: 131072, ChunkCount: 200},
		},
		DiscoveryInterval: 100 * time.Millisecond,
		MaxPorts:          256,
		LogLevel:          "info",
		MetricsAddr:       ":9464",
	}
}

// Validate checks the values Load cannot express in tags
func (c *Config) Validate() error {
	var errs []error
	if len(c.Mempools) == 0 {
		errs = append(errs, errors.New("no mempools configured"))
	}
	if c.DiscoveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("discovery interval %s is not positive", c.DiscoveryInterval))
	}
	if c.MaxPorts <= 0 {
		errs = append(errs, fmt.Errorf("max ports %d is not positive", c.MaxPorts))
	}
	return errors.Join(errs...)
}
