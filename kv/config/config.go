package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/unikv/unikv/log"
)

// Duration wraps time.Duration so TOML strings like "30s" decode into it.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Config struct {
	LogLevel string `toml:"log-level"`

	// Directory to store volume and journal files in. Should exist and be writable.
	DBPath string `toml:"db-path"`

	// Size of one page on disk and in the buffer pool.
	PageSize int `toml:"page-size"`

	// Total buffer pool memory, human readable ("64MB"). Page frame count is
	// derived from this and PageSize.
	BufferPoolSize string `toml:"buffer-pool-size"`

	// Values longer than this are stored out of line in overflow pages.
	LongValueThreshold int `toml:"long-value-threshold"`

	// Interval between background write-back passes.
	FlushInterval Duration `toml:"flush-interval"`

	// Upper bound on background page write-back, pages per second.
	FlushPagesPerSecond int64 `toml:"flush-pages-per-second"`

	// Interval between journal checkpoints.
	CheckpointInterval Duration `toml:"checkpoint-interval"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024

	MinPageSize = 512
)

// PoolPages returns the number of buffer pool frames implied by
// BufferPoolSize and PageSize.
func (c *Config) PoolPages() (int, error) {
	size, err := units.RAMInBytes(c.BufferPoolSize)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer-pool-size %q: %v", c.BufferPoolSize, err)
	}
	pages := int(size / int64(c.PageSize))
	if pages < 8 {
		pages = 8
	}
	return pages, nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if c.PageSize < MinPageSize {
		return fmt.Errorf("page-size must be at least %d bytes", MinPageSize)
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page-size must be a power of two")
	}
	if _, err := c.PoolPages(); err != nil {
		return err
	}
	if c.LongValueThreshold <= 0 || c.LongValueThreshold > c.PageSize/4 {
		return fmt.Errorf("long-value-threshold must be in (0, page-size/4]")
	}
	if c.FlushInterval.Duration <= 0 {
		log.Warnf("flush-interval not set, background write-back disabled")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		DBPath:              "/tmp/unikv",
		PageSize:            4096,
		BufferPoolSize:      "64MB",
		LongValueThreshold:  1024,
		FlushInterval:       NewDuration(1 * time.Second),
		FlushPagesPerSecond: 4096,
		CheckpointInterval:  NewDuration(30 * time.Second),
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		DBPath:              "/tmp/unikv-test",
		PageSize:            1024,
		BufferPoolSize:      "1MB",
		LongValueThreshold:  128,
		FlushInterval:       NewDuration(50 * time.Millisecond),
		FlushPagesPerSecond: 4096,
		CheckpointInterval:  NewDuration(200 * time.Millisecond),
	}
}

// FromFile overlays a TOML config file onto the defaults.
func FromFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
