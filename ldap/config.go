package ldap

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jpillora/backoff"
)

type BackoffConfig struct {
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
	Attempts int
}

type LogConfig struct {
	Level  string // trace, debug, info, warn, error, disabled
	Format string // console or json
}

// Config describes how to reach and talk to a directory server.
type Config struct {
	Addr string

	DialTimeout  time.Duration
	TimeLimit    time.Duration // client-side limit per operation, zero for none
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Backoff BackoffConfig
	Log     LogConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:389",
		DialTimeout: 3 * time.Second,
		TimeLimit:   30 * time.Second,
		Backoff: BackoffConfig{
			Min:      100 * time.Millisecond,
			Max:      time.Second,
			Factor:   1.25,
			Jitter:   true,
			Attempts: 4,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrMissingConfig
	}
	if c.DialTimeout < 0 || c.TimeLimit < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("config timeouts must not be negative")
	}
	if c.Backoff.Attempts < 1 {
		return fmt.Errorf("backoff attempts must be at least 1, got %d", c.Backoff.Attempts)
	}
	if c.Backoff.Min > c.Backoff.Max {
		return fmt.Errorf("backoff min %s exceeds max %s", c.Backoff.Min, c.Backoff.Max)
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %v", c.Backoff.Factor)
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (c Config) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.Backoff.Min,
		Max:    c.Backoff.Max,
		Factor: c.Backoff.Factor,
		Jitter: c.Backoff.Jitter,
	}
}

type fileConfig struct {
	Addr         string `toml:"addr"`
	DialTimeout  string `toml:"dial_timeout"`
	TimeLimit    string `toml:"time_limit"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`

	Backoff struct {
		Min      string  `toml:"min"`
		Max      string  `toml:"max"`
		Factor   float64 `toml:"factor"`
		Jitter   bool    `toml:"jitter"`
		Attempts int     `toml:"attempts"`
	} `toml:"backoff"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return applyConfig(meta, raw)
}

// ParseConfig is LoadConfig for TOML held in memory.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return applyConfig(meta, raw)
}

func applyConfig(meta toml.MetaData, raw fileConfig) (Config, error) {
	cfg := DefaultConfig()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"time_limit", raw.TimeLimit, &cfg.TimeLimit},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backoff.min", raw.Backoff.Min, &cfg.Backoff.Min},
		{"backoff.max", raw.Backoff.Max, &cfg.Backoff.Max},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("backoff", "factor") {
		cfg.Backoff.Factor = raw.Backoff.Factor
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("backoff", "attempts") {
		cfg.Backoff.Attempts = raw.Backoff.Attempts
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(raw.Log.Level))
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(raw.Log.Format))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
