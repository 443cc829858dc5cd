//go:build linux

package fdpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shuLhan/share/lib/ini"
)

const (
	ModeThread  = "thread"
	ModeProcess = "process"

	kDefaultPort          = 12345
	kDefaultBacklog       = 50
	kDefaultThreadWorkers = 5
	kDefaultProcWorkers   = 8
	kMaxProcessNumber     = 16

	kConfigSection = "server"
)

type Config struct {
	ListenPort   int
	Backlog      int
	Workers      int
	Daemon       bool
	ListenAddr   string
	Mode         string
	Handler      string
	LogLevel     string
	PollInterval time.Duration
}

func NewConfig(la string, lp int, mode string) *Config {
	cfg := &Config{
		ListenAddr:   la,
		ListenPort:   lp,
		Backlog:      kDefaultBacklog,
		Mode:         mode,
		Handler:      HandlerTimestamp,
		LogLevel:     "info",
		PollInterval: 10 * time.Millisecond,
	}
	if mode == ModeProcess {
		cfg.Workers = kDefaultProcWorkers
	} else {
		cfg.Workers = kDefaultThreadWorkers
	}
	return cfg
}

func DefaultConfig() *Config {
	return NewConfig("0.0.0.0", kDefaultPort, ModeThread)
}

// LoadConfig reads the [server] section of an ini file on top of the
// defaults. Keys that are absent keep their default value.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	in, err := ini.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := DefaultConfig()
	get := func(key string) (string, bool) {
		v, ok := in.Get(kConfigSection, "", key, "")
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	if v, ok := get("mode"); ok {
		cfg.Mode = v
		if v == ModeProcess {
			cfg.Workers = kDefaultProcWorkers
		}
	}
	if v, ok := get("address"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := get("handler"); ok {
		cfg.Handler = v
	}
	if v, ok := get("log_level"); ok {
		cfg.LogLevel = v
	}
	for key, dst := range map[string]*int{
		"port":    &cfg.ListenPort,
		"backlog": &cfg.Backlog,
		"workers": &cfg.Workers,
	} {
		if v, ok := get(key); ok {
			if *dst, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("config %s: %w", key, err)
			}
		}
	}
	if v, ok := get("poll_interval"); ok {
		if cfg.PollInterval, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("config poll_interval: %w", err)
		}
	}
	if v, ok := get("daemon"); ok {
		if cfg.Daemon, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("config daemon: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeThread:
		if c.Workers <= 0 {
			return fmt.Errorf("workers must be positive, got %d", c.Workers)
		}
	case ModeProcess:
		if c.Workers <= 0 || c.Workers > kMaxProcessNumber {
			return fmt.Errorf("process workers must be in 1..%d, got %d", kMaxProcessNumber, c.Workers)
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.ListenPort < 0 || c.ListenPort > 0xffff {
		return fmt.Errorf("invalid port %d", c.ListenPort)
	}
	if c.Backlog <= 0 {
		c.Backlog = kDefaultBacklog
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if _, ok := LookupHandler(c.Handler); !ok {
		return fmt.Errorf("unknown handler %q", c.Handler)
	}
	return nil
}
