// Package config loads daemon settings from defaults, an optional YAML file
// and LINKPLAY_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/linkplayd/internal/engine"
)

type Config struct {
	Host        string `yaml:"host"`
	UDPPort     int    `yaml:"udp_port"`
	ControlPort int    `yaml:"control_port"`

	AuthEnforced        bool   `yaml:"auth_enforced"`
	ControlSecret       string `yaml:"control_secret"`
	ControlSecretBcrypt string `yaml:"control_secret_bcrypt"`
	DatabaseURL         string `yaml:"database_url"`

	RoomCapacity      int           `yaml:"room_capacity"`
	MinPlayers        int           `yaml:"min_players"`
	CountdownTicks    int           `yaml:"countdown_ticks"`
	CountdownInterval time.Duration `yaml:"countdown_interval"`
	MaxPlayDuration   time.Duration `yaml:"max_play_duration"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HostGrace         time.Duration `yaml:"host_grace"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	FinishedGrace     time.Duration `yaml:"finished_grace"`
	RoomTimeLimit     time.Duration `yaml:"room_time_limit"`

	SessionTTL    time.Duration `yaml:"session_ttl"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	ResultTimeout time.Duration `yaml:"result_timeout"`

	Workers   int     `yaml:"workers"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	LogLevel string `yaml:"log_level"`
	LogDev   bool   `yaml:"log_dev"`
}

func Default() Config {
	rules := engine.DefaultRules()
	return Config{
		Host:              "0.0.0.0",
		UDPPort:           10900,
		ControlPort:       10901,
		AuthEnforced:      true,
		RoomCapacity:      rules.Capacity,
		MinPlayers:        rules.MinPlayers,
		CountdownTicks:    rules.CountdownTicks,
		CountdownInterval: rules.CountdownInterval,
		MaxPlayDuration:   rules.MaxPlayDuration,
		HeartbeatTimeout:  rules.HeartbeatTimeout,
		HostGrace:         rules.HostGrace,
		SweepInterval:     time.Second,
		FinishedGrace:     rules.FinishedGrace,
		RoomTimeLimit:     rules.RoomTimeLimit,
		SessionTTL:        30 * time.Second,
		LookupTimeout:     2 * time.Second,
		ResultTimeout:     5 * time.Second,
		Workers:           runtime.NumCPU(),
		RateLimit:         60,
		RateBurst:         30,
		LogLevel:          "info",
	}
}

// Load returns the effective configuration. It returns the path of the YAML
// file it read, if any.
func Load() (Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, "", fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	path := strings.TrimSpace(os.Getenv("LINKPLAY_CONFIG"))
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, path, err
		}
	}

	if err := overlayEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, path, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func overlayFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	// Keys missing from the file keep their current values.
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func overlayEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LINKPLAY_HOST", &cfg.Host)
	e.int("LINKPLAY_UDP_PORT", &cfg.UDPPort)
	e.int("LINKPLAY_CONTROL_PORT", &cfg.ControlPort)
	e.bool("LINKPLAY_AUTH_ENFORCED", &cfg.AuthEnforced)
	e.str("LINKPLAY_CONTROL_SECRET", &cfg.ControlSecret)
	e.str("LINKPLAY_CONTROL_SECRET_BCRYPT", &cfg.ControlSecretBcrypt)
	e.str("LINKPLAY_DATABASE_URL", &cfg.DatabaseURL)
	e.int("LINKPLAY_ROOM_CAPACITY", &cfg.RoomCapacity)
	e.int("LINKPLAY_MIN_PLAYERS", &cfg.MinPlayers)
	e.int("LINKPLAY_COUNTDOWN_TICKS", &cfg.CountdownTicks)
	e.duration("LINKPLAY_COUNTDOWN_INTERVAL", &cfg.CountdownInterval)
	e.duration("LINKPLAY_MAX_PLAY_DURATION", &cfg.MaxPlayDuration)
	e.duration("LINKPLAY_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	e.duration("LINKPLAY_HOST_GRACE", &cfg.HostGrace)
	e.duration("LINKPLAY_SWEEP_INTERVAL", &cfg.SweepInterval)
	e.duration("LINKPLAY_FINISHED_GRACE", &cfg.FinishedGrace)
	e.duration("LINKPLAY_ROOM_TIME_LIMIT", &cfg.RoomTimeLimit)
	e.duration("LINKPLAY_SESSION_TTL", &cfg.SessionTTL)
	e.duration("LINKPLAY_LOOKUP_TIMEOUT", &cfg.LookupTimeout)
	e.duration("LINKPLAY_RESULT_TIMEOUT", &cfg.ResultTimeout)
	e.int("LINKPLAY_WORKERS", &cfg.Workers)
	e.float("LINKPLAY_RATE_LIMIT", &cfg.RateLimit)
	e.int("LINKPLAY_RATE_BURST", &cfg.RateBurst)
	e.str("LINKPLAY_LOG_LEVEL", &cfg.LogLevel)
	e.bool("LINKPLAY_LOG_DEV", &cfg.LogDev)

	return e.err
}

// envReader collects every parse failure instead of stopping at the first.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	_, hostErr := netip.ParseAddr(c.Host)
	check(hostErr == nil, "host %q must be an IP address", c.Host)
	check(validPort(c.UDPPort), "udp port %d out of range", c.UDPPort)
	check(validPort(c.ControlPort), "control port %d out of range", c.ControlPort)
	check(c.UDPPort != c.ControlPort, "udp and control ports must differ")
	check(c.ControlSecret != "" || c.ControlSecretBcrypt != "", "a control secret is required")
	check(!c.AuthEnforced || c.DatabaseURL != "", "auth enforced requires a database url")
	check(c.RoomCapacity >= 2 && c.RoomCapacity <= 255, "room capacity %d must be between 2 and 255", c.RoomCapacity)
	check(c.MinPlayers >= 1 && c.MinPlayers <= c.RoomCapacity, "min players %d must be between 1 and capacity", c.MinPlayers)
	check(c.CountdownTicks >= 1 && c.CountdownTicks <= 255, "countdown ticks %d must be between 1 and 255", c.CountdownTicks)
	check(c.CountdownInterval > 0, "countdown interval must be positive")
	check(c.MaxPlayDuration > 0, "max play duration must be positive")
	check(c.HeartbeatTimeout > 0, "heartbeat timeout must be positive")
	check(c.HostGrace > 0, "host grace must be positive")
	check(c.SweepInterval > 0, "sweep interval must be positive")
	check(c.FinishedGrace >= 0, "finished grace must not be negative")
	check(c.RoomTimeLimit >= 0, "room time limit must not be negative")
	check(c.SessionTTL >= 0, "session ttl must not be negative")
	check(c.LookupTimeout > 0, "lookup timeout must be positive")
	check(c.ResultTimeout >= 0, "result timeout must not be negative")
	check(c.Workers > 0, "workers must be positive")
	check(c.RateLimit > 0, "rate limit must be positive")
	check(c.RateBurst > 0, "rate burst must be positive")
	return err
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func (c Config) Rules() engine.Rules {
	return engine.Rules{
		Capacity:          c.RoomCapacity,
		MinPlayers:        c.MinPlayers,
		CountdownTicks:    c.CountdownTicks,
		CountdownInterval: c.CountdownInterval,
		MaxPlayDuration:   c.MaxPlayDuration,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		HostGrace:         c.HostGrace,
		FinishedGrace:     c.FinishedGrace,
		RoomTimeLimit:     c.RoomTimeLimit,
	}
}

func (c Config) UDPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.UDPPort))
}

func (c Config) ControlAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ControlPort))
}
