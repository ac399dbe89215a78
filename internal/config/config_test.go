package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir on toolchains that lack it.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_MatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10900, cfg.UDPPort)
	assert.Equal(t, 10901, cfg.ControlPort)
	assert.True(t, cfg.AuthEnforced)
	assert.Equal(t, 4, cfg.RoomCapacity)
	assert.Equal(t, 3, cfg.CountdownTicks)
	assert.Equal(t, time.Second, cfg.CountdownInterval)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout)

	assert.Equal(t, 2*time.Second, cfg.LookupTimeout)

	// A bare default lacks a control secret and, with auth on, a session store.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "database url")
}

func TestOverlayEnv(t *testing.T) {
	cfg := Default()
	err := overlayEnv(&cfg, envMap(map[string]string{
		"LINKPLAY_UDP_PORT":           "20900",
		"LINKPLAY_AUTH_ENFORCED":      "false",
		"LINKPLAY_CONTROL_SECRET":     " s3cret ",
		"LINKPLAY_COUNTDOWN_INTERVAL": "750ms",
		"LINKPLAY_RATE_LIMIT":         "12.5",
		"LINKPLAY_LOG_DEV":            "1",
		"LINKPLAY_LOOKUP_TIMEOUT":     "500ms",
	}))
	require.NoError(t, err)

	assert.Equal(t, 20900, cfg.UDPPort)
	assert.False(t, cfg.AuthEnforced)
	assert.Equal(t, "s3cret", cfg.ControlSecret)
	assert.Equal(t, 750*time.Millisecond, cfg.CountdownInterval)
	assert.Equal(t, 12.5, cfg.RateLimit)
	assert.True(t, cfg.LogDev)
	assert.Equal(t, 500*time.Millisecond, cfg.LookupTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestOverlayEnv_ReportsEveryBadValue(t *testing.T) {
	cfg := Default()
	err := overlayEnv(&cfg, envMap(map[string]string{
		"LINKPLAY_UDP_PORT":       "nope",
		"LINKPLAY_HOST_GRACE":     "soon",
		"LINKPLAY_AUTH_ENFORCED":  "maybe",
		"LINKPLAY_CONTROL_SECRET": "x",
	}))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Contains(t, err.Error(), "LINKPLAY_HOST_GRACE")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.ControlSecret = "x"
	valid.DatabaseURL = "postgres://linkplay@localhost/arcaea"

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "hostname instead of address", mutate: func(c *Config) { c.Host = "localhost" }},
		{name: "port zero", mutate: func(c *Config) { c.UDPPort = 0 }},
		{name: "port too large", mutate: func(c *Config) { c.ControlPort = 70000 }},
		{name: "same ports", mutate: func(c *Config) { c.ControlPort = c.UDPPort }},
		{name: "capacity below two", mutate: func(c *Config) { c.RoomCapacity = 1 }},
		{name: "no secret", mutate: func(c *Config) { c.ControlSecret = "" }},
		{name: "min players over capacity", mutate: func(c *Config) { c.MinPlayers = 9 }},
		{name: "zero ticks", mutate: func(c *Config) { c.CountdownTicks = 0 }},
		{name: "auth enforced without a store", mutate: func(c *Config) { c.DatabaseURL = "" }},
		{name: "negative finished grace", mutate: func(c *Config) { c.FinishedGrace = -time.Second }},
		{name: "negative room time limit", mutate: func(c *Config) { c.RoomTimeLimit = -time.Second }},
		{name: "negative session ttl", mutate: func(c *Config) { c.SessionTTL = -time.Second }},
		{name: "negative result timeout", mutate: func(c *Config) { c.ResultTimeout = -time.Second }},
		{name: "zero lookup timeout", mutate: func(c *Config) { c.LookupTimeout = 0 }},
	}

	require.NoError(t, valid.Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	hashed := valid
	hashed.ControlSecret, hashed.ControlSecretBcrypt = "", "$2a$10$abcdefghijklmnopqrstuv"
	assert.NoError(t, hashed.Validate())

	open := valid
	open.AuthEnforced, open.DatabaseURL = false, ""
	assert.NoError(t, open.Validate(), "auth off needs no store")

	disabled := valid
	disabled.FinishedGrace, disabled.RoomTimeLimit, disabled.SessionTTL, disabled.ResultTimeout = 0, 0, 0, 0
	assert.NoError(t, disabled.Validate(), "zero durations are allowed")
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "linkplayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
udp_port: 30900
control_secret: from-file
database_url: postgres://linkplay@localhost/arcaea
countdown_ticks: 5
heartbeat_timeout: 20s
`), 0o600))

	chdir(t, dir)
	t.Setenv("LINKPLAY_CONFIG", path)
	t.Setenv("LINKPLAY_COUNTDOWN_TICKS", "4")

	cfg, used, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, 30900, cfg.UDPPort)
	assert.Equal(t, "from-file", cfg.ControlSecret)
	assert.Equal(t, 4, cfg.CountdownTicks)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 10901, cfg.ControlPort)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LINKPLAY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LINKPLAY_CONTROL_SECRET", "x")

	_, _, err := Load()
	require.Error(t, err)
}

func TestRulesAndAddrs(t *testing.T) {
	cfg := Default()
	cfg.Host = "::1"
	rules := cfg.Rules()
	assert.Equal(t, cfg.RoomCapacity, rules.Capacity)
	assert.Equal(t, cfg.RoomTimeLimit, rules.RoomTimeLimit)
	assert.Equal(t, "[::1]:10900", cfg.UDPAddr())
	assert.Equal(t, "[::1]:10901", cfg.ControlAddr())
}
