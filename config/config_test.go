package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/dome_interface/beaver"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domed.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_period = "250ms"
latitude = -33.9

[serial]
port = "/dev/ttyACM0"
baud = 115200

[retry]
attempts = 5
read_timeout = "2s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	want := Defaults()
	want.PollPeriod = Duration{250 * time.Millisecond}
	want.Latitude = -33.9
	want.Serial = Serial{Port: "/dev/ttyACM0", Baud: 115200}
	want.Retry.Attempts = 5
	want.Retry.ReadTimeout = Duration{2 * time.Second}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("unexpected config: (-want +got):\n%s", diff)
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, beaver.RetryPolicy{Attempts: 5, Backoff: 100 * time.Millisecond, ReadTimeout: 2 * time.Second}, cfg.Retry.Policy())
}

func TestLoadUnknownKey(t *testing.T) {
	cfg := Defaults()
	err := Decode([]byte("pole_period = \"1s\"\n"), &cfg)
	var strict *toml.StrictMissingError
	assert.ErrorAs(t, err, &strict)
}

func TestLoadBadDuration(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, Decode([]byte("poll_period = \"soon\"\n"), &cfg))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"simulate", func(c *Config) { c.Simulate = true }, ""},
		{"udp", func(c *Config) { c.Network = Network{Address: "10.0.0.5:10001", Kind: "udp"} }, ""},
		{"no transport", func(c *Config) {}, "required"},
		{"two transports", func(c *Config) { c.Simulate = true; c.Serial.Port = "/dev/ttyUSB0" }, "exclusive"},
		{"bad kind", func(c *Config) { c.Network = Network{Address: "host:1", Kind: "sctp"} }, "tcp or udp"},
		{"zero period", func(c *Config) { c.Simulate = true; c.PollPeriod = Duration{} }, "poll period"},
		{"no attempts", func(c *Config) { c.Simulate = true; c.Retry.Attempts = 0 }, "attempts"},
		{"latitude", func(c *Config) { c.Simulate = true; c.Latitude = 91 }, "latitude"},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := Defaults()
			test.modify(&cfg)
			err := cfg.Validate()
			if test.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, test.errMsg)
		})
	}
}
