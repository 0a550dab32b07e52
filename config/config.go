// Package config holds the dome daemon settings. Values start from Defaults,
// are overlaid by an optional TOML file, and then by command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/w1xm/dome_interface/beaver"
)

// Duration is a time.Duration written as a string such as "500ms" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Serial struct {
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

// Network reaches a controller behind a serial server.
type Network struct {
	Address string `toml:"address"`
	// Kind is "tcp" or "udp".
	Kind string `toml:"kind"`
}

type Retry struct {
	Attempts    int      `toml:"attempts"`
	Backoff     Duration `toml:"backoff"`
	ReadTimeout Duration `toml:"read_timeout"`
}

// Policy converts r for beaver.WithRetryPolicy.
func (r Retry) Policy() beaver.RetryPolicy {
	return beaver.RetryPolicy{
		Attempts:    r.Attempts,
		Backoff:     r.Backoff.Duration,
		ReadTimeout: r.ReadTimeout.Duration,
	}
}

type Config struct {
	Serial     Serial   `toml:"serial"`
	Network    Network  `toml:"network"`
	Retry      Retry    `toml:"retry"`
	PollPeriod Duration `toml:"poll_period"`

	HTTPAddr    string `toml:"http_addr"`
	RotctldAddr string `toml:"rotctld_addr"`

	// Latitude of the site in degrees, used to point the slit at HA/Dec.
	Latitude float64 `toml:"latitude"`

	// Simulate runs against the built-in controller simulator.
	Simulate     bool `toml:"simulate"`
	DebugLogging bool `toml:"debug_logging"`
}

func Defaults() Config {
	return Config{
		Serial:  Serial{Baud: 9600},
		Network: Network{Kind: "tcp"},
		Retry: Retry{
			Attempts:    beaver.DefaultRetryPolicy.Attempts,
			Backoff:     Duration{beaver.DefaultRetryPolicy.Backoff},
			ReadTimeout: Duration{beaver.DefaultRetryPolicy.ReadTimeout},
		},
		PollPeriod:  Duration{time.Second},
		HTTPAddr:    "127.0.0.1:8503",
		RotctldAddr: "127.0.0.1:4533",
		Latitude:    42.36,
	}
}

// Load reads path over the defaults. Keys that do not belong to Config are
// an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Decode unmarshals TOML data on top of cfg.
func Decode(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func (c Config) Validate() error {
	var errs []error
	transports := 0
	if c.Serial.Port != "" {
		transports++
		if c.Serial.Baud <= 0 {
			errs = append(errs, fmt.Errorf("baud %d must be positive", c.Serial.Baud))
		}
	}
	if c.Network.Address != "" {
		transports++
		if c.Network.Kind != "tcp" && c.Network.Kind != "udp" {
			errs = append(errs, fmt.Errorf("network kind %q must be tcp or udp", c.Network.Kind))
		}
	}
	if c.Simulate {
		transports++
	}
	switch {
	case transports == 0:
		errs = append(errs, errors.New("one of serial port, network address or simulate is required"))
	case transports > 1:
		errs = append(errs, errors.New("serial port, network address and simulate are exclusive"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts %d must be at least 1", c.Retry.Attempts))
	}
	if c.Retry.Backoff.Duration < 0 {
		errs = append(errs, fmt.Errorf("retry backoff %v is negative", c.Retry.Backoff))
	}
	if c.Retry.ReadTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("read timeout %v must be positive", c.Retry.ReadTimeout))
	}
	if c.PollPeriod.Duration <= 0 {
		errs = append(errs, fmt.Errorf("poll period %v must be positive", c.PollPeriod))
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		errs = append(errs, fmt.Errorf("latitude %v outside [-90, 90]", c.Latitude))
	}
	return errors.Join(errs...)
}
