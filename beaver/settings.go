package beaver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// RotatorSettings are held by the controller; the Dome only caches them.
type RotatorSettings struct {
	MaxSpeed     float64
	MinSpeed     float64
	Acceleration float64
	// Timeout is the full rotation time limit in seconds.
	Timeout float64
}

type ShutterSettings struct {
	MaxSpeed     float64
	MinSpeed     float64
	Acceleration float64
	// Timeout is the open/close time limit in seconds.
	Timeout     float64
	SafeVoltage float64
}

type settingField struct {
	name     string
	get, set string
	value    *float64
}

// Fields are applied in this order.
func (s *RotatorSettings) fields() []settingField {
	return []settingField{
		{"max speed", "!domerot getmaxspeed", "!domerot setmaxspeed %.2f", &s.MaxSpeed},
		{"min speed", "!domerot getminspeed", "!domerot setminspeed %.2f", &s.MinSpeed},
		{"acceleration", "!domerot getacceleration", "!domerot setacceleration %.2f", &s.Acceleration},
		{"timeout", "!domerot getmaxfullrotsecs", "!domerot setfullrotsecs %.2f", &s.Timeout},
	}
}

func (s *ShutterSettings) fields() []settingField {
	return []settingField{
		{"max speed", "!dome getshuttermaxspeed", "!dome setshuttermaxspeed %.2f", &s.MaxSpeed},
		{"min speed", "!dome getshutterminspeed", "!dome setshutterminspeed %.2f", &s.MinSpeed},
		{"acceleration", "!dome getshutteracceleration", "!dome setshutteracceleration %.2f", &s.Acceleration},
		{"timeout", "!dome getshuttertimeoutopenclose", "!dome setshuttertimeoutopenclose %.2f", &s.Timeout},
		{"safe voltage", "!dome getshuttersafevoltage", "!dome setshuttersafevoltage %.2f", &s.SafeVoltage},
	}
}

// getFields reads every field into dest, stopping at the first failure.
func (d *Dome) getFields(ctx context.Context, what string, dest []settingField) error {
	for _, f := range dest {
		v, err := d.sendCommand(ctx, f.get)
		if err != nil {
			return fmt.Errorf("reading %s %s: %w", what, f.name, err)
		}
		*f.value = v
		d.log.Info().Msgf("%s reports %s of: %.1f", what, f.name, v)
	}
	return nil
}

// setFields writes src in order, stopping at the first failure. Fields already
// written are not rolled back; cache mirrors what the controller accepted.
func (d *Dome) setFields(ctx context.Context, what string, src, cache []settingField) error {
	for i, f := range src {
		if _, err := d.sendCommand(ctx, f.set, *f.value); err != nil {
			return fmt.Errorf("writing %s %s: %w", what, f.name, err)
		}
		*cache[i].value = *f.value
	}
	return nil
}

func (d *Dome) rotatorSettings(ctx context.Context) (RotatorSettings, error) {
	var s RotatorSettings
	if err := d.getFields(ctx, "Rotator", s.fields()); err != nil {
		return RotatorSettings{}, err
	}
	d.status.RotatorSettings = s
	return s, nil
}

func (d *Dome) shutterSettings(ctx context.Context) (ShutterSettings, error) {
	var s ShutterSettings
	if err := d.getFields(ctx, "Shutter", s.fields()); err != nil {
		return ShutterSettings{}, err
	}
	d.status.ShutterSettings = s
	return s, nil
}

// RotatorSettings reads the rotator settings from the controller.
func (d *Dome) RotatorSettings(ctx context.Context) (RotatorSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.rotatorSettings(ctx)
	if err != nil {
		return s, d.fail(err, "Rotator settings query failed")
	}
	d.notify()
	return s, nil
}

// SetRotatorSettings writes max speed, min speed, acceleration and timeout in
// that order and fails fast.
func (d *Dome) SetRotatorSettings(ctx context.Context, s RotatorSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setFields(ctx, "rotator", s.fields(), d.status.RotatorSettings.fields()); err != nil {
		return d.fail(err, "Rotator settings update failed")
	}
	d.report(zerolog.InfoLevel, nil, "Rotator settings updated")
	return nil
}

// ShutterSettings reads the shutter settings. Without a shutter it returns
// the zero value and no error.
func (d *Dome) ShutterSettings(ctx context.Context) (ShutterSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.ShutterPresent {
		return ShutterSettings{}, nil
	}
	s, err := d.shutterSettings(ctx)
	if err != nil {
		return s, d.fail(err, "Shutter settings query failed")
	}
	d.notify()
	return s, nil
}

// SetShutterSettings writes the shutter settings in field order and fails
// fast. Without a shutter it succeeds without talking to the controller.
func (d *Dome) SetShutterSettings(ctx context.Context, s ShutterSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.ShutterPresent {
		return nil
	}
	if err := d.setFields(ctx, "shutter", s.fields(), d.status.ShutterSettings.fields()); err != nil {
		return d.fail(err, "Shutter settings update failed")
	}
	d.report(zerolog.InfoLevel, nil, "Shutter settings updated")
	return nil
}
