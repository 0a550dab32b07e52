package beaver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Poll runs one status tick: read the status word and azimuth, reconcile the
// rotator, probe the shutter, reconcile it and read its battery. A failed
// status read is reported and leaves both states untouched.
func (d *Dome) Poll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.sendCommand(ctx, cmdStatus)
	if err != nil {
		return d.fail(err, "Status command error")
	}
	bits, err := ParseStatus(res)
	if err != nil {
		return d.fail(&CommandError{Command: Command(cmdStatus), Attempts: 1, Kind: ErrProtocolParse, Err: err}, "Status command error")
	}
	d.status.StatusRegister = bits
	d.log.Debug().Stringer("bits", bits).Msgf("Dome status: %04x", uint16(bits))

	if err := d.refreshAzimuth(ctx); err != nil {
		d.report(zerolog.ErrorLevel, err, "Azimuth query failed")
	}

	if t, ok := nextRotator(d.status.Rotator, bits); ok {
		d.applyRotator(t)
	}

	d.updateShutterPresence(d.probeShutter(ctx))
	if d.status.ShutterPresent {
		if t, ok := nextShutter(d.status.Shutter, bits); ok {
			d.applyShutter(t)
		}
		volts, err := d.sendCommand(ctx, cmdShutterVolts)
		if err != nil {
			d.report(zerolog.ErrorLevel, err, "Shutter voltage command error")
		} else {
			d.status.ShutterVolts = volts
		}
	}
	d.notify()
	return nil
}

func (d *Dome) applyRotator(t transition[RotatorState]) {
	if t.Error && (d.status.Rotator != t.State || d.status.RotatorLabel != t.Label) {
		d.status.Rotator = t.State
		d.status.RotatorLabel = t.Label
		d.report(zerolog.ErrorLevel, nil, t.Label)
		return
	}
	d.setRotator(t.State, t.Label)
}

func (d *Dome) applyShutter(t transition[ShutterState]) {
	if t.Error && (d.status.Shutter != t.State || d.status.ShutterLabel != t.Label) {
		d.status.Shutter = t.State
		d.status.ShutterLabel = t.Label
		d.report(zerolog.ErrorLevel, nil, "Shutter "+t.Label)
		return
	}
	d.setShutter(t.State, t.Label)
}

// Watch calls Poll every period until ctx is done or the link fails on
// write, which is returned so the caller can reconnect.
func (d *Dome) Watch(ctx context.Context, period time.Duration) error {
	t := d.clock.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
		}
		if err := d.Poll(ctx); errors.Is(err, ErrTransportWrite) {
			return err
		}
	}
}
