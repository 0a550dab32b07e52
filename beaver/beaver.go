// Package beaver drives a NexDome Beaver dome controller: rotator, optional
// shutter, and the status word that reconciles their motion states.
package beaver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/w1xm/dome_interface/rotator"
)

// Command templates. Parameters are rendered with two decimals.
const (
	cmdVersion      = "!seletek tversion"
	cmdGetAz        = "!dome getaz"
	cmdGotoAz       = "!dome gotoaz %.2f"
	cmdSyncAz       = "!dome setaz %.2f"
	cmdGetHome      = "!domerot gethome"
	cmdSetHome      = "!domerot sethome %.2f"
	cmdGetPark      = "!domerot getpark"
	cmdSetPark      = "!domerot setpark %.2f"
	cmdGotoHome     = "!dome gohome"
	cmdGotoPark     = "!dome gopark"
	cmdSetParkHere  = "!dome setpark"
	cmdFindHome     = "!dome autocalrot 0"
	cmdMeasureHome  = "!dome autocalrot 1"
	cmdAtHome       = "!dome athome"
	cmdAtPark       = "!dome atpark"
	cmdStatus       = "!dome status"
	cmdOpenShutter  = "!dome openshutter"
	cmdCloseShutter = "!dome closeshutter"
	cmdAbortShutter = "!dome abort 0 0 1"
	cmdAbortAll     = "!dome abort 1 1 1"
	cmdShutterUp    = "!dome shutterisup"
	cmdShutterHome  = "!dome autocalshutter"
	cmdShutterVolts = "!dome getshutterbatvoltage"
)

// ErrNoShutter is returned by shutter commands when no shutter answered the
// presence probe.
var ErrNoShutter = errors.New("shutter not present")

// ErrInvalidAzimuth is returned for an azimuth that is NaN or infinite.
var ErrInvalidAzimuth = errors.New("invalid azimuth")

type StatusCallback func(status Status)

type Status struct {
	Connected       bool
	FirmwareVersion float64

	// AzPos is the last azimuth read back from the controller. It lags the
	// physical position by one update while moving.
	AzPos    float64
	TargetAz float64
	HomePos  float64
	ParkPos  float64

	StatusRegister StatusBits

	Rotator      RotatorState
	RotatorLabel string

	ShutterPresent bool
	Shutter        ShutterState
	ShutterLabel   string
	ShutterVolts   float64

	RotatorSettings RotatorSettings
	ShutterSettings ShutterSettings

	// Message is the most recent operator-facing report.
	Message string
}

func (s Status) Clone() rotator.Status {
	return s
}

func (s Status) AzimuthPosition() float64 {
	return s.AzPos
}

// Dome is one connection to a Beaver controller. All commands and status
// ticks are serialized on mu, so at most one request is ever in flight.
type Dome struct {
	log            zerolog.Logger
	clock          clockwork.Clock
	retry          RetryPolicy
	statusCallback StatusCallback

	mu     sync.Mutex
	conn   Transport
	status Status
}

type Option func(*Dome)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dome) { d.log = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(d *Dome) { d.clock = c }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dome) { d.retry = p }
}

// New wraps conn. Call Connect before issuing other commands. statusCallback
// is invoked with d's lock held and must not call back into d.
func New(conn Transport, statusCallback StatusCallback, opts ...Option) *Dome {
	d := &Dome{
		log:            log.Logger,
		clock:          clockwork.NewRealClock(),
		retry:          DefaultRetryPolicy,
		statusCallback: statusCallback,
		conn:           conn,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.status.RotatorLabel = "Idle"
	d.status.ShutterLabel = "Unknown"
	return d
}

// Status returns a snapshot of the cached device state.
func (d *Dome) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dome) notify() {
	if d.statusCallback != nil {
		d.statusCallback(d.status)
	}
}

// report logs msg and publishes it as the current status message.
func (d *Dome) report(level zerolog.Level, err error, msg string) {
	e := d.log.WithLevel(level)
	if err != nil {
		e = e.Err(err)
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	e.Msg(msg)
	d.status.Message = msg
	d.notify()
}

func (d *Dome) fail(err error, msg string) error {
	d.report(zerolog.ErrorLevel, err, msg)
	return fmt.Errorf("%s: %w", msg, err)
}

func (d *Dome) setRotator(state RotatorState, label string) {
	if d.status.Rotator == state && d.status.RotatorLabel == label {
		return
	}
	d.status.Rotator = state
	d.status.RotatorLabel = label
	d.report(zerolog.InfoLevel, nil, "Rotator: "+label)
}

func (d *Dome) setShutter(state ShutterState, label string) {
	if d.status.Shutter == state && d.status.ShutterLabel == label {
		return
	}
	d.status.Shutter = state
	d.status.ShutterLabel = label
	d.report(zerolog.InfoLevel, nil, "Shutter: "+label)
}

// SetTransport swaps the link, for instance after a reconnect. The dome is
// marked disconnected until the next Connect; a nil conn fails every command
// with ErrNotConnected.
func (d *Dome) SetTransport(conn Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
	if d.status.Connected {
		d.status.Connected = false
		d.report(zerolog.WarnLevel, nil, "Disconnected")
	}
}

// Connect performs the handshake: firmware version, position, home and park
// offsets, settings, and the shutter presence probe. States are reset; they
// are rebuilt from subsequent status ticks.
func (d *Dome) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = Status{RotatorLabel: "Idle", ShutterLabel: "Unknown"}

	v, err := d.sendCommand(ctx, cmdVersion)
	if err != nil {
		return d.fail(err, "Firmware version query failed")
	}
	d.status.FirmwareVersion = v
	d.log.Info().Msgf("Detected firmware version %.f", v)

	if err := d.refreshAzimuth(ctx); err != nil {
		return d.fail(err, "Azimuth query failed")
	}
	d.log.Info().Msgf("Dome reports currently at az: %.1f", d.status.AzPos)
	if d.status.HomePos, err = d.sendCommand(ctx, cmdGetHome); err != nil {
		return d.fail(err, "Home offset query failed")
	}
	d.log.Info().Msgf("Dome reports home offset: %.2f", d.status.HomePos)
	if d.status.ParkPos, err = d.sendCommand(ctx, cmdGetPark); err != nil {
		return d.fail(err, "Park position query failed")
	}
	d.log.Info().Msgf("Dome reports park az as: %.1f", d.status.ParkPos)

	if _, err := d.rotatorSettings(ctx); err != nil {
		return d.fail(err, "Rotator settings query failed")
	}
	d.status.ShutterPresent = d.probeShutter(ctx)
	if d.status.ShutterPresent {
		d.log.Info().Msg("Shutter is online")
		if _, err := d.shutterSettings(ctx); err != nil {
			return d.fail(err, "Shutter settings query failed")
		}
	}
	d.status.Connected = true
	d.report(zerolog.InfoLevel, nil, "Connected")
	return nil
}

// FirmwareVersion returns the version reported at connect.
func (d *Dome) FirmwareVersion() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.FirmwareVersion
}

func (d *Dome) refreshAzimuth(ctx context.Context) error {
	az, err := d.sendCommand(ctx, cmdGetAz)
	if err != nil {
		return err
	}
	d.status.AzPos = az
	return nil
}

// Azimuth queries the current rotator azimuth.
func (d *Dome) Azimuth(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.refreshAzimuth(ctx); err != nil {
		return 0, d.fail(err, "Azimuth query failed")
	}
	d.notify()
	return d.status.AzPos, nil
}

// GotoAzimuth commands an absolute move to az, wrapped into [0, 360). The
// rotator is marked Moving before the command is sent; the next status tick
// reconciles it.
func (d *Dome) GotoAzimuth(ctx context.Context, az float64) error {
	az, err := checkAzimuth(az)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gotoAzimuth(ctx, az)
}

func (d *Dome) gotoAzimuth(ctx context.Context, az float64) error {
	d.status.TargetAz = az
	d.setRotator(RotatorMoving, "Moving")
	if _, err := d.sendCommand(ctx, cmdGotoAz, az); err != nil {
		return d.fail(err, "Goto azimuth failed")
	}
	return nil
}

// GotoRelative moves by delta degrees from the last known azimuth.
func (d *Dome) GotoRelative(ctx context.Context, delta float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gotoAzimuth(ctx, Wrap(d.status.AzPos+delta))
}

// Wrap normalizes az into [0, 360).
func Wrap(az float64) float64 {
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	if az >= 360 {
		az = 0
	}
	return az
}

func checkAzimuth(az float64) (float64, error) {
	if math.IsNaN(az) || math.IsInf(az, 0) {
		return 0, fmt.Errorf("%v: %w", az, ErrInvalidAzimuth)
	}
	return Wrap(az), nil
}

// SyncAzimuth redefines the current position as az without moving.
func (d *Dome) SyncAzimuth(ctx context.Context, az float64) error {
	az, err := checkAzimuth(az)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.sendCommand(ctx, cmdSyncAz, az); err != nil {
		return d.fail(err, "Sync failed")
	}
	d.status.AzPos = az
	d.notify()
	return nil
}

// HomePosition queries the home sensor offset from north.
func (d *Dome) HomePosition(ctx context.Context) (float64, error) {
	return d.queryCached(ctx, cmdGetHome, &d.status.HomePos, "Home offset query failed")
}

// ParkPosition queries the park azimuth.
func (d *Dome) ParkPosition(ctx context.Context) (float64, error) {
	return d.queryCached(ctx, cmdGetPark, &d.status.ParkPos, "Park position query failed")
}

func (d *Dome) queryCached(ctx context.Context, cmd string, dest *float64, msg string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.sendCommand(ctx, cmd)
	if err != nil {
		return 0, d.fail(err, msg)
	}
	*dest = v
	d.notify()
	return v, nil
}

// SetHome stores the home sensor offset on the controller.
func (d *Dome) SetHome(ctx context.Context, az float64) error {
	az, err := checkAzimuth(az)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.sendCommand(ctx, cmdSetHome, az); err != nil {
		return d.fail(err, "Set home position failed")
	}
	d.status.HomePos = az
	d.report(zerolog.InfoLevel, nil, fmt.Sprintf("Home position is updated to %.1f degrees.", az))
	return nil
}

// SetPark stores the park azimuth on the controller.
func (d *Dome) SetPark(ctx context.Context, az float64) error {
	az, err := checkAzimuth(az)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.sendCommand(ctx, cmdSetPark, az); err != nil {
		return d.fail(err, "Set park position failed")
	}
	d.status.ParkPos = az
	d.report(zerolog.InfoLevel, nil, fmt.Sprintf("Park position is updated to %.1f degrees.", az))
	return nil
}

// SetParkHere makes the current position the park position.
func (d *Dome) SetParkHere(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setRotator(RotatorParked, "Parked")
	if _, err := d.sendCommand(ctx, cmdSetParkHere); err != nil {
		return d.fail(err, "Set park failed")
	}
	d.status.ParkPos = d.status.AzPos
	d.notify()
	return nil
}

func (d *Dome) motion(ctx context.Context, state RotatorState, label, cmd, msg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setRotator(state, label)
	if _, err := d.sendCommand(ctx, cmd); err != nil {
		return d.fail(err, msg)
	}
	return nil
}

func (d *Dome) GotoHome(ctx context.Context) error {
	return d.motion(ctx, RotatorHoming, "Homing", cmdGotoHome, "Goto home failed")
}

func (d *Dome) GotoPark(ctx context.Context) error {
	return d.motion(ctx, RotatorParking, "Parking", cmdGotoPark, "Park failed")
}

// FindHome sweeps for the home sensor.
func (d *Dome) FindHome(ctx context.Context) error {
	return d.motion(ctx, RotatorHoming, "Finding Home", cmdFindHome, "Find home failed")
}

// MeasureHome finds the home sensor precisely and recalibrates.
func (d *Dome) MeasureHome(ctx context.Context) error {
	return d.motion(ctx, RotatorHoming, "Measuring Home", cmdMeasureHome, "Measure home failed")
}

// Unpark only marks the rotator idle; the controller has no unpark command.
func (d *Dome) Unpark(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setRotator(RotatorIdle, "Idle @ park")
	return nil
}

func (d *Dome) IsAtHome(ctx context.Context) (bool, error) {
	return d.flag(ctx, cmdAtHome, "At home query failed")
}

func (d *Dome) IsParked(ctx context.Context) (bool, error) {
	return d.flag(ctx, cmdAtPark, "At park query failed")
}

func (d *Dome) flag(ctx context.Context, cmd, msg string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.sendCommand(ctx, cmd)
	if err != nil {
		return false, d.fail(err, msg)
	}
	return v == 1, nil
}

// Abort halts rotator and shutter and re-reads the azimuth.
func (d *Dome) Abort(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.sendCommand(ctx, cmdAbortAll); err != nil {
		return d.fail(err, "Abort failed")
	}
	d.setRotator(RotatorIdle, "Idle")
	if d.status.Shutter.Moving() {
		d.setShutter(ShutterUnknown, "Aborted")
	}
	if err := d.refreshAzimuth(ctx); err != nil {
		return d.fail(err, "Azimuth query after abort failed")
	}
	d.notify()
	return nil
}

// ShutterPresent probes the shutter. The answer is cached for the settings
// setters and shutter commands.
func (d *Dome) ShutterPresent(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateShutterPresence(d.probeShutter(ctx))
	return d.status.ShutterPresent
}

// probeShutter reports a shutter as present when the probe succeeds with a
// non-zero answer.
func (d *Dome) probeShutter(ctx context.Context) bool {
	v, err := d.sendCommand(ctx, cmdShutterUp)
	if err != nil {
		d.log.Debug().Err(err).Msg("shutter probe failed")
		return false
	}
	return v != 0
}

func (d *Dome) updateShutterPresence(present bool) {
	if present == d.status.ShutterPresent {
		return
	}
	d.status.ShutterPresent = present
	if present {
		d.report(zerolog.InfoLevel, nil, "Shutter is online")
	} else {
		d.report(zerolog.WarnLevel, nil, "Shutter went offline")
	}
}

func (d *Dome) shutterMotion(ctx context.Context, state ShutterState, label, cmd, msg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.ShutterPresent {
		return d.fail(ErrNoShutter, msg)
	}
	d.setShutter(state, label)
	if _, err := d.sendCommand(ctx, cmd); err != nil {
		return d.fail(err, msg)
	}
	return nil
}

func (d *Dome) OpenShutter(ctx context.Context) error {
	return d.shutterMotion(ctx, ShutterOpening, "Opening", cmdOpenShutter, "Open shutter failed")
}

func (d *Dome) CloseShutter(ctx context.Context) error {
	return d.shutterMotion(ctx, ShutterClosing, "Closing", cmdCloseShutter, "Close shutter failed")
}

// ShutterFindHome calibrates the shutter end stops.
func (d *Dome) ShutterFindHome(ctx context.Context) error {
	return d.shutterMotion(ctx, ShutterMoving, "Finding Home", cmdShutterHome, "Shutter find home failed")
}

// AbortShutter stops the shutter. Its position is unknown afterwards.
func (d *Dome) AbortShutter(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.status.ShutterPresent {
		return d.fail(ErrNoShutter, "Shutter abort failed")
	}
	if _, err := d.sendCommand(ctx, cmdAbortShutter); err != nil {
		return d.fail(err, "Shutter abort failed")
	}
	d.setShutter(ShutterUnknown, "Aborted")
	return nil
}
