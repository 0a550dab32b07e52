package beaver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/dome_interface/beaver"
	"github.com/w1xm/dome_interface/beaver/simulator"
	"github.com/w1xm/dome_interface/transport"
)

func startSimulator(t *testing.T) (*simulator.Simulator, *beaver.Dome) {
	t.Helper()
	sim, conn := simulator.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("simulator: %v", err)
		}
	})

	d := beaver.New(transport.New("sim", conn), nil,
		beaver.WithLogger(zerolog.Nop()),
		beaver.WithRetryPolicy(beaver.RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond, ReadTimeout: 200 * time.Millisecond}))
	require.NoError(t, d.Connect(ctx))
	return sim, d
}

// pollUntil polls d until cond holds or a few seconds pass.
func pollUntil(t *testing.T, d *beaver.Dome, cond func(beaver.Status) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if err := d.Poll(context.Background()); err != nil {
			t.Logf("poll: %v", err)
			return false
		}
		return cond(d.Status())
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSimulatorConnect(t *testing.T) {
	sim, d := startSimulator(t)
	s := d.Status()
	assert.True(t, s.Connected)
	assert.Equal(t, 521.0, s.FirmwareVersion)
	assert.Equal(t, 180.0, s.ParkPos)
	assert.True(t, s.ShutterPresent)
	assert.Equal(t, 83.0, s.RotatorSettings.Timeout)
	assert.Equal(t, 11.5, s.ShutterSettings.SafeVoltage)
	assert.Equal(t, "!seletek tversion", sim.Received()[0])
}

func TestSimulatorGoto(t *testing.T) {
	sim, d := startSimulator(t)
	ctx := context.Background()

	require.NoError(t, d.GotoAzimuth(ctx, 90))
	assert.Equal(t, beaver.RotatorMoving, d.Status().Rotator)
	pollUntil(t, d, func(s beaver.Status) bool { return s.Rotator == beaver.RotatorIdle })
	assert.InDelta(t, 90, sim.Azimuth(), 0.01)
	az, err := d.Azimuth(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 90, az, 0.01)

	require.NoError(t, d.GotoRelative(ctx, -100))
	pollUntil(t, d, func(s beaver.Status) bool { return s.Rotator == beaver.RotatorIdle })
	assert.InDelta(t, 350, sim.Azimuth(), 0.01)
}

func TestSimulatorHomeAndPark(t *testing.T) {
	_, d := startSimulator(t)
	ctx := context.Background()

	require.NoError(t, d.GotoAzimuth(ctx, 20))
	pollUntil(t, d, func(s beaver.Status) bool { return s.Rotator == beaver.RotatorIdle })

	require.NoError(t, d.GotoHome(ctx))
	pollUntil(t, d, func(s beaver.Status) bool { return s.Rotator == beaver.RotatorAtHome })
	require.Eventually(t, func() bool {
		home, err := d.IsAtHome(ctx)
		return err == nil && home
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, d.GotoPark(ctx))
	pollUntil(t, d, func(s beaver.Status) bool { return s.Rotator == beaver.RotatorParked })
	require.Eventually(t, func() bool {
		parked, err := d.IsParked(ctx)
		return err == nil && parked
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSimulatorShutter(t *testing.T) {
	_, d := startSimulator(t)
	ctx := context.Background()

	require.NoError(t, d.OpenShutter(ctx))
	pollUntil(t, d, func(s beaver.Status) bool { return s.Shutter == beaver.ShutterOpen })
	assert.Equal(t, 12.6, d.Status().ShutterVolts)

	require.NoError(t, d.CloseShutter(ctx))
	pollUntil(t, d, func(s beaver.Status) bool { return s.Shutter == beaver.ShutterClosed })
}

func TestSimulatorShutterRemoved(t *testing.T) {
	sim, d := startSimulator(t)
	sim.SetShutterPresent(false)
	require.NoError(t, d.Poll(context.Background()))
	assert.False(t, d.Status().ShutterPresent)
	assert.ErrorIs(t, d.OpenShutter(context.Background()), beaver.ErrNoShutter)
}

func TestSimulatorFault(t *testing.T) {
	sim, d := startSimulator(t)
	ctx := context.Background()

	sim.SetFaults(beaver.RotationGuardUnsafeBit)
	require.NoError(t, d.Poll(ctx))
	s := d.Status()
	assert.Equal(t, beaver.RotatorError, s.Rotator)
	assert.Equal(t, "RGx Unsafe Error", s.RotatorLabel)

	sim.SetFaults(0)
	require.NoError(t, d.Poll(ctx))
	assert.Equal(t, beaver.RotatorError, d.Status().Rotator)
	require.NoError(t, d.Abort(ctx))
	assert.Equal(t, beaver.RotatorIdle, d.Status().Rotator)
}

func TestSimulatorRetry(t *testing.T) {
	sim, d := startSimulator(t)
	ctx := context.Background()

	sim.Mute(2)
	_, err := d.Azimuth(ctx)
	require.NoError(t, err)

	sim.Mute(3)
	_, err = d.Azimuth(ctx)
	assert.ErrorIs(t, err, beaver.ErrTransportTimeout)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	// The link is still usable after an exhausted retry.
	_, err = d.Azimuth(ctx)
	assert.NoError(t, err)
}

func TestSimulatorSettings(t *testing.T) {
	sim, d := startSimulator(t)
	ctx := context.Background()

	require.NoError(t, d.SetRotatorSettings(ctx, beaver.RotatorSettings{MaxSpeed: 900, MinSpeed: 300, Acceleration: 450, Timeout: 60}))
	assert.Equal(t, 900.0, sim.Setting("maxspeed"))
	assert.Equal(t, 60.0, sim.Setting("maxfullrotsecs"))

	require.NoError(t, d.SetShutterSettings(ctx, beaver.ShutterSettings{MaxSpeed: 6, MinSpeed: 1, Acceleration: 2, Timeout: 45, SafeVoltage: 11}))
	assert.Equal(t, 11.0, sim.Setting("shuttersafevoltage"))

	s, err := d.ShutterSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45.0, s.Timeout)
}
