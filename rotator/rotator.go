// Package rotator has the device-neutral view of an azimuth mount used by the
// network front ends, and the coordinate transform for pointing one.
package rotator

import "context"

// Rotator is an azimuth-only mount such as a dome.
type Rotator interface {
	Abort(ctx context.Context) error
	GotoAzimuth(ctx context.Context, az float64) error
	GotoPark(ctx context.Context) error
}

type Status interface {
	AzimuthPosition() float64

	Clone() Status
}
