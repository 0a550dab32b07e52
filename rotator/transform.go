package rotator

import "math"

// equhor maps hour angle x and declination y to azimuth and altitude for
// latitude phi, all in radians. The mapping is its own inverse.
// See https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(sq)

	cp := (sy - (sphi * sq)) / (cphi * math.Cos(q))
	// Rounding can push cp just outside [-1, 1].
	cp = math.Max(-1, math.Min(1, cp))
	p := math.Acos(cp)
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

// EquatorialToHorizontal converts hour angle and declination (degrees) at
// the given latitude into azimuth (from north, clockwise) and altitude.
func EquatorialToHorizontal(ha, dec, latitude float64) (az, alt float64) {
	p, q := equhor(deg2rad(ha), deg2rad(dec), deg2rad(latitude))
	return rad2deg(p), rad2deg(q)
}

// SlitAzimuth is the dome azimuth that puts the slit in front of a target at
// hour angle ha and declination dec. Offsets between the mount axis and the
// dome center are ignored.
func SlitAzimuth(ha, dec, latitude float64) float64 {
	az, _ := EquatorialToHorizontal(ha, dec, latitude)
	return math.Mod(az+360, 360)
}
