// Package simulator emulates a Beaver dome controller on the far end of a
// net.Pipe.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/dome_interface/beaver"
	"golang.org/x/sync/errgroup"
)

const (
	// Rotation speed in degrees/second
	rotSpeed = 90
	// Shutter travel per second, as a fraction of full travel
	shutterSpeed = 1.0
	// Positions closer than this count as reached
	tolerance = 0.5
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
	// Seconds the rotator reports moving after reaching its target
	settleTime = 0.3

	firmwareVersion = 521
)

type rotatorMode int

const (
	rotIdle rotatorMode = iota
	rotGoto
	rotSettling
)

type Simulator struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger

	mu             sync.Mutex
	az, target     float64
	home, park     float64
	mode           rotatorMode
	settle         float64
	shutterPresent bool
	// shutterPos runs from 0 (closed) to 1 (open)
	shutterPos    float64
	shutterTarget float64
	shutterMoving bool
	volts         float64
	faults        beaver.StatusBits
	mute          int
	settings      map[string]float64
	received      []string
}

// New returns a simulator with a shutter and the client end of its link.
func New(log zerolog.Logger) (*Simulator, net.Conn) {
	a, b := net.Pipe()
	return &Simulator{
		conn:           a,
		log:            log,
		home:           0,
		park:           180,
		shutterPresent: true,
		volts:          12.6,
		settings: map[string]float64{
			"maxspeed":                800,
			"minspeed":                400,
			"acceleration":            500,
			"maxfullrotsecs":          83,
			"shuttermaxspeed":         5,
			"shutterminspeed":         2,
			"shutteracceleration":     3,
			"shuttertimeoutopenclose": 30,
			"shuttersafevoltage":      11.5,
		},
	}, b
}

// SetShutterPresent attaches or removes the shutter.
func (s *Simulator) SetShutterPresent(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutterPresent = present
}

// SetFaults forces bits into every status word until cleared.
func (s *Simulator) SetFaults(bits beaver.StatusBits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = bits
}

// Mute drops the responses to the next n commands.
func (s *Simulator) Mute(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mute = n
}

func (s *Simulator) Azimuth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.az
}

func (s *Simulator) Setting(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[name]
}

// Received returns every command seen so far, without terminators.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step(stepSize.Seconds())
		}
	})
	g.Go(func() error {
		// Unblock the reader on shutdown.
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(s.reader)
	return g.Wait()
}

func scanFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, beaver.Terminator); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	scanner.Split(scanFrames)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		s.log.Debug().Msgf("srv->sim: %s", input)
		resp, send := s.handle(input)
		if !send {
			continue
		}
		s.log.Debug().Msgf("sim->srv: %s", resp)
		if _, err := fmt.Fprintf(s.conn, "%s%c", resp, beaver.Terminator); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return io.EOF
}

// handle applies one command and returns the response frame without its
// terminator. send is false when the response is dropped.
func (s *Simulator) handle(input string) (resp string, send bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, input)

	fields := strings.Fields(strings.TrimPrefix(input, "!"))
	if len(fields) < 2 {
		return input + ":unknown", true
	}
	key := fields[0] + " " + fields[1]
	var params []float64
	for _, f := range fields[2:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return "!" + key + ":badparam", true
		}
		params = append(params, v)
	}
	v, ok := s.apply(key, params)
	if s.mute > 0 {
		s.mute--
		return "", false
	}
	if !ok {
		return "!" + key + ":unknown", true
	}
	return fmt.Sprintf("!%s:%s", key, strconv.FormatFloat(v, 'f', -1, 64)), true
}

func param(params []float64) (float64, bool) {
	if len(params) != 1 {
		return 0, false
	}
	return params[0], true
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Simulator) apply(key string, params []float64) (float64, bool) {
	switch key {
	case "seletek tversion":
		return firmwareVersion, true
	case "dome getaz":
		return math.Round(s.az*100) / 100, true
	case "dome gotoaz":
		az, ok := param(params)
		if ok {
			s.goTo(az)
		}
		return 0, ok
	case "dome setaz":
		az, ok := param(params)
		if ok {
			s.az = beaver.Wrap(az)
		}
		return 0, ok
	case "domerot gethome":
		return s.home, true
	case "domerot sethome":
		az, ok := param(params)
		if ok {
			s.home = beaver.Wrap(az)
		}
		return 0, ok
	case "domerot getpark":
		return s.park, true
	case "domerot setpark":
		az, ok := param(params)
		if ok {
			s.park = beaver.Wrap(az)
		}
		return 0, ok
	case "dome gohome", "dome autocalrot":
		s.goTo(s.home)
		return 0, true
	case "dome gopark":
		s.goTo(s.park)
		return 0, true
	case "dome setpark":
		s.park = s.az
		return 0, true
	case "dome athome":
		return boolValue(s.mode == rotIdle && near(s.az, s.home)), true
	case "dome atpark":
		return boolValue(s.mode == rotIdle && near(s.az, s.park)), true
	case "dome status":
		return float64(s.status()), true
	case "dome shutterisup":
		return boolValue(s.shutterPresent), true
	}
	if s.shutterPresent {
		switch key {
		case "dome openshutter":
			s.shutterTarget, s.shutterMoving = 1, true
			return 0, true
		case "dome closeshutter", "dome autocalshutter":
			s.shutterTarget, s.shutterMoving = 0, true
			return 0, true
		case "dome getshutterbatvoltage":
			return s.volts, true
		}
	}
	if key == "dome abort" {
		if len(params) == 3 {
			if params[0] != 0 {
				s.mode = rotIdle
			}
			if params[2] != 0 {
				s.shutterMoving = false
			}
		}
		return 0, true
	}
	return s.setting(key, params)
}

// setting serves the generic get<name> / set<name> value commands.
func (s *Simulator) setting(key string, params []float64) (float64, bool) {
	parts := strings.SplitN(key, " ", 2)
	name := parts[1]
	if len(name) < 4 {
		return 0, false
	}
	if parts[0] == "dome" && !strings.HasPrefix(name[3:], "shutter") {
		return 0, false
	}
	switch {
	case strings.HasPrefix(name, "get"):
		v, ok := s.settings[name[3:]]
		return v, ok
	case strings.HasPrefix(name, "set"):
		v, ok := param(params)
		if !ok {
			return 0, false
		}
		field := name[3:]
		if field == "fullrotsecs" {
			field = "maxfullrotsecs"
		}
		if _, known := s.settings[field]; !known {
			return 0, false
		}
		s.settings[field] = v
		return v, true
	}
	return 0, false
}

func near(a, b float64) bool {
	return math.Abs(math.Remainder(a-b, 360)) < tolerance
}

func (s *Simulator) goTo(az float64) {
	s.target = beaver.Wrap(az)
	s.mode = rotGoto
}

func (s *Simulator) status() beaver.StatusBits {
	var bits beaver.StatusBits
	if s.mode != rotIdle {
		bits |= beaver.RotatorMovingBit
	}
	// The sensors only latch once the rotator stops travelling.
	if s.mode != rotGoto {
		if near(s.az, s.home) {
			bits |= beaver.RotatorAtHomeBit
		}
		if near(s.az, s.park) {
			bits |= beaver.RotatorParkedBit
		}
	}
	if s.shutterPresent {
		switch {
		case s.shutterMoving && s.shutterTarget > s.shutterPos:
			bits |= beaver.ShutterMovingBit | beaver.ShutterOpeningBit
		case s.shutterMoving:
			bits |= beaver.ShutterMovingBit | beaver.ShutterClosingBit
		case s.shutterPos >= 1:
			bits |= beaver.ShutterOpenBit
		case s.shutterPos <= 0:
			bits |= beaver.ShutterClosedBit
		}
	}
	return bits | s.faults
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.mode {
	case rotGoto:
		move := math.Remainder(s.target-s.az, 360)
		if math.Abs(move) <= rotSpeed*dt {
			s.az = s.target
			s.mode, s.settle = rotSettling, settleTime
		} else {
			s.az = beaver.Wrap(s.az + math.Copysign(rotSpeed*dt, move))
		}
	case rotSettling:
		s.settle -= dt
		if s.settle <= 0 {
			s.mode = rotIdle
		}
	}
	if s.shutterMoving {
		move := s.shutterTarget - s.shutterPos
		if math.Abs(move) <= shutterSpeed*dt {
			s.shutterPos = s.shutterTarget
			s.shutterMoving = false
		} else {
			s.shutterPos += math.Copysign(shutterSpeed*dt, move)
		}
	}
}
