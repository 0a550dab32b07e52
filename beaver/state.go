package beaver

import (
	"fmt"
	"strings"
)

// StatusBits is the word returned by "!dome status#".
type StatusBits uint16

const (
	RotatorMovingBit StatusBits = 1 << iota
	RotatorErrorBit
	ShutterMovingBit
	ShutterErrorBit
	ShutterCommErrorBit
	CounterweightUnsafeBit
	RotationGuardUnsafeBit
	ShutterOpenBit
	ShutterClosedBit
	ShutterOpeningBit
	ShutterClosingBit
	RotatorAtHomeBit
	RotatorParkedBit
)

var bitNames = []struct {
	bit  StatusBits
	name string
}{
	{RotatorMovingBit, "rotator-moving"},
	{RotatorErrorBit, "rotator-error"},
	{ShutterMovingBit, "shutter-moving"},
	{ShutterErrorBit, "shutter-error"},
	{ShutterCommErrorBit, "shutter-comm-error"},
	{CounterweightUnsafeBit, "counterweight-unsafe"},
	{RotationGuardUnsafeBit, "rotation-guard-unsafe"},
	{ShutterOpenBit, "shutter-open"},
	{ShutterClosedBit, "shutter-closed"},
	{ShutterOpeningBit, "shutter-opening"},
	{ShutterClosingBit, "shutter-closing"},
	{RotatorAtHomeBit, "rotator-at-home"},
	{RotatorParkedBit, "rotator-parked"},
}

func (b StatusBits) Has(bit StatusBits) bool {
	return b&bit != 0
}

func (b StatusBits) String() string {
	var names []string
	for _, n := range bitNames {
		if b.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

type RotatorState int

const (
	RotatorIdle RotatorState = iota
	RotatorMoving
	RotatorHoming
	RotatorParking
	RotatorAtHome
	RotatorParked
	RotatorError
)

var rotatorStateNames = [...]string{"Idle", "Moving", "Homing", "Parking", "AtHome", "Parked", "Error"}

func (s RotatorState) String() string {
	if s < 0 || int(s) >= len(rotatorStateNames) {
		return fmt.Sprintf("RotatorState(%d)", int(s))
	}
	return rotatorStateNames[s]
}

func (s RotatorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RotatorState) UnmarshalText(text []byte) error {
	return unmarshalState(s, rotatorStateNames[:], text)
}

// Busy reports whether status ticks should reconcile the state.
func (s RotatorState) Busy() bool {
	return s == RotatorMoving || s == RotatorHoming || s == RotatorParking
}

type ShutterState int

const (
	ShutterUnknown ShutterState = iota
	ShutterClosed
	ShutterOpen
	ShutterOpening
	ShutterClosing
	ShutterMoving
	ShutterError
	ShutterCommError
)

var shutterStateNames = [...]string{"Unknown", "Closed", "Open", "Opening", "Closing", "Moving", "Error", "CommError"}

func (s ShutterState) String() string {
	if s < 0 || int(s) >= len(shutterStateNames) {
		return fmt.Sprintf("ShutterState(%d)", int(s))
	}
	return shutterStateNames[s]
}

func (s ShutterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ShutterState) UnmarshalText(text []byte) error {
	return unmarshalState(s, shutterStateNames[:], text)
}

func unmarshalState[S ~int](dest *S, names []string, text []byte) error {
	for i, name := range names {
		if name == string(text) {
			*dest = S(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Moving is true for Moving and its Opening / Closing sub-states.
func (s ShutterState) Moving() bool {
	return s == ShutterMoving || s == ShutterOpening || s == ShutterClosing
}

// transition is the outcome of one rule: the new state and the label shown
// to the operator.
type transition[S comparable] struct {
	State S
	Label string
	Error bool
}

type rotatorRule struct {
	bit StatusBits
	set bool
	to  transition[RotatorState]
}

// Evaluated in order while the rotator is busy; the first match wins.
var rotatorRules = []rotatorRule{
	{RotatorMovingBit, false, transition[RotatorState]{RotatorIdle, "Idle", false}},
	{RotatorAtHomeBit, true, transition[RotatorState]{RotatorAtHome, "At Home/Idle", false}},
	{RotatorParkedBit, true, transition[RotatorState]{RotatorParked, "At Park/Idle", false}},
	{RotatorErrorBit, true, rotatorMechanicalError},
}

var rotatorMechanicalError = transition[RotatorState]{RotatorError, "Rotation Mechanical Error", true}

// Checked on every tick regardless of state; any match forces Error.
var unsafeRules = []rotatorRule{
	{CounterweightUnsafeBit, true, transition[RotatorState]{RotatorError, "CW Unsafe Error", true}},
	{RotationGuardUnsafeBit, true, transition[RotatorState]{RotatorError, "RGx Unsafe Error", true}},
}

type shutterRule struct {
	bit StatusBits
	to  transition[ShutterState]
}

// Evaluated in order while a shutter move is outstanding; every matching
// rule overwrites the previous one, so the last match wins.
var shutterRules = []shutterRule{
	{ShutterMovingBit, transition[ShutterState]{ShutterMoving, "Moving", false}},
	{ShutterClosedBit, transition[ShutterState]{ShutterClosed, "Closed", false}},
	{ShutterOpenBit, transition[ShutterState]{ShutterOpen, "Open", false}},
	{ShutterOpeningBit, transition[ShutterState]{ShutterOpening, "Opening", false}},
	{ShutterClosingBit, transition[ShutterState]{ShutterClosing, "Closing", false}},
	{ShutterErrorBit, transition[ShutterState]{ShutterError, "Mechanical Error", true}},
	{ShutterCommErrorBit, transition[ShutterState]{ShutterCommError, "Communications Error", true}},
}

// nextRotator decides the rotator transition for one status tick. ok is
// false when the state should be left alone.
func nextRotator(cur RotatorState, bits StatusBits) (t transition[RotatorState], ok bool) {
	switch {
	case cur == RotatorParking:
		// Parking completes within one poll interval.
		if bits.Has(RotatorErrorBit) {
			t, ok = rotatorMechanicalError, true
		} else {
			t, ok = transition[RotatorState]{RotatorParked, "Parked", false}, true
		}
	case cur.Busy():
		for _, r := range rotatorRules {
			if bits.Has(r.bit) == r.set {
				t, ok = r.to, true
				break
			}
		}
	}
	for _, r := range unsafeRules {
		if bits.Has(r.bit) {
			t, ok = r.to, true
		}
	}
	return t, ok
}

// nextShutter decides the shutter transition for one status tick.
func nextShutter(cur ShutterState, bits StatusBits) (t transition[ShutterState], ok bool) {
	if !cur.Moving() {
		return t, false
	}
	for _, r := range shutterRules {
		if bits.Has(r.bit) {
			t, ok = r.to, true
		}
	}
	return t, ok
}
