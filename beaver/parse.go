package beaver

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrNoMatch means the response carried no ":<number>" token.
	ErrNoMatch = errors.New("no numeric token in response")
	// ErrMalformed means a token was found but is not a valid number.
	ErrMalformed = errors.New("malformed numeric token")
	// ErrOutOfRange means a status value does not fit the 16-bit register.
	ErrOutOfRange = errors.New("status value out of range")
)

// ParseResponse extracts the value after the last colon of a response frame.
// The terminator, if still present, is ignored.
func ParseResponse(frame string) (float64, error) {
	frame = strings.TrimRight(frame, "\r\n ")
	frame = strings.TrimSuffix(frame, string(Terminator))
	i := strings.LastIndexByte(frame, ':')
	if i < 0 {
		return 0, fmt.Errorf("%q: %w", frame, ErrNoMatch)
	}
	token := strings.TrimSpace(frame[i+1:])
	if token == "" || !isDigit(token[0]) {
		return 0, fmt.Errorf("%q: %w", frame, ErrNoMatch)
	}
	dots := 0
	for j := 0; j < len(token); j++ {
		switch {
		case isDigit(token[j]):
		case token[j] == '.':
			dots++
		default:
			return 0, fmt.Errorf("%q: %w", token, ErrMalformed)
		}
	}
	if dots > 1 {
		return 0, fmt.Errorf("%q: %w", token, ErrMalformed)
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", token, ErrMalformed)
	}
	return v, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// ParseStatus converts the value of a status response to its register bits.
// Fractions are truncated.
func ParseStatus(v float64) (StatusBits, error) {
	if v < 0 || v > math.MaxUint16 || math.IsNaN(v) {
		return 0, fmt.Errorf("%v: %w", v, ErrOutOfRange)
	}
	return StatusBits(v), nil
}
