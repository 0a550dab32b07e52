package beaver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResponse(t *testing.T) {
	for _, test := range []struct {
		input string
		want  float64
		err   error
	}{
		{"OK:123#", 123, nil},
		{"OK:12.50#", 12.5, nil},
		{"OK:12.50", 12.5, nil},
		{"!dome getaz:359.99", 359.99, nil},
		{"!dome status:2049\r\n", 2049, nil},
		{"a:b:7", 7, nil},
		{"v: 42", 42, nil},
		{"x:12.", 12, nil},
		{"OK#", 0, ErrNoMatch},
		{"", 0, ErrNoMatch},
		{"OK:", 0, ErrNoMatch},
		{"OK:abc", 0, ErrNoMatch},
		{"OK:-5", 0, ErrNoMatch},
		{"OK:.5", 0, ErrNoMatch},
		{"OK:1.2.3", 0, ErrMalformed},
		{"OK:12ab", 0, ErrMalformed},
		{"OK:1 2", 0, ErrMalformed},
	} {
		t.Run(test.input, func(t *testing.T) {
			got, err := ParseResponse(test.input)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestCommand(t *testing.T) {
	for _, test := range []struct {
		template string
		params   []float64
		want     string
	}{
		{"!dome status", nil, "!dome status#"},
		{"!dome status#", nil, "!dome status#"},
		{"!dome gotoaz %.2f", []float64{10}, "!dome gotoaz 10.00#"},
		{"!domerot setmaxspeed %.2f", []float64{799.999}, "!domerot setmaxspeed 800.00#"},
	} {
		assert.Equal(t, test.want, Command(test.template, test.params...))
	}
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[float64]StatusBits{
		0:     0,
		1:     RotatorMovingBit,
		3.9:   3,
		65535: 0xffff,
	} {
		got, err := ParseStatus(in)
		assert.NoError(t, err, "ParseStatus(%v)", in)
		assert.Equal(t, want, got, "ParseStatus(%v)", in)
	}
	for _, in := range []float64{-1, 65536, 70000} {
		_, err := ParseStatus(in)
		assert.ErrorIs(t, err, ErrOutOfRange, "ParseStatus(%v)", in)
	}
}
