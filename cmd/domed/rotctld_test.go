package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/dome_interface/beaver"
	"github.com/w1xm/dome_interface/rotator"
)

type fakeRotator struct {
	calls []string
	err   error
}

func (f *fakeRotator) Abort(ctx context.Context) error {
	f.calls = append(f.calls, "abort")
	return f.err
}

func (f *fakeRotator) GotoAzimuth(ctx context.Context, az float64) error {
	f.calls = append(f.calls, fmt.Sprintf("goto %.2f", az))
	return f.err
}

func (f *fakeRotator) GotoPark(ctx context.Context) error {
	f.calls = append(f.calls, "park")
	return f.err
}

func runRotctld(r *rotctld, input string) string {
	var out bytes.Buffer
	conn := struct {
		io.Reader
		io.Writer
	}{strings.NewReader(input), &out}
	r.serve(context.Background(), conn, "test")
	return out.String()
}

func TestRotctld(t *testing.T) {
	for _, test := range []struct {
		name   string
		input  string
		err    error
		output string
		calls  []string
	}{
		{
			name:   "get_pos",
			input:  "p\n",
			output: "271.500000\n0.000000\n",
		},
		{
			name:   "get_pos extended",
			input:  "+\\get_pos\n",
			output: "get_pos:\nAzimuth: 271.500000\nElevation: 0.000000\nRPRT 0\n",
		},
		{
			name:   "set_pos",
			input:  "P 90 45\n",
			output: "RPRT 0\n",
			calls:  []string{"goto 90.00"},
		},
		{
			name:   "set_pos wraps",
			input:  "P -90 0\n",
			output: "RPRT 0\n",
			calls:  []string{"goto 270.00"},
		},
		{
			name:   "set_pos bad args",
			input:  "P 90\nP x 0\n",
			output: "RPRT -1\nRPRT -1\n",
		},
		{
			name:   "stop and park",
			input:  "S\nK\n",
			output: "RPRT 0\nRPRT 0\n",
			calls:  []string{"abort", "park"},
		},
		{
			name:   "timeout",
			input:  "K\n",
			err:    fmt.Errorf("park: %w", beaver.ErrTransportTimeout),
			output: "RPRT -5\n",
			calls:  []string{"park"},
		},
		{
			name:   "io error",
			input:  "S\n",
			err:    errors.New("broken"),
			output: "RPRT -6\n",
			calls:  []string{"abort"},
		},
		{
			name:   "info",
			input:  "_\n",
			output: "Beaver 521\n",
		},
		{
			name:   "unknown",
			input:  "M 8 50\n",
			output: "RPRT -4\n",
		},
		{
			name:   "quit",
			input:  "q\nS\n",
			output: "",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			rot := &fakeRotator{err: test.err}
			r := &rotctld{
				rot:    rot,
				status: func() rotator.Status { return beaver.Status{AzPos: 271.5} },
				info:   func() string { return "Beaver 521" },
			}
			got := runRotctld(r, test.input)
			if diff := cmp.Diff(test.output, got); diff != "" {
				t.Errorf("unexpected output: (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(test.calls, rot.calls); diff != "" {
				t.Errorf("unexpected calls: (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRotctldCaps(t *testing.T) {
	r := &rotctld{rot: &fakeRotator{}}
	got := runRotctld(r, "1\n")
	if !strings.Contains(got, "Can Park: Y") || strings.Contains(got, "RPRT") {
		t.Errorf("dump_caps = %q", got)
	}
}
