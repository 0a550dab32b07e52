package beaver

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var errTimeout = errors.New("timeout")

// fakeLink answers each written command through respond. Frames in late are
// read first, as if they arrived after the last flush.
type fakeLink struct {
	writes   []string
	reads    int
	flushes  int
	late     []string
	writeErr error
	respond  func(cmd string) (string, error)
}

func (f *fakeLink) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeLink) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeLink) ReadFrame(delim byte, timeout time.Duration) ([]byte, error) {
	f.reads++
	if len(f.late) > 0 {
		frame := f.late[0]
		f.late = f.late[1:]
		return []byte(frame), nil
	}
	cmd := f.writes[len(f.writes)-1]
	resp, err := f.respond(cmd)
	if err != nil {
		return nil, err
	}
	return []byte(resp), nil
}

// answers responds "<cmd>:<value>#" for every command in values, with the
// command's parameters stripped when looking it up.
func answers(values map[string]string) func(string) (string, error) {
	return func(cmd string) (string, error) {
		cmd = strings.TrimSuffix(cmd, "#")
		key := cmd
		if v, ok := values[key]; ok {
			return key + ":" + v + "#", nil
		}
		fields := strings.Fields(cmd)
		if len(fields) > 2 {
			key = strings.Join(fields[:2], " ")
		}
		if v, ok := values[key]; ok {
			return key + ":" + v + "#", nil
		}
		return "", errTimeout
	}
}

func newTestDome(link *fakeLink, opts ...Option) *Dome {
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithRetryPolicy(RetryPolicy{Attempts: 3, ReadTimeout: time.Second}),
	}, opts...)
	return New(link, nil, opts...)
}
