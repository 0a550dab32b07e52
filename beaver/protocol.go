package beaver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Terminator ends every request and response frame.
const Terminator = '#'

// Transport is a duplex link to the controller: a blocking write and a
// blocking read of one frame ending in delim.
type Transport interface {
	Write(p []byte) (int, error)
	// ReadFrame returns the bytes up to and including delim. It returns an
	// error if no complete frame arrives within timeout.
	ReadFrame(delim byte, timeout time.Duration) ([]byte, error)
	// Flush discards any input not yet read.
	Flush() error
}

var (
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportTimeout = errors.New("transport read timed out")
	ErrProtocolParse    = errors.New("unparsable response")
	ErrNotConnected     = errors.New("not connected")
)

// RetryPolicy bounds the write+read cycle of a single command.
type RetryPolicy struct {
	// Attempts is the total number of write+read cycles.
	Attempts int
	// Backoff is slept after a failed read when another attempt follows.
	Backoff time.Duration
	// ReadTimeout bounds each frame read.
	ReadTimeout time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:    3,
	Backoff:     100 * time.Millisecond,
	ReadTimeout: 1 * time.Second,
}

// CommandError reports a failed command. It unwraps to both the failure
// class (ErrTransportWrite, ErrTransportTimeout, ErrProtocolParse) and the
// underlying cause.
type CommandError struct {
	Command  string
	Attempts int
	Kind     error
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%q: %v after %d attempt(s): %v", e.Command, e.Kind, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Command renders a request: the template with params substituted, followed
// by the terminator.
func Command(template string, params ...float64) string {
	cmd := template
	if len(params) > 0 {
		args := make([]interface{}, len(params))
		for i, p := range params {
			args[i] = p
		}
		cmd = fmt.Sprintf(template, args...)
	}
	if !strings.HasSuffix(cmd, string(Terminator)) {
		cmd += string(Terminator)
	}
	return cmd
}

// maxStale bounds the replies to earlier commands skipped in one attempt.
const maxStale = 4

// sendCommand issues one command and returns the parsed value of its
// response. d.mu must be held.
func (d *Dome) sendCommand(ctx context.Context, template string, params ...float64) (float64, error) {
	cmd := Command(template, params...)
	if d.conn == nil {
		return 0, &CommandError{Command: cmd, Kind: ErrTransportWrite, Err: ErrNotConnected}
	}
	attempts := d.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var readErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		d.log.Debug().Str("cmd", cmd).Int("attempt", attempt).Msg("CMD")
		// A reply that outlived its read timeout must not answer this command.
		if err := d.conn.Flush(); err != nil {
			return 0, &CommandError{Command: cmd, Attempts: attempt, Kind: ErrTransportWrite, Err: err}
		}
		if _, err := d.conn.Write([]byte(cmd)); err != nil {
			return 0, &CommandError{Command: cmd, Attempts: attempt, Kind: ErrTransportWrite, Err: err}
		}
		frame, err := d.readReply(cmd)
		if err != nil {
			readErr = err
			d.log.Debug().Err(err).Str("cmd", cmd).Int("attempt", attempt).Msg("read failed")
			if attempt == attempts {
				break
			}
			if err := d.backoff(ctx); err != nil {
				return 0, &CommandError{Command: cmd, Attempts: attempt, Kind: ErrTransportTimeout, Err: err}
			}
			continue
		}
		res := strings.TrimSuffix(string(frame), string(Terminator))
		d.log.Debug().Str("cmd", cmd).Str("res", res).Msg("RES")
		v, err := ParseResponse(res)
		if err != nil {
			return 0, &CommandError{Command: cmd, Attempts: attempt, Kind: ErrProtocolParse, Err: err}
		}
		return v, nil
	}
	return 0, &CommandError{Command: cmd, Attempts: attempts, Kind: ErrTransportTimeout, Err: readErr}
}

// readReply reads frames until one answers cmd. Frames echoing a different
// command are late replies to earlier requests and are dropped.
func (d *Dome) readReply(cmd string) ([]byte, error) {
	for stale := 0; ; stale++ {
		frame, err := d.conn.ReadFrame(Terminator, d.retry.ReadTimeout)
		if err != nil {
			return nil, err
		}
		echo, ok := echoOf(string(frame))
		if !ok || isReplyTo(cmd, echo) {
			return frame, nil
		}
		d.log.Warn().Str("cmd", cmd).Str("res", string(frame)).Msg("dropping stale reply")
		if stale == maxStale {
			return nil, fmt.Errorf("%d replies to other commands: %w", stale+1, errStale)
		}
	}
}

var errStale = errors.New("no reply to this command")

// echoOf returns the command a reply repeats before its value, if any.
func echoOf(frame string) (string, bool) {
	frame = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(frame), string(Terminator)))
	i := strings.LastIndexByte(frame, ':')
	if i < 0 || !strings.HasPrefix(frame, "!") {
		return "", false
	}
	return strings.TrimSpace(frame[:i]), true
}

// isReplyTo reports whether echo names cmd, with or without its parameters.
func isReplyTo(cmd, echo string) bool {
	cmd = strings.TrimSuffix(cmd, string(Terminator))
	return cmd == echo || strings.HasPrefix(cmd, echo+" ")
}

func (d *Dome) backoff(ctx context.Context) error {
	if d.retry.Backoff <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(d.retry.Backoff):
		return nil
	}
}
