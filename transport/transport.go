// Package transport provides framed links to a dome controller over a serial
// line or a TCP/UDP socket.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// ErrTimeout is returned when no complete frame arrives in time.
var ErrTimeout = errors.New("read timed out")

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

type flusher interface {
	Flush() error
}

// Port frames reads on a byte stream. Links that support read deadlines
// (net.Conn) use them; others (serial) are expected to return from Read
// periodically with io.EOF or no data, and the frame timeout is enforced
// between reads.
type Port struct {
	name string
	rwc  io.ReadWriteCloser
	r    *bufio.Reader
	dl   deadliner
	fl   flusher

	closeOnce sync.Once
	closeErr  error
}

// New wraps an open stream.
func New(name string, rwc io.ReadWriteCloser) *Port {
	p := &Port{name: name, rwc: rwc, r: bufio.NewReader(rwc)}
	if dl, ok := rwc.(deadliner); ok {
		p.dl = dl
	}
	if fl, ok := rwc.(flusher); ok {
		p.fl = fl
	}
	return p
}

// serialPoll is the granularity of serial reads; the line driver returns
// from Read after this long without data.
const serialPoll = 100 * time.Millisecond

// OpenSerial opens a serial device at baud, 8N1.
func OpenSerial(name string, baud int) (*Port, error) {
	s, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: serialPoll,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", name, err)
	}
	return New(name, s), nil
}

// Dial connects to addr over network ("tcp" or "udp").
func Dial(ctx context.Context, network, addr string) (*Port, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s %q: %w", network, addr, err)
	}
	return New(addr, conn), nil
}

func (p *Port) String() string {
	return p.name
}

func (p *Port) Write(b []byte) (int, error) {
	return p.rwc.Write(b)
}

// ReadFrame returns the bytes up to and including delim.
func (p *Port) ReadFrame(delim byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if p.dl != nil {
		if err := p.dl.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		frame, err := p.r.ReadBytes(delim)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
			}
			return nil, err
		}
		return frame, nil
	}
	var frame []byte
	for {
		chunk, err := p.r.ReadBytes(delim)
		frame = append(frame, chunk...)
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrNoProgress) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
	}
}

// drainWindow is how long Flush waits on a socket for bytes still in flight.
const drainWindow = 5 * time.Millisecond

// Flush discards unread input: the rest of a frame whose read timed out, or a
// reply that arrived after it was given up on. Serial lines flush the driver's
// input queue; sockets are read and discarded for drainWindow.
func (p *Port) Flush() error {
	defer p.r.Reset(p.rwc)
	if p.fl != nil {
		return p.fl.Flush()
	}
	if p.dl == nil {
		return nil
	}
	if err := p.dl.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, p.r); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	return nil
}

func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.rwc.Close()
	})
	return p.closeErr
}
