package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/dome_interface/beaver"
	"github.com/w1xm/dome_interface/rotator"
)

// Hamlib return codes.
const (
	rprtOK       = 0
	rprtInvalid  = -1
	rprtTimeout  = -5
	rprtIO       = -6
	rprtNotImpl  = -4
	rprtRejected = -9
)

const caps = `Model name: Beaver
Mfg name: NexDome
Rot type: Az
Min Azimuth: 0.00
Max Azimuth: 360.00
Min Elevation: 0.00
Max Elevation: 0.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: N
Can Move: N
Can get Info: Y
`

// rotctld speaks the hamlib rotctld protocol on behalf of rot.
type rotctld struct {
	rot    rotator.Rotator
	status func() rotator.Status
	info   func() string
}

func (r *rotctld) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutdown; closing rotctld socket")
		ln.Close()
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("rotctld listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept")
			continue
		}
		go func() {
			defer conn.Close()
			log.Info().Stringer("peer", conn.RemoteAddr()).Msg("accepted rotctld connection")
			r.serve(ctx, conn, conn.RemoteAddr().String())
		}()
	}
}

func rprtFor(err error) int {
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, beaver.ErrTransportTimeout):
		return rprtTimeout
	case errors.Is(err, beaver.ErrNoShutter):
		return rprtRejected
	default:
		return rprtIO
	}
}

func (r *rotctld) serve(ctx context.Context, conn io.ReadWriter, peer string) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd)
			cmd = parts[0][2:]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(cmd[1:])
			}
			cmd = string(cmd[0])
		}
		log.Debug().Str("peer", peer).Str("cmd", cmd).Strs("args", args).Msg("rotctld command")
		rprt := rprtOK
		switch cmd {
		case "q", "Q", "quit":
			return
		case "1", "dump_caps":
			fmt.Fprint(conn, caps)
		case "_", "get_info":
			if extended {
				fmt.Fprintf(conn, "Info: %s\n", r.info())
			} else {
				fmt.Fprintf(conn, "%s\n", r.info())
			}
		case "S", "stop":
			extended = true // always print RPRT
			rprt = rprtFor(r.rot.Abort(ctx))
		case "K", "park":
			extended = true // always print RPRT
			rprt = rprtFor(r.rot.GotoPark(ctx))
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtInvalid
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtInvalid
				break
			}
			// Elevation is accepted and ignored.
			if _, err := strconv.ParseFloat(args[1], 64); err != nil {
				rprt = rprtInvalid
				break
			}
			rprt = rprtFor(r.rot.GotoAzimuth(ctx, beaver.Wrap(az)))
		case "p", "get_pos":
			az := r.status().AzimuthPosition()
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, 0.0)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, 0.0)
			}
		default:
			rprt = rprtNotImpl
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("reading rotctld command")
	}
}
