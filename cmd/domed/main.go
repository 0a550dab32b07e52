// Command domed connects to a NexDome Beaver controller, keeps its status
// fresh, and serves it over HTTP, websocket and rotctld.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
	"github.com/w1xm/dome_interface/beaver"
	"github.com/w1xm/dome_interface/beaver/simulator"
	"github.com/w1xm/dome_interface/config"
	"github.com/w1xm/dome_interface/transport"
	"golang.org/x/sync/errgroup"
)

var flags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "TOML configuration file",
	},
	cli.StringFlag{
		Name:  "serial",
		Usage: "serial port name",
	},
	cli.IntFlag{
		Name:  "baud",
		Usage: "serial baud rate",
	},
	cli.StringFlag{
		Name:  "network",
		Usage: "host:port of a serial server in front of the controller",
	},
	cli.StringFlag{
		Name:  "network_kind",
		Usage: "tcp or udp",
	},
	cli.DurationFlag{
		Name:  "poll_period",
		Usage: "interval between status polls",
	},
	cli.StringFlag{
		Name:  "http",
		Usage: "HTTP listen address",
	},
	cli.StringFlag{
		Name:  "rotctld",
		Usage: "rotctld listen address, empty to disable",
	},
	cli.Float64Flag{
		Name:  "latitude",
		Usage: "site latitude in degrees",
	},
	cli.BoolFlag{
		Name:  "simulate",
		Usage: "talk to a built-in controller simulator",
	},
	cli.BoolFlag{
		Name:  "debug, d",
		Usage: "show debug messages",
	},
}

// loadConfig layers the config file and then any flags given on the
// command line over the defaults.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Defaults()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if c.IsSet("serial") {
		cfg.Serial.Port = c.String("serial")
	}
	if c.IsSet("baud") {
		cfg.Serial.Baud = c.Int("baud")
	}
	if c.IsSet("network") {
		cfg.Network.Address = c.String("network")
	}
	if c.IsSet("network_kind") {
		cfg.Network.Kind = c.String("network_kind")
	}
	if c.IsSet("poll_period") {
		cfg.PollPeriod.Duration = c.Duration("poll_period")
	}
	if c.IsSet("http") {
		cfg.HTTPAddr = c.String("http")
	}
	if c.IsSet("rotctld") {
		cfg.RotctldAddr = c.String("rotctld")
	}
	if c.IsSet("latitude") {
		cfg.Latitude = c.Float64("latitude")
	}
	if c.IsSet("simulate") {
		cfg.Simulate = c.Bool("simulate")
	}
	if c.IsSet("debug") {
		cfg.DebugLogging = c.Bool("debug")
	}
	return cfg, cfg.Validate()
}

// opener returns a fresh link to the controller.
type opener func(ctx context.Context) (*transport.Port, error)

func newOpener(cfg config.Config) opener {
	switch {
	case cfg.Simulate:
		return func(ctx context.Context) (*transport.Port, error) {
			sim, conn := simulator.New(log.With().Str("component", "simulator").Logger())
			go func() {
				// Returns once the port is closed.
				if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
					log.Debug().Err(err).Msg("simulator stopped")
				}
			}()
			return transport.New("simulator", conn), nil
		}
	case cfg.Network.Address != "":
		return func(ctx context.Context) (*transport.Port, error) {
			return transport.Dial(ctx, cfg.Network.Kind, cfg.Network.Address)
		}
	default:
		return func(context.Context) (*transport.Port, error) {
			return transport.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud)
		}
	}
}

// reconnectLoop keeps the dome connected until ctx is done, reopening the
// link whenever the handshake or the poll loop gives up on it.
func (s *Server) reconnectLoop(ctx context.Context, open opener, period time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1 * time.Second):
		}
		port, err := open(ctx)
		if err != nil {
			log.Error().Err(err).Msg("opening dome link")
			continue
		}
		log.Info().Stringer("port", port).Msg("opened dome link")
		s.dome.SetTransport(port)
		if err := s.dome.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("dome handshake")
		} else if err := s.dome.Watch(ctx, period); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("dome link lost")
		}
		s.dome.SetTransport(nil)
		port.Close()
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err, 2)
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.DebugLogging {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	s := NewServer(cfg.Latitude)
	s.dome = beaver.New(nil, s.statusCallback,
		beaver.WithLogger(log.With().Str("component", "beaver").Logger()),
		beaver.WithRetryPolicy(cfg.Retry.Policy()))

	g.Go(func() error {
		return s.reconnectLoop(ctx, newOpener(cfg), cfg.PollPeriod.Duration)
	})

	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.RotctldAddr != "" {
		r := &rotctld{rot: s.dome, status: s.rotatorStatus, info: s.info}
		g.Go(func() error {
			return r.Listen(ctx, cfg.RotctldAddr)
		})
	}

	if err := g.Wait(); err != nil {
		return cli.NewExitError(err, 1)
	}
	return nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := cli.NewApp()
	app.Name = "domed"
	app.Usage = "Serves a NexDome Beaver dome controller"
	app.HelpName = "domed"
	app.Flags = flags
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("domed failed")
	}
}
