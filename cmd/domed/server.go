package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/w1xm/dome_interface/beaver"
	"github.com/w1xm/dome_interface/rotator"
)

type Server struct {
	dome     *beaver.Dome
	latitude float64

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     beaver.Status
	// seq counts status updates so socket writers can tell a new one.
	seq uint64
}

func NewServer(latitude float64) *Server {
	s := &Server{latitude: latitude}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	return r
}

// Status returns the latest published dome status.
func (s *Server) Status() beaver.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Server) rotatorStatus() rotator.Status {
	return s.Status().Clone()
}

func (s *Server) info() string {
	st := s.Status()
	return fmt.Sprintf("NexDome Beaver firmware %.f, rotator %s, shutter %s", st.FirmwareVersion, st.RotatorLabel, st.ShutterLabel)
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(s.Status())
	if err != nil {
		log.Error().Err(err).Msg("encoding status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

type Command struct {
	Command string  `json:"command"`
	Azimuth float64 `json:"azimuth"`
	Delta   float64 `json:"delta"`
	HA      float64 `json:"ha"`
	Dec     float64 `json:"dec"`

	RotatorSettings *beaver.RotatorSettings `json:"rotator_settings,omitempty"`
	ShutterSettings *beaver.ShutterSettings `json:"shutter_settings,omitempty"`
}

func (s *Server) handleCommand(ctx context.Context, msg Command) error {
	d := s.dome
	switch msg.Command {
	case "goto":
		return d.GotoAzimuth(ctx, msg.Azimuth)
	case "goto_relative":
		return d.GotoRelative(ctx, msg.Delta)
	case "goto_equatorial":
		return d.GotoAzimuth(ctx, rotator.SlitAzimuth(msg.HA, msg.Dec, s.latitude))
	case "sync":
		return d.SyncAzimuth(ctx, msg.Azimuth)
	case "home":
		return d.GotoHome(ctx)
	case "park":
		return d.GotoPark(ctx)
	case "unpark":
		return d.Unpark(ctx)
	case "find_home":
		return d.FindHome(ctx)
	case "measure_home":
		return d.MeasureHome(ctx)
	case "abort":
		return d.Abort(ctx)
	case "set_home":
		return d.SetHome(ctx, msg.Azimuth)
	case "set_park":
		return d.SetPark(ctx, msg.Azimuth)
	case "set_park_here":
		return d.SetParkHere(ctx)
	case "open_shutter":
		return d.OpenShutter(ctx)
	case "close_shutter":
		return d.CloseShutter(ctx)
	case "abort_shutter":
		return d.AbortShutter(ctx)
	case "shutter_find_home":
		return d.ShutterFindHome(ctx)
	case "rotator_settings":
		if msg.RotatorSettings == nil {
			return fmt.Errorf("%s: missing rotator_settings", msg.Command)
		}
		return d.SetRotatorSettings(ctx, *msg.RotatorSettings)
	case "shutter_settings":
		if msg.ShutterSettings == nil {
			return fmt.Errorf("%s: missing shutter_settings", msg.Command)
		}
		return d.SetShutterSettings(ctx, *msg.ShutterSettings)
	}
	return fmt.Errorf("unknown command %q", msg.Command)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.handleCommand(ctx, msg); err != nil {
				log.Error().Err(err).Str("command", msg.Command).Msg("command failed")
			}
		}
	}()

	// Wake the writer below when the client goes away.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	send := func(status beaver.Status) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	s.statusMu.RLock()
	status, seq := s.status, s.seq
	s.statusMu.RUnlock()
	if err := send(status); err != nil {
		log.Error().Err(err).Msg("writing status")
		return
	}
	for {
		s.statusMu.RLock()
		for s.seq == seq && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status, seq = s.status, s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := send(status); err != nil {
			log.Error().Err(err).Msg("writing status")
			return
		}
	}
}

func (s *Server) statusCallback(status beaver.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.seq++
	s.statusCond.Broadcast()
}
