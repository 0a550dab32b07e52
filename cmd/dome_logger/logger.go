// Command dome_logger records the domed status stream in InfluxDB.
package main

import (
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/w1xm/dome_interface/beaver"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Create client
	server := os.Getenv("INFLUX_SERVER")
	if server == "" {
		server = "http://localhost:9999"
	}
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi("w1xm", "dome.raw")
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Error().Err(err).Msg("write error")
		}
	}()
	for {
		if err := logData(writeApi); err != nil {
			log.Error().Err(err).Msg("status stream")
		}
		time.Sleep(1 * time.Second)
	}
}

// statusTags and statusFields split a status into indexed state names and
// sampled values.
func statusTags(status beaver.Status) map[string]string {
	return map[string]string{
		"rotator": status.Rotator.String(),
		"shutter": status.Shutter.String(),
	}
}

func statusFields(status beaver.Status) map[string]interface{} {
	fields := map[string]interface{}{
		"connected":       status.Connected,
		"az_pos":          status.AzPos,
		"target_az":       status.TargetAz,
		"home_pos":        status.HomePos,
		"park_pos":        status.ParkPos,
		"status_register": int64(status.StatusRegister),
		"rotator_label":   status.RotatorLabel,
		"shutter_present": status.ShutterPresent,
	}
	if status.ShutterPresent {
		fields["shutter_label"] = status.ShutterLabel
		fields["shutter_volts"] = status.ShutterVolts
	}
	return fields
}

func logData(writeApi api.WriteApi) error {
	url := os.Getenv("DOME_ADDRESS")
	if url == "" {
		url = "ws://localhost:8503/api/ws"
	}
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("url", url).Msg("connected to status stream")
	for {
		var status beaver.Status
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		p := influxdb2.NewPoint("dome.status",
			statusTags(status),
			statusFields(status),
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
