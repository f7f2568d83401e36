package web

import (
	"fmt"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/controller"
	"github.com/r0bb10/dualnet-controller/internal/ota"
)

type statusBody struct {
	FirmwareVersion string `json:"firmwareVersion"`
	APSSID          string `json:"apSSID"`
	MDNSHostname    string `json:"mdnsHostname"`
	Uptime          string `json:"uptime"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	Board           string `json:"board"`
	BoardNotes      string `json:"boardNotes,omitempty"`
	CPUFreq         int    `json:"cpuFreq"`

	SensorAvailable   bool     `json:"sensorAvailable"`
	SensorTemperature *float64 `json:"sensorTemperature,omitempty"`
	Humidity          *float64 `json:"humidity,omitempty"`
	Pressure          *float64 `json:"pressure,omitempty"`
	Altitude          *float64 `json:"altitude,omitempty"`

	APIP         string `json:"apIP"`
	STAConnected bool   `json:"staConnected"`
	STAIP        string `json:"staIP"`
	STASSID      string `json:"staSSID"`
	STARSSI      int16  `json:"staRSSI"`
	STABSSID     string `json:"staBSSID,omitempty"`
	PowerSave    bool   `json:"powerSave"`

	OTA              ota.Session `json:"ota"`
	RoamingBackoffMs int64       `json:"roamingBackoffMs"`
	StatusPattern    string      `json:"statusPattern"`
}

func newStatusBody(s controller.Snapshot) statusBody {
	b := statusBody{
		FirmwareVersion:  s.Firmware,
		APSSID:           s.AccessPoint,
		MDNSHostname:     s.Hostname,
		Uptime:           formatUptime(s.Uptime),
		UptimeSeconds:    int64(s.Uptime / time.Second),
		Board:            s.Board.FullName,
		BoardNotes:       s.Board.Notes,
		CPUFreq:          s.Board.CPUMHz,
		SensorAvailable:  s.Sensors.Available,
		STAConnected:     s.Link.StationJoined,
		STAIP:            "N/A",
		STASSID:          "N/A",
		PowerSave:        s.Link.PowerSave,
		OTA:              s.Session,
		RoamingBackoffMs: s.RoamingBackoff.Milliseconds(),
		StatusPattern:    s.Pattern.String(),
	}
	if s.Link.FallbackAddress.IsValid() {
		b.APIP = s.Link.FallbackAddress.String()
	}
	if s.Link.StationJoined {
		b.STAIP = s.Link.Address.String()
		b.STASSID = s.Link.SSID
		b.STABSSID = string(s.Link.Peer)
		if s.Link.Signal != nil {
			b.STARSSI = *s.Link.Signal
		}
	}
	if s.Sensors.Available {
		b.SensorTemperature = &s.Sensors.Temperature
		b.Humidity = &s.Sensors.Humidity
		b.Pressure = &s.Sensors.Pressure
		b.Altitude = &s.Sensors.Altitude
	}
	return b
}

// formatUptime renders d as "1d 2h 3m 4s", omitting zero units other
// than seconds.
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := secs / 3600 % 24
	minutes := secs / 60 % 60
	secs %= 60

	out := ""
	if days > 0 {
		out += fmt.Sprintf("%dd ", days)
	}
	if hours > 0 {
		out += fmt.Sprintf("%dh ", hours)
	}
	if minutes > 0 {
		out += fmt.Sprintf("%dm ", minutes)
	}
	return out + fmt.Sprintf("%ds", secs)
}
