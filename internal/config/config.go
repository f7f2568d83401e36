// Package config loads the daemon's JSON configuration and the embedded
// board profile table.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/guard"
)

// Config is the root configuration structure loaded from JSON
type Config struct {
	Board       string            `json:"board"` // key into boards.yaml
	AccessPoint AccessPointConfig `json:"access_point"`
	Station     StationConfig     `json:"station"`
	Roaming     RoamingConfig     `json:"roaming"`
	Update      UpdateConfig      `json:"update"`
	Guard       GuardConfig       `json:"guard"`
	Status      StatusConfig      `json:"status"`
	HTTP        HTTPConfig        `json:"http"`
	MDNS        MDNSConfig        `json:"mdns"`
	Sensors     SensorConfig      `json:"sensors"`
	Store       StoreConfig       `json:"store"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Log         LogConfig         `json:"log"`
}

// AccessPointConfig is the fallback network the device always hosts.
type AccessPointConfig struct {
	Interface  string `json:"interface"`   // e.g. "ap0"
	SSID       string `json:"ssid"`        // base name, MAC suffix appended
	Password   string `json:"password"`
	Channel    int    `json:"channel"`
	MaxClients int    `json:"max_clients"`
	Address    string `json:"address"` // CIDR, e.g. "192.168.4.1/24"
}

type StationConfig struct {
	Interface      string `json:"interface"`
	JoinTimeoutMs  int    `json:"join_timeout_ms"`
	PollIntervalMs int    `json:"poll_interval_ms"`
	KeepAliveMs    int    `json:"keepalive_ms"`
}

type RoamingConfig struct {
	Threshold     int16 `json:"threshold_dbm"`
	Improvement   int16 `json:"improvement_dbm"`
	MinIntervalMs int   `json:"min_interval_ms"`
	MaxIntervalMs int   `json:"max_interval_ms"`
}

type UpdateConfig struct {
	Port          int      `json:"port"`
	Secret        string   `json:"secret"`     // shared secret for update tokens
	ImagePath     string   `json:"image_path"` // where an applied image lands
	PrepWindowSec int      `json:"prep_window_sec"`
	ResetCommand  []string `json:"reset_command"`
}

type GuardConfig struct {
	Device     string `json:"device"` // empty uses the software guard
	TimeoutSec int    `json:"timeout_sec"`
}

// StatusConfig overrides the board's status light line.
type StatusConfig struct {
	Chip      string `json:"chip,omitempty"`
	Pin       *int   `json:"pin,omitempty"`
	ActiveLow *bool  `json:"active_low,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}

type HTTPConfig struct {
	Listen string `json:"listen"`
}

type MDNSConfig struct {
	Hostname string `json:"hostname"` // base name, MAC suffix appended
	Enabled  *bool  `json:"enabled,omitempty"`
}

// SensorConfig is the Modbus RTU environment sensor on the shared bus.
type SensorConfig struct {
	Enabled  bool   `json:"enabled"`
	Device   string `json:"device"` // e.g. "/dev/ttyUSB0"
	BaudRate int    `json:"baud_rate"`
	SlaveID  byte   `json:"slave_id"`
	Register uint16 `json:"register"` // first input register
}

type StoreConfig struct {
	Path string `json:"path"`
}

// MQTTConfig defines MQTT broker connection settings
type MQTTConfig struct {
	Broker      string `json:"broker"` // empty disables MQTT
	User        string `json:"user"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

type LogConfig struct {
	File       string `json:"file,omitempty"` // empty logs to stderr only
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	setDefault(&c.Board, "generic")

	ap := &c.AccessPoint
	setDefault(&ap.Interface, "ap0")
	setDefault(&ap.SSID, "DualNet-Monitor")
	setDefault(&ap.Password, "12345678")
	setDefault(&ap.Channel, 1)
	setDefault(&ap.MaxClients, 4)
	setDefault(&ap.Address, "192.168.4.1/24")

	st := &c.Station
	setDefault(&st.Interface, "wlan0")
	setDefault(&st.JoinTimeoutMs, 10000)
	setDefault(&st.PollIntervalMs, 500)
	setDefault(&st.KeepAliveMs, 2000)

	r := &c.Roaming
	setDefault(&r.Threshold, -75)
	setDefault(&r.Improvement, 10)
	setDefault(&r.MinIntervalMs, 15000)
	setDefault(&r.MaxIntervalMs, 120000)

	u := &c.Update
	setDefault(&u.Port, 3232)
	setDefault(&u.Secret, "admin")
	setDefault(&u.ImagePath, "/var/lib/dualnet/firmware.bin")
	setDefault(&u.PrepWindowSec, 300)
	if len(u.ResetCommand) == 0 {
		u.ResetCommand = []string{"sudo", "reboot"}
	}

	setDefault(&c.Guard.TimeoutSec, 30)
	setDefault(&c.HTTP.Listen, ":80")
	setDefault(&c.MDNS.Hostname, "dualnet-monitor")

	s := &c.Sensors
	setDefault(&s.Device, "/dev/ttyUSB0")
	setDefault(&s.BaudRate, 9600)
	setDefault(&s.SlaveID, 1)

	setDefault(&c.Store.Path, "/var/lib/dualnet/prefs.db")
	setDefault(&c.MQTT.TopicPrefix, "dualnet")

	setDefault(&c.Log.MaxSizeMB, 10)
	setDefault(&c.Log.MaxBackups, 3)
	setDefault(&c.Log.MaxAgeDays, 28)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func (c Config) Validate() error {
	if len(c.AccessPoint.Password) > 0 && len(c.AccessPoint.Password) < 8 {
		return fmt.Errorf("access_point.password must be at least 8 characters")
	}
	if c.AccessPoint.Channel < 1 || c.AccessPoint.Channel > 14 {
		return fmt.Errorf("access_point.channel %d out of range", c.AccessPoint.Channel)
	}
	if _, err := netip.ParsePrefix(c.AccessPoint.Address); err != nil {
		return fmt.Errorf("access_point.address: %w", err)
	}
	if c.Station.PollIntervalMs > c.Station.JoinTimeoutMs {
		return fmt.Errorf("station.poll_interval_ms exceeds join_timeout_ms")
	}
	if c.Roaming.MinIntervalMs <= 0 || c.Roaming.MaxIntervalMs < c.Roaming.MinIntervalMs {
		return fmt.Errorf("roaming intervals invalid: min=%d max=%d", c.Roaming.MinIntervalMs, c.Roaming.MaxIntervalMs)
	}
	if c.Roaming.Improvement < 0 {
		return fmt.Errorf("roaming.improvement_dbm must not be negative")
	}
	if c.Update.Port <= 0 || c.Update.Port > 65535 {
		return fmt.Errorf("update.port %d out of range", c.Update.Port)
	}
	if c.Guard.TimeoutSec <= 0 {
		return fmt.Errorf("guard.timeout_sec must be positive")
	}
	if limit := guard.MaxJoinTimeout(c.Guard.Timeout()); c.Station.JoinTimeout() > limit {
		return fmt.Errorf("station.join_timeout_ms %d leaves no headroom under guard.timeout_sec %d (max %s)",
			c.Station.JoinTimeoutMs, c.Guard.TimeoutSec, limit)
	}
	if _, err := LookupBoard(c.Board); err != nil {
		return err
	}
	return nil
}

func (s StationConfig) JoinTimeout() time.Duration {
	return time.Duration(s.JoinTimeoutMs) * time.Millisecond
}

func (s StationConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s StationConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveMs) * time.Millisecond
}

func (r RoamingConfig) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMs) * time.Millisecond
}

func (r RoamingConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMs) * time.Millisecond
}

func (u UpdateConfig) PrepWindow() time.Duration {
	return time.Duration(u.PrepWindowSec) * time.Second
}

func (g GuardConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSec) * time.Second
}

func (m MDNSConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// StatusLine resolves the status light line: config overrides win over the
// board profile.
func (c Config) StatusLine(b Board) (chip string, pin int, activeLow bool) {
	chip, pin, activeLow = b.StatusChip, b.StatusPin, b.StatusActiveLow
	if c.Status.Chip != "" {
		chip = c.Status.Chip
	}
	if c.Status.Pin != nil {
		pin = *c.Status.Pin
	}
	if c.Status.ActiveLow != nil {
		activeLow = *c.Status.ActiveLow
	}
	return chip, pin, activeLow
}
