package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/r0bb10/dualnet-controller/internal/controller"
	"github.com/r0bb10/dualnet-controller/internal/link"
	"github.com/r0bb10/dualnet-controller/internal/ota"
)

const (
	DefaultInterval = 30 * time.Second

	cmdPrepareUpdate = "prepare-ota"
	cmdConnect       = "connect"
	cmdDisconnect    = "disconnect"

	commandTimeout = 30 * time.Second
)

func StateTopic(prefix string) string { return fmt.Sprintf("%s/state", prefix) }

func CommandTopic(prefix, cmd string) string { return fmt.Sprintf("%s/command/%s", prefix, cmd) }

func ProgressTopic(prefix string) string { return fmt.Sprintf("%s/ota/progress", prefix) }

// Backend is the slice of the controller the bridge drives.
type Backend interface {
	Snapshot() controller.Snapshot
	RequestPrepareUpdate(ctx context.Context) error
	RequestJoin(ctx context.Context, ssid, password string) (link.JoinOutcome, error)
	RequestDisconnect(ctx context.Context) error
}

// State is the retained document every sensor entity reads from.
type State struct {
	StationConnected bool     `json:"station_connected"`
	SSID             string   `json:"ssid"`
	RSSI             *int16   `json:"rssi"`
	IP               string   `json:"ip,omitempty"`
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	Pressure         *float64 `json:"pressure"`
	OTAState         string   `json:"ota_state"`
	OTAPercent       int      `json:"ota_percent"`
	RoamingBackoffS  float64  `json:"roaming_backoff_s"`
	UptimeS          int64    `json:"uptime_s"`
}

func stateFrom(s controller.Snapshot) State {
	st := State{
		StationConnected: s.Link.StationJoined,
		SSID:             s.Link.SSID,
		RSSI:             s.Link.Signal,
		OTAState:         s.Session.StateName,
		OTAPercent:       s.Session.Percent,
		RoamingBackoffS:  s.RoamingBackoff.Seconds(),
		UptimeS:          int64(s.Uptime / time.Second),
	}
	if s.Link.StationJoined {
		st.IP = s.Link.Address.String()
	}
	if s.Sensors.Available {
		st.Temperature = &s.Sensors.Temperature
		st.Humidity = &s.Sensors.Humidity
		st.Pressure = &s.Sensors.Pressure
	}
	return st
}

type connectPayload struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type Bridge struct {
	mqtt     Broker
	backend  Backend
	device   Device
	interval time.Duration
	entities []Entity

	milestones chan int

	mu    sync.Mutex
	ready bool
}

func New(m Broker, backend Backend, dev Device, interval time.Duration) *Bridge {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Bridge{
		mqtt:       m,
		backend:    backend,
		device:     dev,
		interval:   interval,
		entities:   defaultEntities(),
		milestones: make(chan int, 16),
	}
}

// Setup publishes discovery and subscribes the command topics. It runs on
// every (re)connect.
func (b *Bridge) Setup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entities {
		if err := e.Setup(b.mqtt, b.device); err != nil {
			log.Printf("Failed to setup entity %s: %v", e.Name(), err)
		}
	}

	prefix := b.mqtt.TopicPrefix()
	handlers := map[string]mqtt.MessageHandler{
		cmdPrepareUpdate: b.handlePrepareUpdate,
		cmdConnect:       b.handleConnect,
		cmdDisconnect:    b.handleDisconnect,
	}
	for cmd, h := range handlers {
		if err := b.mqtt.Subscribe(CommandTopic(prefix, cmd), 0, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", cmd, err)
		}
	}
	b.ready = true
	return b.publishState()
}

// Teardown removes every entity and marks the device offline.
func (b *Bridge) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entities {
		if err := e.Teardown(b.mqtt); err != nil {
			log.Printf("Failed to teardown entity %s: %v", e.Name(), err)
		}
	}
	b.ready = false
	return b.mqtt.Publish(b.mqtt.AvailabilityTopic(), 0, true, "offline")
}

// Milestone queues an update progress report. It never blocks: the caller
// is the control loop.
func (b *Bridge) Milestone(percent int) {
	select {
	case b.milestones <- percent:
	default:
	}
}

// Run publishes the state document periodically and forwards milestones
// until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case pct := <-b.milestones:
			if !b.mqtt.IsConnected() {
				continue
			}
			if err := b.mqtt.Publish(ProgressTopic(b.mqtt.TopicPrefix()), 0, false, fmt.Sprintf("%d", pct)); err != nil {
				log.Printf("Failed to publish update progress: %v", err)
			}
		case <-ticker.C:
			b.mu.Lock()
			if err := b.publishState(); err != nil {
				log.Printf("Failed to publish state: %v", err)
			}
			b.mu.Unlock()
		}
	}
}

// publishState holds off while a transfer owns the radio.
func (b *Bridge) publishState() error {
	if !b.ready || !b.mqtt.IsConnected() {
		return nil
	}
	snap := b.backend.Snapshot()
	if snap.Session.State == ota.InProgress {
		return nil
	}
	return b.mqtt.Publish(StateTopic(b.mqtt.TopicPrefix()), 0, true, stateFrom(snap))
}

func (b *Bridge) handlePrepareUpdate(client mqtt.Client, msg mqtt.Message) {
	if msg.Retained() || string(msg.Payload()) != "EXECUTE" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.backend.RequestPrepareUpdate(ctx); err != nil {
		log.Printf("Prepare update via MQTT failed: %v", err)
		return
	}
	log.Printf("Prepare update: %sDONE%s", controller.ColorGreen, controller.ColorReset)
}

func (b *Bridge) handleDisconnect(client mqtt.Client, msg mqtt.Message) {
	if msg.Retained() || string(msg.Payload()) != "EXECUTE" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.backend.RequestDisconnect(ctx); err != nil {
		log.Printf("Disconnect via MQTT failed: %v", err)
		return
	}
	log.Printf("Station disconnect: %sDONE%s", controller.ColorGreen, controller.ColorReset)
}

func (b *Bridge) handleConnect(client mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		return
	}
	var p connectPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		log.Printf("Error unmarshaling connect command: %v", err)
		return
	}
	if p.SSID == "" {
		log.Printf("Connect command without ssid ignored")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	outcome, err := b.backend.RequestJoin(ctx, p.SSID, p.Password)
	if err != nil {
		log.Printf("Connect via MQTT failed: %v", err)
		return
	}
	if outcome.Joined {
		log.Printf("Connect %s: %sDONE%s", p.SSID, controller.ColorGreen, controller.ColorReset)
	} else {
		log.Printf("Connect %s: timed out", p.SSID)
	}
}
