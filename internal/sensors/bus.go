// Package sensors reads the environment sensor on the shared Modbus RTU
// bus. The update session closes the bus for the rest of the process
// lifetime before flashing.
package sensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// seaLevelHPa is the reference pressure for the altitude estimate.
const seaLevelHPa = 1013.25

var ErrClosed = errors.New("sensor bus closed")

type Config struct {
	Device   string
	BaudRate int
	SlaveID  byte
	Register uint16 // first of three input registers: temp, humidity, pressure
	Timeout  time.Duration
}

// Reading is one sample. Values are scaled to physical units.
type Reading struct {
	Available   bool      `json:"available"`
	Temperature float64   `json:"temperature"` // °C
	Humidity    float64   `json:"humidity"`    // %RH
	Pressure    float64   `json:"pressure"`    // hPa
	Altitude    float64   `json:"altitude"`    // m
	At          time.Time `json:"at"`
}

// Registers is the subset of modbus.Client the bus needs.
type Registers interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// Dialer opens the transport.
type Dialer func(cfg Config) (Registers, io.Closer, error)

// DialRTU opens the serial line with goburrow's RTU handler.
func DialRTU(cfg Config) (Registers, io.Closer, error) {
	h := modbus.NewRTUClientHandler(cfg.Device)
	h.BaudRate = cfg.BaudRate
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = cfg.SlaveID
	h.Timeout = cfg.Timeout

	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(h), h, nil
}

// Bus serializes access to the sensor line and connects lazily.
type Bus struct {
	cfg  Config
	dial Dialer

	mu     sync.Mutex
	client Registers
	conn   io.Closer
	closed bool
}

func NewBus(cfg Config, dial Dialer) *Bus {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if dial == nil {
		dial = DialRTU
	}
	return &Bus{cfg: cfg, dial: dial}
}

func (b *Bus) Read(now time.Time) (Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Reading{}, ErrClosed
	}
	if b.client == nil {
		client, conn, err := b.dial(b.cfg)
		if err != nil {
			return Reading{}, fmt.Errorf("open %s: %w", b.cfg.Device, err)
		}
		b.client, b.conn = client, conn
	}

	raw, err := b.client.ReadInputRegisters(b.cfg.Register, 3)
	if err != nil {
		// Drop the connection so the next read reopens the line.
		b.disconnect()
		return Reading{}, fmt.Errorf("read registers: %w", err)
	}
	if len(raw) < 6 {
		return Reading{}, fmt.Errorf("short register payload: %d bytes", len(raw))
	}
	return decode(raw, now), nil
}

// Close releases the line permanently.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.disconnect()
}

func (b *Bus) disconnect() error {
	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	b.client, b.conn = nil, nil
	return err
}

func decode(raw []byte, now time.Time) Reading {
	temp := int16(binary.BigEndian.Uint16(raw[0:2]))
	hum := binary.BigEndian.Uint16(raw[2:4])
	pres := binary.BigEndian.Uint16(raw[4:6])

	r := Reading{
		Available:   true,
		Temperature: float64(temp) / 10,
		Humidity:    float64(hum) / 10,
		Pressure:    float64(pres) / 10,
		At:          now,
	}
	if r.Pressure > 0 {
		r.Altitude = 44330 * (1 - math.Pow(r.Pressure/seaLevelHPa, 0.1903))
	}
	return r
}
