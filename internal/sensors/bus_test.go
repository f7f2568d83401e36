package sensors

import (
	"errors"
	"io"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeRegisters struct {
	payload []byte
	err     error
	reads   int
}

func (f *fakeRegisters) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.reads++
	return f.payload, f.err
}

type fakeCloser struct{ closed int }

func (f *fakeCloser) Close() error { f.closed++; return nil }

func dialer(regs *fakeRegisters, closer *fakeCloser, dials *int) Dialer {
	return func(cfg Config) (Registers, io.Closer, error) {
		*dials++
		return regs, closer, nil
	}
}

func TestRead_Decodes(t *testing.T) {
	// 21.5 °C, 45.2 %RH, 1013.2 hPa
	regs := &fakeRegisters{payload: []byte{0x00, 0xD7, 0x01, 0xC4, 0x27, 0x94}}
	var dials int
	b := NewBus(Config{Device: "/dev/ttyUSB0"}, dialer(regs, &fakeCloser{}, &dials))

	r, err := b.Read(t0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if r.Temperature != 21.5 || r.Humidity != 45.2 || r.Pressure != 1013.2 || !r.Available {
		t.Fatalf("reading=%+v", r)
	}
	if math.Abs(r.Altitude) > 1 {
		t.Fatalf("altitude=%f near sea level", r.Altitude)
	}
}

func TestRead_NegativeTemperature(t *testing.T) {
	regs := &fakeRegisters{payload: []byte{0xFF, 0x9C, 0, 0, 0, 0}}
	var dials int
	b := NewBus(Config{}, dialer(regs, &fakeCloser{}, &dials))
	r, _ := b.Read(t0)
	if r.Temperature != -10 {
		t.Fatalf("temp=%f", r.Temperature)
	}
}

func TestRead_ReconnectsAfterError(t *testing.T) {
	regs := &fakeRegisters{err: errors.New("timeout")}
	closer := &fakeCloser{}
	var dials int
	b := NewBus(Config{}, dialer(regs, closer, &dials))

	if _, err := b.Read(t0); err == nil {
		t.Fatalf("expected error")
	}
	if closer.closed != 1 {
		t.Fatalf("failed connection not closed")
	}
	regs.err = nil
	regs.payload = make([]byte, 6)
	if _, err := b.Read(t0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if dials != 2 {
		t.Fatalf("dials=%d", dials)
	}
}

func TestClose_IsPermanent(t *testing.T) {
	regs := &fakeRegisters{payload: make([]byte, 6)}
	closer := &fakeCloser{}
	var dials int
	b := NewBus(Config{}, dialer(regs, closer, &dials))
	b.Read(t0)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if closer.closed != 1 {
		t.Fatalf("line not released")
	}
	if _, err := b.Read(t0); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close err=%v", err)
	}
	if regs.reads != 1 {
		t.Fatalf("bus touched after close")
	}
}
