package status

import (
	"errors"
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// GPIOOutput is a status light on a GPIO character device line. Polarity is
// resolved once when the line is requested; Set always takes logical values.
type GPIOOutput struct {
	chip *gpiod.Chip
	line *gpiod.Line
	mu   sync.Mutex
}

// OpenGPIO requests offset on chipName as an output, initially off.
func OpenGPIO(chipName string, offset int, activeLow bool) (*GPIOOutput, error) {
	chip, err := gpiod.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", chipName, err)
	}

	opts := []gpiod.LineReqOption{gpiod.AsOutput(0), gpiod.WithConsumer("dualnet-status")}
	if activeLow {
		opts = append(opts, gpiod.AsActiveLow)
	}
	line, err := chip.RequestLine(offset, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request output pin %d: %w", offset, err)
	}
	return &GPIOOutput{chip: chip, line: line}, nil
}

func (g *GPIOOutput) Set(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := 0
	if on {
		v = 1
	}
	if err := g.line.SetValue(v); err != nil {
		return fmt.Errorf("set status pin: %w", err)
	}
	return nil
}

// Close releases the line. The kernel keeps the last driven level.
func (g *GPIOOutput) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.line.Close(), g.chip.Close())
}

// NopOutput is used on boards without a status light.
type NopOutput struct{}

func (NopOutput) Set(bool) error { return nil }
