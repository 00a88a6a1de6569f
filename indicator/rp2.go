//go:build rp2040 || rp2350

package indicator

import (
	"machine"

	"captouch-go/errcode"
)

// PinDriver drives indicators on RP2 GPIO pins.
type PinDriver struct {
	pins []machine.Pin
}

// NewPinDriver configures one output pin per widget, all initially off.
func NewPinDriver(pins []int) (*PinDriver, error) {
	d := &PinDriver{}
	for _, n := range pins {
		p := machine.Pin(n)
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.Low()
		d.pins = append(d.pins, p)
	}
	return d, nil
}

func (d *PinDriver) Set(widget int, on bool) error {
	if widget < 0 || widget >= len(d.pins) {
		return errcode.UnknownWidget
	}
	d.pins[widget].Set(on)
	return nil
}

func (d *PinDriver) Close() error { return nil }
