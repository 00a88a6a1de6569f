//go:build linux && !(rp2040 || rp2350)

package indicator

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

var _ Driver = (*LineDriver)(nil)

// LineDriver drives indicators through the Linux GPIO character device.
type LineDriver struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
}

// NewLineDriver requests one output line per widget on the named chip
// (e.g. "gpiochip0"), all initially off.
func NewLineDriver(chip string, pins []int) (*LineDriver, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	d := &LineDriver{chip: c}
	for _, pin := range pins {
		line, err := c.RequestLine(pin, gpiocdev.AsOutput(0))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request pin %d: %w", pin, err)
		}
		d.lines = append(d.lines, line)
	}
	return d, nil
}

func (d *LineDriver) Set(widget int, on bool) error {
	if widget < 0 || widget >= len(d.lines) {
		return fmt.Errorf("no line for widget %d", widget)
	}
	v := 0
	if on {
		v = 1
	}
	if err := d.lines[widget].SetValue(v); err != nil {
		return fmt.Errorf("set widget %d: %w", widget, err)
	}
	return nil
}

func (d *LineDriver) Close() error {
	for _, l := range d.lines {
		l.Close()
	}
	d.lines = nil
	if d.chip != nil {
		return d.chip.Close()
	}
	return nil
}
