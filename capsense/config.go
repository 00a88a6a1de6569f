package capsense

import (
	"captouch-go/errcode"
)

// WidgetConfig describes one logical button.
type WidgetConfig struct {
	Name    string
	Sensors int // electrode count, >= 1

	// Hysteresis pair: a widget activates at Diff >= OnThreshold and
	// deactivates at Diff <= OffThreshold. OffThreshold < OnThreshold.
	OnThreshold  uint16
	OffThreshold uint16

	// NoiseThreshold bounds the baseline tracker: a positive deviation above
	// it is a touch candidate and freezes the baseline.
	NoiseThreshold uint16
}

// Config is the controller configuration. Integer-only.
type Config struct {
	Widgets []WidgetConfig

	// BaselineShift is the IIR decay coefficient: the baseline moves toward
	// the raw count by delta>>BaselineShift (minimum 1) per cycle.
	BaselineShift uint8

	// MaxRawCount is the plausibility ceiling; a raw count above it is
	// treated as a failed measurement for that cycle.
	MaxRawCount uint16

	// Diagnostics selects the per-cycle parasitic-capacitance self test.
	Diagnostics bool
}

// DefaultConfig provides defaults; caller must supply widgets.
func DefaultConfig() Config {
	return Config{
		BaselineShift: 3,
		MaxRawCount:   0xFFF0,
	}
}

// Validate checks the fields every processing path relies on.
func (c Config) Validate() error {
	if len(c.Widgets) == 0 {
		return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.Validate", Msg: "no widgets"}
	}
	if c.BaselineShift > 8 {
		return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.Validate", Msg: "baseline shift too large"}
	}
	if c.MaxRawCount == 0 {
		return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.Validate", Msg: "max raw count unset"}
	}
	for i := range c.Widgets {
		w := &c.Widgets[i]
		if w.Sensors < 1 {
			return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.Validate", Msg: "widget without sensors: " + w.Name}
		}
		if w.OnThreshold == 0 || w.OffThreshold >= w.OnThreshold {
			return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.Validate", Msg: "bad hysteresis pair: " + w.Name}
		}
	}
	// The telemetry layout counts widgets and sensors in one byte each.
	if len(c.Widgets) > 255 || c.NumSensors() > 255 {
		return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.Validate", Msg: "population exceeds telemetry layout"}
	}
	return nil
}

// NumSensors returns the total electrode count across widgets.
func (c Config) NumSensors() int {
	n := 0
	for i := range c.Widgets {
		n += c.Widgets[i].Sensors
	}
	return n
}
