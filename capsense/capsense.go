// Package capsense converts raw capacitance counts into debounced button
// states: per-sensor baseline tracking, clamped difference counts and a
// two-threshold hysteresis decision per widget.
//
// The package owns no goroutines. The scan engine writes raw counts and
// fires the completion hook from its interrupt context; everything else runs
// in the caller's foreground loop.
package capsense

import (
	"sync/atomic"

	"captouch-go/errcode"
	"captouch-go/scanengine"
)

// SensorStatus is the per-cycle health of one electrode.
type SensorStatus uint8

const (
	StatusOK SensorStatus = iota
	StatusOutOfRange
	StatusDiagFault
)

// Sensor is one capacitive electrode. Updated once per scan cycle by the
// signal processor; the Cp fields only by the diagnostics pass.
type Sensor struct {
	Raw      uint16
	Baseline uint16
	Diff     uint16 // raw - baseline, clamped at zero
	Status   SensorStatus

	CpFemto  uint32 // parasitic capacitance estimate, fF
	CpStatus SensorStatus

	primed bool // baseline seeded from a first in-range raw
}

// Widget is a logical button over one or more sensors.
type Widget struct {
	Active bool

	first, count int // window into the controller's sensor slab
}

// Controller owns the sensing pipeline state for one device.
type Controller struct {
	engine scanengine.Engine
	cfg    Config

	raw     []uint16 // engine-written during a pass
	sensors []Sensor
	widgets []Widget

	scanDone atomic.Bool // set by the completion hook, consumed in StartScan
	scans    uint32      // completed process cycles

	inited  bool
	enabled bool
}

// New builds a controller for the given engine and configuration.
func New(engine scanengine.Engine, cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.NumSensors()
	c := &Controller{
		engine:  engine,
		cfg:     cfg,
		raw:     make([]uint16, n),
		sensors: make([]Sensor, n),
		widgets: make([]Widget, len(cfg.Widgets)),
	}
	first := 0
	for i := range cfg.Widgets {
		c.widgets[i] = Widget{first: first, count: cfg.Widgets[i].Sensors}
		first += cfg.Widgets[i].Sensors
	}
	return c, nil
}

// Init binds the raw slab and completion hook to the scan engine. One-shot;
// failure is non-recoverable.
func (c *Controller) Init() error {
	if c.inited {
		return &errcode.E{C: errcode.InitFailed, Op: "capsense.Init", Msg: "already initialized"}
	}
	if err := c.engine.Init(c.raw, c.onScanComplete); err != nil {
		return &errcode.E{C: errcode.InitFailed, Op: "capsense.Init", Err: err}
	}
	c.inited = true
	return nil
}

// Enable arms the controller for scanning. One-shot, requires Init.
func (c *Controller) Enable() error {
	if !c.inited {
		return &errcode.E{C: errcode.InitFailed, Op: "capsense.Enable", Msg: "not initialized"}
	}
	if c.enabled {
		return &errcode.E{C: errcode.InitFailed, Op: "capsense.Enable", Msg: "already enabled"}
	}
	c.enabled = true
	return nil
}

// onScanComplete runs in the engine's interrupt context. Flag only.
func (c *Controller) onScanComplete() {
	c.scanDone.Store(true)
}

// StartScan issues one measurement pass over the full widget set and returns
// immediately. Precondition: no pass in flight. An engine refusal is a
// hardware/driver inconsistency and therefore fatal to the caller.
func (c *Controller) StartScan() error {
	if !c.enabled {
		return &errcode.E{C: errcode.NotEnabled, Op: "capsense.StartScan"}
	}
	c.scanDone.Store(false)
	if err := c.engine.BeginScan(); err != nil {
		return &errcode.E{C: errcode.ScanRejected, Op: "capsense.StartScan", Err: err}
	}
	return nil
}

// ScanComplete reports that the completion interrupt has fired and the
// engine reads idle. Non-blocking; the foreground polls this each iteration.
func (c *Controller) ScanComplete() bool {
	return c.scanDone.Load() && !c.engine.Busy()
}

// WidgetActive returns the debounced state of one widget.
func (c *Controller) WidgetActive(i int) bool {
	if i < 0 || i >= len(c.widgets) {
		return false
	}
	return c.widgets[i].Active
}

// Sensors exposes the live sensor slab. Foreground use only; the telemetry
// publisher reads it strictly between scans.
func (c *Controller) Sensors() []Sensor { return c.sensors }

// Widgets exposes the live widget slab. Foreground use only.
func (c *Controller) Widgets() []Widget { return c.widgets }

// Config returns the active configuration.
func (c *Controller) Config() Config { return c.cfg }

// ScanCount returns the number of completed process cycles.
func (c *Controller) ScanCount() uint32 { return c.scans }

// SetThresholds retunes one widget at a cycle boundary. Values are rejected,
// not clamped; callers clamp against the transport's config window first.
func (c *Controller) SetThresholds(widget int, on, off, noise uint16) error {
	if widget < 0 || widget >= len(c.cfg.Widgets) {
		return errcode.UnknownWidget
	}
	if on == 0 || off >= on {
		return &errcode.E{C: errcode.InvalidConfig, Op: "capsense.SetThresholds", Msg: "bad hysteresis pair"}
	}
	w := &c.cfg.Widgets[widget]
	w.OnThreshold = on
	w.OffThreshold = off
	w.NoiseThreshold = noise
	return nil
}
