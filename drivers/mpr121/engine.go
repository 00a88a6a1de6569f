package mpr121

import (
	"errors"
	"sync/atomic"
)

// Scanner drives measurement passes over a set of electrodes and feeds the
// results to the touch core. It satisfies the scan engine contract: Init
// binds the raw slab and completion hook, BeginScan is non-blocking, and
// the hook fires from the scanner's own context once every electrode has
// been read.
type Scanner struct {
	dev      *Device
	channels []uint8 // electrode number per flat sensor index
	sizes    []int   // sensors per widget, for (widget,sensor) addressing

	raw      []uint16
	complete func()
	busy     atomic.Bool
	inited   bool
}

var (
	ErrScanBusy  = errors.New("mpr121: scan in flight")
	ErrRawLen    = errors.New("mpr121: raw slab size mismatch")
	ErrReInit    = errors.New("mpr121: already initialised")
	ErrNoSensor  = errors.New("mpr121: no such widget/sensor")
	ErrNotInited = errors.New("mpr121: not initialised")
)

// NewScanner binds a configured Device to a sensor map. channels lists the
// electrode for each flat sensor index; widgetSizes gives the number of
// sensors per widget in the same flat order.
func NewScanner(dev *Device, channels []uint8, widgetSizes []int) *Scanner {
	return &Scanner{dev: dev, channels: channels, sizes: widgetSizes}
}

func (s *Scanner) Init(raw []uint16, complete func()) error {
	if s.inited {
		return ErrReInit
	}
	if len(raw) != len(s.channels) {
		return ErrRawLen
	}
	s.raw = raw
	s.complete = complete
	s.inited = true
	return nil
}

func (s *Scanner) BeginScan() error {
	if !s.inited {
		return ErrNotInited
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrScanBusy
	}
	go s.pass()
	return nil
}

func (s *Scanner) Busy() bool { return s.busy.Load() }

// pass reads every electrode in order. A bus fault on one electrode stores
// a saturated count so the core flags that sensor out of range instead of
// acting on stale data.
func (s *Scanner) pass() {
	for i, ch := range s.channels {
		v, err := s.dev.ReadFiltered(ch)
		if err != nil {
			v = 0xFFFF
		}
		s.raw[i] = v
	}
	s.busy.Store(false)
	if s.complete != nil {
		s.complete()
	}
}

// MeasureCapacitance estimates one electrode's parasitic capacitance in
// femtofarads. Only valid while no pass is in flight.
func (s *Scanner) MeasureCapacitance(widget, sensor int) (uint32, error) {
	if s.busy.Load() {
		return 0, ErrScanBusy
	}
	i, ok := s.flatten(widget, sensor)
	if !ok {
		return 0, ErrNoSensor
	}
	return s.dev.EstimateCp(s.channels[i])
}

func (s *Scanner) flatten(widget, sensor int) (int, bool) {
	if widget < 0 || widget >= len(s.sizes) {
		return 0, false
	}
	if sensor < 0 || sensor >= s.sizes[widget] {
		return 0, false
	}
	i := sensor
	for _, n := range s.sizes[:widget] {
		i += n
	}
	if i >= len(s.channels) {
		return 0, false
	}
	return i, true
}
