package scanengine

import (
	"sync/atomic"
	"time"

	"captouch-go/errcode"
)

// Fake is a scripted scan engine for tests and the host simulator.
//
// Each pass consumes the next row of Script and writes it into the bound raw
// slab; the last row repeats once the script is exhausted. With Synchronous
// set, completion fires inside BeginScan, which makes controller tests
// deterministic. Otherwise a goroutine stands in for the hardware
// measurement and its completion interrupt.
type Fake struct {
	Script      [][]uint16
	Delay       time.Duration // async pass duration
	Synchronous bool

	// Diagnostics script: Cp per flattened sensor index, and forced errors.
	Cp    []uint32
	CpErr map[int]error

	// WidgetSizes maps (widget, sensor) diag addresses onto flat indices.
	// Unset means one electrode per widget.
	WidgetSizes []int

	sensors  int
	raw      []uint16
	complete func()
	idx      int
	busy     atomic.Bool
	inited   bool
}

// NewFake returns a fake engine for the given electrode count.
func NewFake(sensors int) *Fake {
	return &Fake{sensors: sensors, Delay: time.Millisecond}
}

func (f *Fake) Init(raw []uint16, complete func()) error {
	if f.inited {
		return errcode.InitFailed
	}
	if len(raw) != f.sensors || complete == nil {
		return errcode.InvalidParams
	}
	f.raw = raw
	f.complete = complete
	f.inited = true
	return nil
}

func (f *Fake) BeginScan() error {
	if !f.inited {
		return errcode.InitFailed
	}
	if !f.busy.CompareAndSwap(false, true) {
		return errcode.Busy
	}
	if f.Synchronous {
		f.pass()
		return nil
	}
	go func() {
		time.Sleep(f.Delay)
		f.pass()
	}()
	return nil
}

// pass writes the next script row and signals completion. Runs in the
// engine's context; the foreground must not touch raw until the hook fires.
func (f *Fake) pass() {
	row := f.nextRow()
	for i := range f.raw {
		if i < len(row) {
			f.raw[i] = row[i]
		}
	}
	f.busy.Store(false)
	f.complete()
}

func (f *Fake) nextRow() []uint16 {
	if len(f.Script) == 0 {
		return nil
	}
	row := f.Script[f.idx]
	if f.idx < len(f.Script)-1 {
		f.idx++
	}
	return row
}

func (f *Fake) Busy() bool { return f.busy.Load() }

func (f *Fake) MeasureCapacitance(widget, sensor int) (uint32, error) {
	// Flattened index: widgets are laid out in script order, one row per
	// pass covers all electrodes, so diag indexing matches raw indexing.
	i := f.flatten(widget, sensor)
	if err, ok := f.CpErr[i]; ok {
		return 0, err
	}
	if i < 0 || i >= len(f.Cp) {
		return 0, errcode.Unsupported
	}
	return f.Cp[i], nil
}

func (f *Fake) flatten(widget, sensor int) int {
	if len(f.WidgetSizes) == 0 {
		return widget + sensor
	}
	if widget < 0 || widget >= len(f.WidgetSizes) {
		return -1
	}
	base := 0
	for _, n := range f.WidgetSizes[:widget] {
		base += n
	}
	return base + sensor
}
