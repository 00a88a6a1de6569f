// Package scanengine defines the capacitance scan capability consumed by the
// touch core, plus a scripted fake for host-side tests. Real engines live
// under drivers/.
package scanengine

// Engine is a hardware scan block measuring every bound electrode in one
// pass. A pass is asynchronous: BeginScan returns immediately and the engine
// signals completion through the hook registered with Init.
type Engine interface {
	// Init binds the raw-count destination slab (one slot per electrode) and
	// the completion hook. The engine owns the slab for the duration of a
	// pass. The hook runs in the engine's interrupt context and must not
	// block. One-shot.
	Init(raw []uint16, complete func()) error

	// BeginScan starts one measurement pass over every bound electrode and
	// returns immediately. A request while a pass is in flight is rejected
	// with an error.
	BeginScan() error

	// Busy reports whether a measurement pass is in flight.
	Busy() bool

	// MeasureCapacitance estimates one electrode's parasitic capacitance in
	// femtofarads, outside the normal scan path. Only call while idle.
	MeasureCapacitance(widget, sensor int) (uint32, error)
}
