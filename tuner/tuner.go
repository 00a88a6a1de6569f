// Package tuner exposes live sensor telemetry to an external tuning tool
// through a fixed shared buffer: the firmware publishes a snapshot into it
// once per scan cycle, a bus master reads it (and writes the config window)
// at any time through a slave transport.
package tuner

import (
	"sync"

	"captouch-go/capsense"
	"captouch-go/errcode"
	"captouch-go/x/mathx"
)

// Buffer is the shared snapshot storage. It is allocated once and never
// reallocated, so the transport side always addresses the same memory.
//
// The mutex stands in for masking the transport interrupt: the foreground
// takes it for the whole publish update, the transport for each access, so
// an external read sees either the previous or the current snapshot, never a
// partial one.
type Buffer struct {
	mu         sync.Mutex
	b          []byte
	rwLo, rwHi int
	dirty      bool
}

// NewBuffer allocates a buffer with the given master-writable window.
func NewBuffer(size, rwLo, rwHi int) *Buffer {
	if size <= 0 || rwLo < 0 || rwHi < rwLo || rwHi > size {
		panic("tuner: bad buffer geometry")
	}
	return &Buffer{b: make([]byte, size), rwLo: rwLo, rwHi: rwHi}
}

func (b *Buffer) Len() int { return len(b.b) }

// ReadAt copies buffer contents for the transport. Runs in the transport's
// interrupt context.
func (b *Buffer) ReadAt(p []byte, off int) (int, error) {
	if off < 0 || off > len(b.b) {
		return 0, errcode.InvalidParams
	}
	b.mu.Lock()
	n := copy(p, b.b[off:])
	b.mu.Unlock()
	return n, nil
}

// WriteAt stores a master write. Only the config window accepts writes;
// anything touching bytes outside it is rejected whole.
func (b *Buffer) WriteAt(p []byte, off int) (int, error) {
	if off < b.rwLo || off+len(p) > b.rwHi {
		return 0, errcode.InvalidParams
	}
	b.mu.Lock()
	n := copy(b.b[off:], p)
	b.dirty = true
	b.mu.Unlock()
	return n, nil
}

// Update runs fn over the raw bytes inside the critical section. Foreground
// only; this is the publish path.
func (b *Buffer) Update(fn func(raw []byte)) {
	b.mu.Lock()
	fn(b.b)
	b.mu.Unlock()
}

// TakeDirty reports and clears the master-write flag.
func (b *Buffer) TakeDirty() bool {
	b.mu.Lock()
	d := b.dirty
	b.dirty = false
	b.mu.Unlock()
	return d
}

// Transport is the slave-mode peripheral the buffer is registered with.
type Transport interface {
	// SetBuffer registers the shared buffer. One-shot at startup.
	SetBuffer(b *Buffer) error
}

// Publisher writes the controller state into the shared buffer once per
// cycle and feeds accepted master writes back into the controller.
type Publisher struct {
	ctrl *capsense.Controller
	lay  Layout
	buf  *Buffer
	seq  uint32
}

// NewPublisher sizes and seeds the buffer for the controller's population.
func NewPublisher(ctrl *capsense.Controller) *Publisher {
	cfg := ctrl.Config()
	lay := NewLayout(len(cfg.Widgets), cfg.NumSensors())
	lo, hi := lay.ConfigWindow()
	p := &Publisher{
		ctrl: ctrl,
		lay:  lay,
		buf:  NewBuffer(lay.Size(), lo, hi),
	}
	p.buf.Update(func(raw []byte) {
		le.PutUint16(raw[offMagic:], Magic)
		raw[offVersion] = Version
		if cfg.Diagnostics {
			raw[offFlags] |= FlagDiagnostics
		}
		raw[offWidgets] = uint8(lay.Widgets)
		raw[offSensors] = uint8(lay.Sensors)
		for w := range cfg.Widgets {
			p.lay.putThresholds(raw, w, Thresholds{
				On:    cfg.Widgets[w].OnThreshold,
				Off:   cfg.Widgets[w].OffThreshold,
				Noise: cfg.Widgets[w].NoiseThreshold,
			})
		}
	})
	return p
}

func (p *Publisher) Buffer() *Buffer { return p.buf }
func (p *Publisher) Layout() Layout  { return p.lay }

// ApplyWrites feeds master config writes into the controller, clamped to a
// valid hysteresis pair, and writes the accepted values back so the master
// reads what actually applied. Call at the cycle boundary, before Publish.
// The whole read-clamp-writeback runs in one critical section, so a master
// write either lands before it (and is applied now) or after it (marks the
// buffer dirty again and is applied next cycle); an accepted write is never
// clobbered by the canonical writeback.
func (p *Publisher) ApplyWrites() {
	if !p.buf.TakeDirty() {
		return
	}
	maxRaw := p.ctrl.Config().MaxRawCount
	p.buf.Update(func(raw []byte) {
		for w := 0; w < p.lay.Widgets; w++ {
			t := p.lay.thresholds(raw, w)

			t.On = mathx.Clamp(t.On, 1, maxRaw)
			if t.Off >= t.On {
				t.Off = t.On - 1
			}
			t.Noise = mathx.Clamp(t.Noise, 0, maxRaw)

			if err := p.ctrl.SetThresholds(w, t.On, t.Off, t.Noise); err != nil {
				continue
			}
			p.lay.putThresholds(raw, w, t)
		}
	})
}

// StageThresholds stores a threshold triple through the config window, the
// same path an external master uses; it takes effect at the next cycle
// boundary via ApplyWrites.
func (p *Publisher) StageThresholds(w int, t Thresholds) error {
	if w < 0 || w >= p.lay.Widgets {
		return errcode.UnknownWidget
	}
	var b [6]byte
	le.PutUint16(b[0:], t.On)
	le.PutUint16(b[2:], t.Off)
	le.PutUint16(b[4:], t.Noise)
	_, err := p.buf.WriteAt(b[:], p.lay.WidgetConfigOff(w))
	return err
}

// Publish mirrors the controller state into the buffer. Call strictly after
// processing and before the next scan start.
func (p *Publisher) Publish() {
	p.seq++
	sensors := p.ctrl.Sensors()
	widgets := p.ctrl.Widgets()
	p.buf.Update(func(raw []byte) {
		le.PutUint32(raw[offSeq:], p.seq)
		le.PutUint32(raw[offScans:], p.ctrl.ScanCount())
		for i := range sensors {
			off := p.lay.SensorOff(i)
			s := &sensors[i]
			le.PutUint16(raw[off:], s.Raw)
			le.PutUint16(raw[off+2:], s.Baseline)
			le.PutUint16(raw[off+4:], s.Diff)
			raw[off+6] = uint8(s.Status)
			raw[off+7] = uint8(s.CpStatus)
			le.PutUint32(raw[off+8:], s.CpFemto)
		}
		for w := range widgets {
			v := byte(0)
			if widgets[w].Active {
				v = 1
			}
			raw[p.lay.WidgetStateOff(w)] = v
		}
	})
}
