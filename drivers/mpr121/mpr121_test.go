package mpr121

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/drivers"
)

// Compile-time check.
var _ drivers.I2C = (*fakeMPR121)(nil)

// Register-level fake of an MPR121 on the bus.
type fakeMPR121 struct {
	mu     sync.Mutex
	regs   [0x81]uint8
	filt   [maxElectrodes]uint16
	fail   map[uint8]error // read errors keyed by start register
	gate   chan struct{}   // if set, reads block until closed
	absent bool            // simulate a part that never came out of reset
}

func newFakeMPR121() *fakeMPR121 {
	return &fakeMPR121{fail: map[uint8]error{}}
}

func (f *fakeMPR121) Tx(addr uint16, w, r []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// Register write.
	if len(w) == 2 && len(r) == 0 {
		reg, val := w[0], w[1]
		if reg == regSoftReset && val == softResetMagic && !f.absent {
			f.regs[regConfig2] = 0x24 // documented reset value
			return nil
		}
		f.regs[reg] = val
		return nil
	}

	// Register read burst starting at w[0].
	if len(w) == 1 && len(r) > 0 {
		start := w[0]
		if err, ok := f.fail[start]; ok {
			return err
		}
		for i := range r {
			reg := start + uint8(i)
			if reg >= regFiltData0L && reg < regFiltData0L+2*maxElectrodes {
				ch := (reg - regFiltData0L) / 2
				v := f.filt[ch]
				if (reg-regFiltData0L)%2 == 0 {
					r[i] = uint8(v)
				} else {
					r[i] = uint8(v >> 8)
				}
				continue
			}
			r[i] = f.regs[reg]
		}
		return nil
	}

	return errors.New("fake: unsupported transaction")
}

func (f *fakeMPR121) setCharge(ch uint8, cdc, cdt uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[regChargeCurr0+ch] = cdc
	reg := regChargeTime1 + ch/2
	if ch%2 == 1 {
		f.regs[reg] = (f.regs[reg] & 0x0F) | (cdt&0x07)<<4
	} else {
		f.regs[reg] = (f.regs[reg] &^ 0x07) | cdt&0x07
	}
}

// -----------------------------------------------------------------------------
// Device
// -----------------------------------------------------------------------------

func TestConfigure_EntersRunMode(t *testing.T) {
	f := newFakeMPR121()
	d := New(f)
	if err := d.Configure(Config{Electrodes: 4}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := f.regs[regECR]; got != 0x84 {
		t.Fatalf("ECR = %#02x, want %#02x", got, 0x84)
	}
	if d.Electrodes() != 4 {
		t.Fatalf("Electrodes() = %d, want 4", d.Electrodes())
	}
}

func TestConfigure_AbsentPart(t *testing.T) {
	f := newFakeMPR121()
	f.absent = true
	d := New(f)
	if err := d.Configure(Config{}); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("Configure error = %v, want ErrNotPresent", err)
	}
}

func TestReadFiltered(t *testing.T) {
	f := newFakeMPR121()
	f.filt[3] = 0x2A7
	d := New(f)
	v, err := d.ReadFiltered(3)
	if err != nil {
		t.Fatalf("ReadFiltered: %v", err)
	}
	if v != 0x2A7 {
		t.Fatalf("count = %#x, want %#x", v, 0x2A7)
	}
	if _, err := d.ReadFiltered(12); !errors.Is(err, ErrBadChannel) {
		t.Fatalf("channel 12 error = %v, want ErrBadChannel", err)
	}
}

func TestEstimateCp(t *testing.T) {
	f := newFakeMPR121()
	d := New(f)

	// 16uA at CDT=1 (500ns): C = 16*500/2.6 = 3076 fF.
	f.setCharge(2, 16, 1)
	cp, err := d.EstimateCp(2)
	if err != nil {
		t.Fatalf("EstimateCp: %v", err)
	}
	if cp != 3076 {
		t.Fatalf("cp = %d fF, want 3076", cp)
	}

	// Odd channel uses the high nibble; CDT=2 doubles the time.
	f.setCharge(5, 16, 2)
	cp, err = d.EstimateCp(5)
	if err != nil {
		t.Fatalf("EstimateCp odd channel: %v", err)
	}
	if cp != 6153 {
		t.Fatalf("cp = %d fF, want 6153", cp)
	}

	// Unsettled auto-config reads back zero.
	if _, err := d.EstimateCp(7); !errors.Is(err, ErrNoCharge) {
		t.Fatalf("error = %v, want ErrNoCharge", err)
	}
}

// -----------------------------------------------------------------------------
// Scanner
// -----------------------------------------------------------------------------

func newTestScanner(f *fakeMPR121) *Scanner {
	d := New(f)
	return NewScanner(&d, []uint8{0, 1, 2}, []int{2, 1})
}

func TestScanner_PassFillsSlabAndSignals(t *testing.T) {
	f := newFakeMPR121()
	f.filt[0], f.filt[1], f.filt[2] = 100, 200, 300

	s := newTestScanner(f)
	raw := make([]uint16, 3)
	done := make(chan struct{})
	if err := s.Init(raw, func() { close(done) }); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.BeginScan(); err != nil {
		t.Fatalf("BeginScan: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scan never completed")
	}
	if s.Busy() {
		t.Fatal("Busy() true after completion")
	}
	want := []uint16{100, 200, 300}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("raw[%d] = %d, want %d", i, raw[i], want[i])
		}
	}
}

func TestScanner_RejectsOverlappingScan(t *testing.T) {
	f := newFakeMPR121()
	f.gate = make(chan struct{})

	s := newTestScanner(f)
	done := make(chan struct{})
	if err := s.Init(make([]uint16, 3), func() { close(done) }); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.BeginScan(); err != nil {
		t.Fatalf("BeginScan: %v", err)
	}
	if err := s.BeginScan(); !errors.Is(err, ErrScanBusy) {
		t.Fatalf("second BeginScan = %v, want ErrScanBusy", err)
	}

	close(f.gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scan never completed after gate release")
	}
}

func TestScanner_BusFaultSaturatesCount(t *testing.T) {
	f := newFakeMPR121()
	f.filt[0], f.filt[2] = 100, 300
	f.fail[regFiltData0L+2] = errors.New("nack") // electrode 1

	s := newTestScanner(f)
	raw := make([]uint16, 3)
	done := make(chan struct{})
	if err := s.Init(raw, func() { close(done) }); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.BeginScan(); err != nil {
		t.Fatalf("BeginScan: %v", err)
	}
	<-done

	if raw[1] != 0xFFFF {
		t.Fatalf("faulted electrode raw = %#x, want 0xFFFF", raw[1])
	}
	if raw[0] != 100 || raw[2] != 300 {
		t.Fatalf("healthy electrodes disturbed: %v", raw)
	}
}

func TestScanner_InitContract(t *testing.T) {
	s := newTestScanner(newFakeMPR121())

	if err := s.BeginScan(); !errors.Is(err, ErrNotInited) {
		t.Fatalf("BeginScan before Init = %v, want ErrNotInited", err)
	}
	if err := s.Init(make([]uint16, 2), nil); !errors.Is(err, ErrRawLen) {
		t.Fatalf("short slab Init = %v, want ErrRawLen", err)
	}
	if err := s.Init(make([]uint16, 3), nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init(make([]uint16, 3), nil); !errors.Is(err, ErrReInit) {
		t.Fatalf("second Init = %v, want ErrReInit", err)
	}
}

func TestScanner_MeasureCapacitanceAddressing(t *testing.T) {
	f := newFakeMPR121()
	f.setCharge(2, 16, 1) // widget 1, sensor 0 maps to electrode 2

	s := newTestScanner(f)
	if err := s.Init(make([]uint16, 3), nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cp, err := s.MeasureCapacitance(1, 0)
	if err != nil {
		t.Fatalf("MeasureCapacitance: %v", err)
	}
	if cp != 3076 {
		t.Fatalf("cp = %d, want 3076", cp)
	}

	if _, err := s.MeasureCapacitance(2, 0); !errors.Is(err, ErrNoSensor) {
		t.Fatalf("bad widget error = %v, want ErrNoSensor", err)
	}
	if _, err := s.MeasureCapacitance(0, 2); !errors.Is(err, ErrNoSensor) {
		t.Fatalf("bad sensor error = %v, want ErrNoSensor", err)
	}
}
