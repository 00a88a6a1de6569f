package tuner

import (
	"encoding/binary"

	"captouch-go/errcode"
)

// The snapshot is a fixed little-endian record; the external tool addresses
// it by offset, so every field sits at a stable location for the device's
// lifetime.
//
//	header     16 bytes: magic u16, version u8, flags u8, seq u32,
//	                     scans u32, widgets u8, sensors u8, reserved u16
//	config     8 bytes/widget (master-writable window):
//	                     on u16, off u16, noise u16, pad u16
//	sensors    12 bytes/sensor: raw u16, baseline u16, diff u16,
//	                     status u8, cpStatus u8, cp u32
//	widgets    1 byte/widget: active
const (
	Magic   = 0xCA51
	Version = 1

	FlagDiagnostics = 1 << 0

	headerSize   = 16
	configStride = 8
	sensorStride = 12

	offMagic   = 0
	offVersion = 2
	offFlags   = 3
	offSeq     = 4
	offScans   = 8
	offWidgets = 12
	offSensors = 13
)

var le = binary.LittleEndian

// Layout maps a widget/sensor population onto buffer offsets.
type Layout struct {
	Widgets int
	Sensors int
}

func NewLayout(widgets, sensors int) Layout {
	return Layout{Widgets: widgets, Sensors: sensors}
}

func (l Layout) Size() int {
	return headerSize + l.Widgets*configStride + l.Sensors*sensorStride + l.Widgets
}

// ConfigWindow is the master-writable byte range.
func (l Layout) ConfigWindow() (lo, hi int) {
	return headerSize, headerSize + l.Widgets*configStride
}

func (l Layout) WidgetConfigOff(w int) int { return headerSize + w*configStride }

func (l Layout) SensorOff(i int) int {
	_, hi := l.ConfigWindow()
	return hi + i*sensorStride
}

func (l Layout) WidgetStateOff(w int) int {
	return l.SensorOff(l.Sensors) + w
}

// Thresholds is one widget's tunable triple as seen on the wire.
type Thresholds struct {
	On    uint16
	Off   uint16
	Noise uint16
}

func (l Layout) putThresholds(b []byte, w int, t Thresholds) {
	off := l.WidgetConfigOff(w)
	le.PutUint16(b[off:], t.On)
	le.PutUint16(b[off+2:], t.Off)
	le.PutUint16(b[off+4:], t.Noise)
}

func (l Layout) thresholds(b []byte, w int) Thresholds {
	off := l.WidgetConfigOff(w)
	return Thresholds{
		On:    le.Uint16(b[off:]),
		Off:   le.Uint16(b[off+2:]),
		Noise: le.Uint16(b[off+4:]),
	}
}

// ReadLayout recovers the population from a live buffer's header, for
// masters that attach after the firmware seeded it.
func ReadLayout(buf *Buffer) (Layout, error) {
	var hdr [headerSize]byte
	if _, err := buf.ReadAt(hdr[:], 0); err != nil {
		return Layout{}, err
	}
	if le.Uint16(hdr[offMagic:]) != Magic || hdr[offVersion] != Version {
		return Layout{}, &errcode.E{C: errcode.InvalidPayload, Op: "tuner.ReadLayout", Msg: "bad magic/version"}
	}
	return NewLayout(int(hdr[offWidgets]), int(hdr[offSensors])), nil
}

// SensorRecord mirrors one sensor's wire fields.
type SensorRecord struct {
	Raw      uint16
	Baseline uint16
	Diff     uint16
	Status   uint8
	CpStatus uint8
	CpFemto  uint32
}

// Snapshot is the decoded view of a full buffer, used by the console, the
// bridge and tests. The firmware itself only encodes.
type Snapshot struct {
	Seq         uint32
	Scans       uint32
	Diagnostics bool
	Config      []Thresholds
	Sensors     []SensorRecord
	Active      []bool
}

// Decode parses a raw buffer image. It validates the magic, version and
// population against the image length.
func Decode(raw []byte) (Snapshot, error) {
	var s Snapshot
	if len(raw) < headerSize {
		return s, errcode.ShortFrame
	}
	if le.Uint16(raw[offMagic:]) != Magic || raw[offVersion] != Version {
		return s, &errcode.E{C: errcode.InvalidPayload, Op: "tuner.Decode", Msg: "bad magic/version"}
	}
	l := NewLayout(int(raw[offWidgets]), int(raw[offSensors]))
	if len(raw) < l.Size() {
		return s, errcode.ShortFrame
	}
	s.Seq = le.Uint32(raw[offSeq:])
	s.Scans = le.Uint32(raw[offScans:])
	s.Diagnostics = raw[offFlags]&FlagDiagnostics != 0
	s.Config = make([]Thresholds, l.Widgets)
	for w := 0; w < l.Widgets; w++ {
		s.Config[w] = l.thresholds(raw, w)
	}
	s.Sensors = make([]SensorRecord, l.Sensors)
	for i := 0; i < l.Sensors; i++ {
		off := l.SensorOff(i)
		s.Sensors[i] = SensorRecord{
			Raw:      le.Uint16(raw[off:]),
			Baseline: le.Uint16(raw[off+2:]),
			Diff:     le.Uint16(raw[off+4:]),
			Status:   raw[off+6],
			CpStatus: raw[off+7],
			CpFemto:  le.Uint32(raw[off+8:]),
		}
	}
	s.Active = make([]bool, l.Widgets)
	for w := 0; w < l.Widgets; w++ {
		s.Active[w] = raw[l.WidgetStateOff(w)] != 0
	}
	return s, nil
}
