package tuner

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"captouch-go/capsense"
	"captouch-go/errcode"
	"captouch-go/scanengine"
)

func twoButtonConfig() capsense.Config {
	cfg := capsense.DefaultConfig()
	cfg.Widgets = []capsense.WidgetConfig{
		{Name: "btn0", Sensors: 1, OnThreshold: 50, OffThreshold: 20, NoiseThreshold: 40},
		{Name: "btn1", Sensors: 1, OnThreshold: 50, OffThreshold: 20, NoiseThreshold: 40},
	}
	return cfg
}

func newTestPublisher(t *testing.T, cfg capsense.Config, script [][]uint16) (*Publisher, *capsense.Controller) {
	t.Helper()
	eng := scanengine.NewFake(cfg.NumSensors())
	eng.Synchronous = true
	eng.Script = script
	ctrl, err := capsense.New(eng, cfg)
	if err != nil {
		t.Fatalf("capsense.New: %v", err)
	}
	if err := ctrl.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctrl.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return NewPublisher(ctrl), ctrl
}

func runCycle(t *testing.T, ctrl *capsense.Controller) {
	t.Helper()
	if err := ctrl.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if !ctrl.ScanComplete() {
		t.Fatal("synchronous engine should be complete")
	}
	ctrl.ProcessAllWidgets()
}

func decodeBuffer(t *testing.T, buf *Buffer) Snapshot {
	t.Helper()
	raw := make([]byte, buf.Len())
	if _, err := buf.ReadAt(raw, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	s, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return s
}

// -----------------------------------------------------------------------------
// Buffer
// -----------------------------------------------------------------------------

func TestBuffer_WriteWindow(t *testing.T) {
	b := NewBuffer(32, 8, 16)

	if _, err := b.WriteAt([]byte{1, 2, 3, 4}, 8); err != nil {
		t.Fatalf("in-window write rejected: %v", err)
	}
	if _, err := b.WriteAt([]byte{1, 2, 3, 4}, 14); err == nil {
		t.Fatal("write straddling the window boundary accepted")
	}
	if _, err := b.WriteAt([]byte{1}, 4); err == nil {
		t.Fatal("write before the window accepted")
	}
	if _, err := b.WriteAt([]byte{1}, 20); err == nil {
		t.Fatal("write after the window accepted")
	}

	p := make([]byte, 4)
	if _, err := b.ReadAt(p, 8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(p, []byte{1, 2, 3, 4}) {
		t.Fatalf("read back %v", p)
	}
}

func TestBuffer_DirtyFlag(t *testing.T) {
	b := NewBuffer(32, 8, 16)
	if b.TakeDirty() {
		t.Fatal("fresh buffer reads dirty")
	}
	if _, err := b.WriteAt([]byte{7}, 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if !b.TakeDirty() {
		t.Fatal("master write did not mark the buffer dirty")
	}
	if b.TakeDirty() {
		t.Fatal("TakeDirty did not clear the flag")
	}
}

// -----------------------------------------------------------------------------
// Publisher
// -----------------------------------------------------------------------------

func TestPublisher_SeedsHeaderAndConfig(t *testing.T) {
	cfg := twoButtonConfig()
	cfg.Diagnostics = true
	p, _ := newTestPublisher(t, cfg, [][]uint16{{1000, 1000}})

	s := decodeBuffer(t, p.Buffer())
	if !s.Diagnostics {
		t.Fatal("diagnostics flag not seeded")
	}
	if len(s.Config) != 2 || len(s.Sensors) != 2 || len(s.Active) != 2 {
		t.Fatalf("population mismatch: %d/%d/%d", len(s.Config), len(s.Sensors), len(s.Active))
	}
	want := Thresholds{On: 50, Off: 20, Noise: 40}
	if s.Config[0] != want || s.Config[1] != want {
		t.Fatalf("seeded thresholds = %+v", s.Config)
	}
	if s.Seq != 0 || s.Active[0] || s.Active[1] {
		t.Fatal("fresh snapshot must be inactive at seq 0")
	}
}

func TestPublisher_PublishMirrorsControllerState(t *testing.T) {
	script := [][]uint16{
		{1000, 1000},
		{1060, 1000}, // btn0 touched
	}
	p, ctrl := newTestPublisher(t, twoButtonConfig(), script)

	runCycle(t, ctrl)
	p.Publish()
	s := decodeBuffer(t, p.Buffer())
	if s.Seq != 1 || s.Scans != 1 {
		t.Fatalf("seq=%d scans=%d, want 1/1", s.Seq, s.Scans)
	}

	runCycle(t, ctrl)
	p.Publish()
	s = decodeBuffer(t, p.Buffer())
	if s.Seq != 2 {
		t.Fatalf("seq=%d, want 2", s.Seq)
	}
	if !s.Active[0] || s.Active[1] {
		t.Fatalf("active=%v, want btn0 only", s.Active)
	}
	if s.Sensors[0].Raw != 1060 || s.Sensors[0].Baseline != 1000 || s.Sensors[0].Diff != 60 {
		t.Fatalf("sensor 0 record = %+v", s.Sensors[0])
	}
}

func TestApplyWrites_ClampsToValidPair(t *testing.T) {
	p, ctrl := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})

	// On below the floor and Off above On: both must be pulled into a
	// valid hysteresis pair, and the canonical values written back.
	if err := p.StageThresholds(0, Thresholds{On: 0, Off: 500, Noise: 40}); err != nil {
		t.Fatalf("StageThresholds: %v", err)
	}
	p.ApplyWrites()

	got := ctrl.Config().Widgets[0]
	if got.OnThreshold != 1 || got.OffThreshold != 0 {
		t.Fatalf("applied pair on=%d off=%d, want 1/0", got.OnThreshold, got.OffThreshold)
	}
	s := decodeBuffer(t, p.Buffer())
	if s.Config[0].On != 1 || s.Config[0].Off != 0 {
		t.Fatalf("canonical write-back missing: %+v", s.Config[0])
	}
	// The untouched widget keeps its tuning.
	if s.Config[1].On != 50 {
		t.Fatalf("widget 1 disturbed: %+v", s.Config[1])
	}
}

func TestApplyWrites_NoopWhenClean(t *testing.T) {
	p, ctrl := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	p.ApplyWrites()
	if got := ctrl.Config().Widgets[0].OnThreshold; got != 50 {
		t.Fatalf("clean ApplyWrites changed config: on=%d", got)
	}
}

func TestApplyWrites_NeverRevertsAcceptedWrite(t *testing.T) {
	// A master write accepted while the foreground is applying must not be
	// clobbered by the canonical write-back: once the writer is done, the
	// last accepted values win.
	p, ctrl := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	off := p.Layout().WidgetConfigOff(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var b [6]byte
		for on := uint16(100); on < 1100; on++ {
			le.PutUint16(b[0:], on)
			le.PutUint16(b[2:], 30)
			le.PutUint16(b[4:], 40)
			if _, err := p.Buffer().WriteAt(b[:], off); err != nil {
				t.Errorf("WriteAt: %v", err)
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			p.ApplyWrites()
			w := ctrl.Config().Widgets[0]
			if w.OnThreshold != 1099 || w.OffThreshold != 30 || w.NoiseThreshold != 40 {
				t.Fatalf("thresholds = %d/%d/%d, want 1099/30/40",
					w.OnThreshold, w.OffThreshold, w.NoiseThreshold)
			}
			s := decodeBuffer(t, p.Buffer())
			if s.Config[0].On != 1099 {
				t.Fatalf("buffer reverted to stale config: %+v", s.Config[0])
			}
			return
		default:
			p.ApplyWrites()
		}
	}
}

func TestStageThresholds_UnknownWidget(t *testing.T) {
	p, _ := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	if err := p.StageThresholds(5, Thresholds{On: 50, Off: 20}); errcode.Of(err) != errcode.UnknownWidget {
		t.Fatalf("error = %v, want unknown_widget", err)
	}
}

// A concurrent master read may interleave with publishes but must never see
// half of one cycle and half of another.
func TestPublish_NoTornSnapshot(t *testing.T) {
	cfg := twoButtonConfig()
	script := make([][]uint16, 200)
	for i := range script {
		v := uint16(1000 + i)
		script[i] = []uint16{v, v}
	}
	p, ctrl := newTestPublisher(t, cfg, script)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		raw := make([]byte, p.Buffer().Len())
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := p.Buffer().ReadAt(raw, 0); err != nil {
				t.Errorf("ReadAt: %v", err)
				return
			}
			s, err := Decode(raw)
			if err != nil {
				t.Errorf("Decode: %v", err)
				return
			}
			if s.Sensors[0].Raw != s.Sensors[1].Raw {
				t.Errorf("torn snapshot at seq %d: raw %d vs %d",
					s.Seq, s.Sensors[0].Raw, s.Sensors[1].Raw)
				return
			}
		}
	}()

	for i := 0; i < len(script); i++ {
		runCycle(t, ctrl)
		p.ApplyWrites()
		p.Publish()
	}
	close(done)
	wg.Wait()
}

// -----------------------------------------------------------------------------
// Serial transport
// -----------------------------------------------------------------------------

func masterRead(t *testing.T, rw io.ReadWriter, off, n int) []byte {
	t.Helper()
	var req [5]byte
	req[0] = opRead
	le.PutUint16(req[1:], uint16(off))
	le.PutUint16(req[3:], uint16(n))
	if _, err := rw.Write(req[:]); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var rep [3]byte
	if _, err := io.ReadFull(rw, rep[:]); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	if rep[0] != repRead {
		t.Fatalf("reply op = %c", rep[0])
	}
	got := int(le.Uint16(rep[1:]))
	data := make([]byte, got)
	if _, err := io.ReadFull(rw, data); err != nil {
		t.Fatalf("read reply data: %v", err)
	}
	return data
}

func masterWrite(t *testing.T, rw io.ReadWriter, off int, p []byte) byte {
	t.Helper()
	req := make([]byte, 5+len(p))
	req[0] = opWrite
	le.PutUint16(req[1:], uint16(off))
	le.PutUint16(req[3:], uint16(len(p)))
	copy(req[5:], p)
	if _, err := rw.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var rep [2]byte
	if _, err := io.ReadFull(rw, rep[:]); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if rep[0] != repWrite {
		t.Fatalf("reply op = %c", rep[0])
	}
	return rep[1]
}

func TestSerialServer_ReadAndWriteFrames(t *testing.T) {
	p, _ := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	buf := p.Buffer()

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	srv := NewSerialServer(local)
	if err := srv.SetBuffer(buf); err != nil {
		t.Fatalf("SetBuffer: %v", err)
	}
	if err := srv.SetBuffer(buf); err == nil {
		t.Fatal("second SetBuffer accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	// Header read: magic and version must come back.
	hdr := masterRead(t, remote, 0, headerSize)
	if le.Uint16(hdr[offMagic:]) != Magic || hdr[offVersion] != Version {
		t.Fatalf("header = %v", hdr)
	}

	// Config window write is accepted and visible to a re-read.
	lay := p.Layout()
	var triple [6]byte
	le.PutUint16(triple[0:], 80)
	le.PutUint16(triple[2:], 30)
	le.PutUint16(triple[4:], 40)
	if status := masterWrite(t, remote, lay.WidgetConfigOff(0), triple[:]); status != 0 {
		t.Fatalf("config write status = %d", status)
	}
	back := masterRead(t, remote, lay.WidgetConfigOff(0), 6)
	if !bytes.Equal(back, triple[:]) {
		t.Fatalf("config read-back = %v, want %v", back, triple)
	}

	// Writes outside the window are refused with a nonzero status.
	if status := masterWrite(t, remote, 0, []byte{1, 2}); status == 0 {
		t.Fatal("header write accepted")
	}
	if !buf.TakeDirty() {
		t.Fatal("accepted master write must mark the buffer dirty")
	}
}

func TestSerialServer_ResyncsAfterLineGarbage(t *testing.T) {
	p, _ := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	srv := NewSerialServer(local)
	if err := srv.SetBuffer(p.Buffer()); err != nil {
		t.Fatalf("SetBuffer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	// Bytes that are not a frame start are skipped; the next real frame
	// is still serviced.
	if _, err := remote.Write([]byte{'X', 0, 0, 4, 0}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	hdr := masterRead(t, remote, 0, headerSize)
	if le.Uint16(hdr[offMagic:]) != Magic {
		t.Fatalf("header after garbage = %v", hdr)
	}

	// An implausible length is rejected with an empty reply, not by
	// tearing down the link.
	var req [5]byte
	req[0] = opRead
	le.PutUint16(req[3:], 60000)
	if _, err := remote.Write(req[:]); err != nil {
		t.Fatalf("write corrupt frame: %v", err)
	}
	var rep [3]byte
	if _, err := io.ReadFull(remote, rep[:]); err != nil {
		t.Fatalf("read reject reply: %v", err)
	}
	if rep[0] != repRead || le.Uint16(rep[1:]) != 0 {
		t.Fatalf("reject reply = %v", rep)
	}
	hdr = masterRead(t, remote, 0, headerSize)
	if le.Uint16(hdr[offMagic:]) != Magic {
		t.Fatalf("header after corrupt frame = %v", hdr)
	}
}

func TestSerialServer_RequiresBuffer(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	srv := NewSerialServer(local)
	if err := srv.Serve(context.Background()); errcode.Of(err) != errcode.InitFailed {
		t.Fatalf("Serve without buffer = %v, want init_failed", err)
	}
}

// -----------------------------------------------------------------------------
// Console
// -----------------------------------------------------------------------------

func TestConsole_SetAndShow(t *testing.T) {
	p, ctrl := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	runCycle(t, ctrl)
	p.Publish()

	in := strings.NewReader("set 0 80 30 45\nshow\nbogus\n")
	var out bytes.Buffer
	con := NewConsole(p.Buffer(), p.Layout(), in, &out)

	if err := con.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "ok (applies at next cycle)") {
		t.Fatalf("set did not acknowledge:\n%s", text)
	}
	// The console writes the staged values through the config window; the
	// show output reads them back before the cycle applies them.
	if !strings.Contains(text, "on=80 off=30 noise=45") {
		t.Fatalf("show missing staged thresholds:\n%s", text)
	}
	if !strings.Contains(text, "unknown command") {
		t.Fatalf("bad command not reported:\n%s", text)
	}

	// The staged values reach the controller at the cycle boundary.
	p.ApplyWrites()
	got := ctrl.Config().Widgets[0]
	if got.OnThreshold != 80 || got.OffThreshold != 30 || got.NoiseThreshold != 45 {
		t.Fatalf("applied = %+v", got)
	}
}

func TestConsole_SetRejectsOutOfRangeWidget(t *testing.T) {
	p, _ := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	in := strings.NewReader("set 9 80 30 45\n")
	var out bytes.Buffer
	con := NewConsole(p.Buffer(), p.Layout(), in, &out)
	if err := con.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "out of range") {
		t.Fatalf("expected range error, got:\n%s", out.String())
	}
}

// Decode must refuse a buffer that lies about its population.
func TestDecode_Validation(t *testing.T) {
	if _, err := Decode(make([]byte, 4)); errcode.Of(err) != errcode.ShortFrame {
		t.Fatal("short header accepted")
	}

	raw := make([]byte, headerSize)
	le.PutUint16(raw[offMagic:], Magic)
	raw[offVersion] = Version
	raw[offWidgets] = 4
	raw[offSensors] = 4
	if _, err := Decode(raw); errcode.Of(err) != errcode.ShortFrame {
		t.Fatal("truncated body accepted")
	}

	raw[offMagic] = 0
	if _, err := Decode(raw); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatal("bad magic accepted")
	}
}

// Guard against the publish path blocking forever if a transport access
// leaks the lock; a publish should complete promptly.
func TestPublish_CompletesQuickly(t *testing.T) {
	p, ctrl := newTestPublisher(t, twoButtonConfig(), [][]uint16{{1000, 1000}})
	runCycle(t, ctrl)

	done := make(chan struct{})
	go func() {
		p.Publish()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}
