// services/touch/service.go
package touch

import (
	"context"
	"encoding/json"
	"time"

	"captouch-go/bus"
	"captouch-go/capsense"
	"captouch-go/errcode"
	"captouch-go/indicator"
	"captouch-go/scanengine"
	"captouch-go/tuner"
	"captouch-go/x/timex"
)

// -----------------------------------------------------------------------------
// Cycle phases
// -----------------------------------------------------------------------------

// Phase is the acquisition cycle state. The cycle is infinite once
// configured: Scanning → ReadyToProcess → Processing → Reporting → Scanning.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseReadyToProcess
	PhaseProcessing
	PhaseReporting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseReadyToProcess:
		return "ready"
	case PhaseProcessing:
		return "processing"
	case PhaseReporting:
		return "reporting"
	default:
		return "?"
	}
}

// -----------------------------------------------------------------------------
// Configuration (JSON on config/touch)
// -----------------------------------------------------------------------------

type WidgetConfig struct {
	Name    string `json:"name"`
	Sensors int    `json:"sensors"`
	On      uint16 `json:"on"`
	Off     uint16 `json:"off"`
	Noise   uint16 `json:"noise"`
	Pin     int    `json:"pin"` // indicator output
}

type Config struct {
	PollHz        uint32         `json:"poll_hz"`
	BaselineShift uint8          `json:"baseline_shift"`
	MaxRaw        uint16         `json:"max_raw"`
	Diagnostics   bool           `json:"diagnostics"`
	Widgets       []WidgetConfig `json:"widgets"`
}

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

// Deps are the hardware factories injected by the entry point. Factories run
// once, when the retained config arrives.
type Deps struct {
	Engine    func(sensors int) (scanengine.Engine, error)
	Indicator func(pins []int) (indicator.Driver, error)

	// Transport is the slave peripheral the snapshot is registered with.
	// Optional; nil means telemetry stays bus-local.
	Transport tuner.Transport
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type service struct {
	conn *bus.Connection
	deps Deps

	ctrl *capsense.Controller
	pub  *tuner.Publisher
	out  indicator.Driver

	phase      Phase
	poll       time.Duration
	lastActive []bool
}

// Run is the acquisition cycle controller. It waits for the retained touch
// config, brings the pipeline up once, then cycles forever. Any failure of a
// required subsystem is non-recoverable: Run publishes a fatal state and
// returns the error so the entry point can halt the device.
func Run(ctx context.Context, conn *bus.Connection, deps Deps) error {
	s := &service{conn: conn, deps: deps, phase: PhaseIdle}
	return s.loop(ctx)
}

func (s *service) loop(ctx context.Context) error {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "touch"})
	ctrlSub := s.conn.Subscribe(bus.Topic{"touch", "widget", "+", "control", "+"})
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config", nil)

	// Armed with the real poll period once configured.
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.publishState("stopped", "context_cancelled", nil)
			return nil

		case msg := <-cfgSub.Channel():
			if s.ctrl != nil {
				// Init/Enable are one-shot; a second config is a caller bug,
				// not a reconfiguration path.
				s.publishState("error", "already_configured", nil)
				continue
			}
			var cfg Config
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			if err := s.bringUp(cfg); err != nil {
				s.publishState("fatal", "bringup_failed", err)
				return err
			}
			tick.Reset(s.poll)
			s.publishState("ready", "scanning", nil)

		case msg := <-ctrlSub.Channel():
			s.handleControl(msg)

		case <-tick.C:
			if s.ctrl == nil {
				continue
			}
			if err := s.step(); err != nil {
				s.publishState("fatal", "cycle_failed", err)
				return err
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Bring-up (one-shot)
// -----------------------------------------------------------------------------

func (s *service) bringUp(cfg Config) error {
	ccfg := capsense.DefaultConfig()
	if cfg.BaselineShift != 0 {
		ccfg.BaselineShift = cfg.BaselineShift
	}
	if cfg.MaxRaw != 0 {
		ccfg.MaxRawCount = cfg.MaxRaw
	}
	ccfg.Diagnostics = cfg.Diagnostics
	pins := make([]int, 0, len(cfg.Widgets))
	for _, w := range cfg.Widgets {
		n := w.Sensors
		if n == 0 {
			n = 1
		}
		ccfg.Widgets = append(ccfg.Widgets, capsense.WidgetConfig{
			Name:           w.Name,
			Sensors:        n,
			OnThreshold:    w.On,
			OffThreshold:   w.Off,
			NoiseThreshold: w.Noise,
		})
		pins = append(pins, w.Pin)
	}

	engine, err := s.deps.Engine(ccfg.NumSensors())
	if err != nil {
		return &errcode.E{C: errcode.InitFailed, Op: "touch.bringUp", Err: err}
	}
	ctrl, err := capsense.New(engine, ccfg)
	if err != nil {
		return err
	}
	out, err := s.deps.Indicator(pins)
	if err != nil {
		return &errcode.E{C: errcode.InitFailed, Op: "touch.bringUp", Err: err}
	}

	if err := ctrl.Init(); err != nil {
		return err
	}
	if err := ctrl.Enable(); err != nil {
		return err
	}

	pub := tuner.NewPublisher(ctrl)
	if s.deps.Transport != nil {
		if err := s.deps.Transport.SetBuffer(pub.Buffer()); err != nil {
			return &errcode.E{C: errcode.InitFailed, Op: "touch.bringUp", Err: err}
		}
	}
	// Seed a complete snapshot before the first cycle so an early external
	// read never sees zeroed config.
	pub.Publish()

	s.ctrl = ctrl
	s.pub = pub
	s.out = out
	s.poll = timex.PeriodFromHz(cfg.PollHz)
	s.lastActive = make([]bool, len(ccfg.Widgets))

	if err := ctrl.StartScan(); err != nil {
		return err
	}
	s.phase = PhaseScanning
	return nil
}

// -----------------------------------------------------------------------------
// Cycle
// -----------------------------------------------------------------------------

// step advances the state machine by at most one cycle. It never blocks:
// while a measurement is in flight it only checks the completion status.
func (s *service) step() error {
	switch s.phase {
	case PhaseScanning:
		if !s.ctrl.ScanComplete() {
			return nil
		}
		s.phase = PhaseReadyToProcess
		fallthrough
	case PhaseReadyToProcess:
		s.phase = PhaseProcessing
		s.ctrl.ProcessAllWidgets()

		s.phase = PhaseReporting
		if err := s.report(); err != nil {
			return err
		}
		s.ctrl.MeasureAllCapacitances()

		if err := s.ctrl.StartScan(); err != nil {
			return err
		}
		s.phase = PhaseScanning
	}
	return nil
}

// report runs the Reporting phase: accepted tuner writes are applied first
// so the published snapshot reflects them, indicators are re-driven from the
// latest widget state, and the snapshot is published strictly before the
// next scan starts.
func (s *service) report() error {
	s.pub.ApplyWrites()

	now := timex.NowMs()
	for i := range s.lastActive {
		active := s.ctrl.WidgetActive(i)
		if err := s.out.Set(i, active); err != nil {
			return &errcode.E{C: errcode.Error, Op: "touch.report", Msg: "indicator write failed", Err: err}
		}
		if active != s.lastActive[i] {
			s.lastActive[i] = active
			s.conn.Publish(s.conn.NewMessage(
				widgetTopic(i, "event"),
				map[string]any{"active": active, "ts_ms": now},
				false,
			))
			s.pubRet(widgetTopic(i, "state"),
				map[string]any{"active": active, "ts_ms": now})
		}
	}

	s.pub.Publish()
	return nil
}

// -----------------------------------------------------------------------------
// Control plane
// -----------------------------------------------------------------------------

func (s *service) handleControl(msg *bus.Message) {
	// touch/widget/<id:int>/control/<method>
	if msg.Topic.Len() < 5 {
		return
	}
	idx, ok := asInt(msg.Topic.At(2))
	if !ok {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}
	method, _ := msg.Topic.At(4).(string)

	if s.ctrl == nil {
		s.replyErr(msg, errcode.NotEnabled)
		return
	}

	switch method {
	case "set_threshold":
		var p struct {
			On    uint16 `json:"on"`
			Off   uint16 `json:"off"`
			Noise uint16 `json:"noise"`
		}
		if err := decodeJSON(msg.Payload, &p); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		err := s.pub.StageThresholds(idx, tuner.Thresholds{On: p.On, Off: p.Off, Noise: p.Noise})
		if err != nil {
			s.replyErr(msg, errcode.Of(err))
			return
		}
		s.replyOK(msg, map[string]any{"applies": "next_cycle"})

	case "read":
		if idx < 0 || idx >= len(s.lastActive) {
			s.replyErr(msg, errcode.UnknownWidget)
			return
		}
		s.replyOK(msg, map[string]any{
			"active": s.ctrl.WidgetActive(idx),
			"phase":  s.phase.String(),
			"scans":  s.ctrl.ScanCount(),
			"ts_ms":  timex.NowMs(),
		})

	default:
		s.replyErr(msg, errcode.Unsupported)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func widgetTopic(i int, rest ...any) bus.Topic {
	base := bus.Topic{"touch", "widget", i}
	return append(base, rest...)
}

func (s *service) publishState(level, status string, err error) {
	payload := map[string]any{"level": level, "status": status, "phase": s.phase.String(), "ts_ms": timex.NowMs()}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(bus.Topic{"touch", "state"}, payload, true))
}

func (s *service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}

func (s *service) replyOK(req *bus.Message, extra map[string]any) {
	if len(req.ReplyTo) == 0 {
		return
	}
	m := map[string]any{"ok": true}
	for k, v := range extra {
		m[k] = v
	}
	s.conn.Reply(req, m, false)
}

func (s *service) replyErr(req *bus.Message, c errcode.Code) {
	if len(req.ReplyTo) == 0 {
		return
	}
	s.conn.Reply(req, map[string]any{"ok": false, "error": string(c)}, false)
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		// Accept maps, structs, numbers… by marshaling then decoding to T.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

func asInt(t any) (int, bool) {
	switch v := t.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
