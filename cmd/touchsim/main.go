// touchsim runs the whole touch pipeline on a host machine against a
// synthetic scan engine: two buttons get "pressed" on a fixed schedule,
// indicator changes go to stdout (or to GPIO character-device lines with
// -gpiochip), and the tuner console is attached to
// stdin so thresholds can be inspected and retuned live. With -broker set,
// telemetry is additionally uplinked over MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"captouch-go/bus"
	"captouch-go/indicator"
	"captouch-go/scanengine"
	"captouch-go/services/bridge"
	"captouch-go/services/config"
	"captouch-go/services/heartbeat"
	"captouch-go/services/touch"
	"captouch-go/tuner"
)

const deviceID = "sim"

func main() {
	broker := flag.String("broker", "", "MQTT broker URL for telemetry uplink (optional)")
	gpiochip := flag.String("gpiochip", "", "GPIO character device for real LEDs, e.g. gpiochip0 (default: stdout)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(
		context.WithValue(context.Background(), config.CtxDeviceKey, deviceID),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(16)
	cfgConn := b.NewConnection("config")
	hbConn := b.NewConnection("heartbeat")
	touchConn := b.NewConnection("touch")

	eng := newSimEngine(2)
	go eng.pressSchedule(ctx)

	deps := touch.Deps{
		Engine: func(sensors int) (scanengine.Engine, error) {
			if sensors != eng.sensors {
				return nil, fmt.Errorf("sim wired for %d sensors, config wants %d", eng.sensors, sensors)
			}
			return eng, nil
		},
		Indicator: func(pins []int) (indicator.Driver, error) {
			if *gpiochip != "" {
				return indicator.NewLineDriver(*gpiochip, pins)
			}
			return &stdoutIndicator{}, nil
		},
		Transport: &consoleTransport{ctx: ctx},
	}

	config.NewConfigService().Start(ctx, cfgConn)
	_ = (&heartbeat.Service{}).Start(ctx, hbConn)

	if *broker != "" {
		bridgeConn := b.NewConnection("bridge")
		go bridge.Start(ctx, bridgeConn)
		cfgConn.Publish(&bus.Message{
			Topic:    bus.Topic{"config", "bridge"},
			Payload:  map[string]any{"broker": *broker, "base_topic": "touchsim"},
			Retained: true,
		})
	}

	if err := touch.Run(ctx, touchConn, deps); err != nil {
		fmt.Fprintln(os.Stderr, "touchsim: fatal:", err)
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------
// Synthetic scan engine
// -----------------------------------------------------------------------------

// simEngine produces a noisy idle level per electrode and adds a touch
// delta while a scheduled press is active.
type simEngine struct {
	sensors  int
	raw      []uint16
	complete func()
	busy     atomic.Bool
	inited   bool

	pressed []atomic.Bool
	rng     *rand.Rand
}

func newSimEngine(sensors int) *simEngine {
	return &simEngine{
		sensors: sensors,
		pressed: make([]atomic.Bool, sensors),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *simEngine) Init(raw []uint16, complete func()) error {
	if e.inited {
		return fmt.Errorf("sim engine already initialised")
	}
	if len(raw) != e.sensors {
		return fmt.Errorf("raw slab size %d, want %d", len(raw), e.sensors)
	}
	e.raw = raw
	e.complete = complete
	e.inited = true
	return nil
}

func (e *simEngine) BeginScan() error {
	if !e.inited {
		return fmt.Errorf("sim engine not initialised")
	}
	if !e.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("scan in flight")
	}
	go func() {
		time.Sleep(200 * time.Microsecond)
		for i := 0; i < e.sensors; i++ {
			v := uint16(1000 + e.rng.Intn(9) - 4)
			if e.pressed[i].Load() {
				v += 120
			}
			e.raw[i] = v
		}
		e.busy.Store(false)
		e.complete()
	}()
	return nil
}

func (e *simEngine) Busy() bool { return e.busy.Load() }

func (e *simEngine) MeasureCapacitance(widget, sensor int) (uint32, error) {
	// Nominal 10pF pad plus a per-electrode spread.
	return 10_000 + uint32(widget*500+sensor*100), nil
}

// pressSchedule pokes each button in turn: 1s idle, 1s pressed.
func (e *simEngine) pressSchedule(ctx context.Context) {
	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		e.pressed[i].Store(true)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		e.pressed[i].Store(false)
		i = (i + 1) % e.sensors
	}
}

// -----------------------------------------------------------------------------
// Host-side stand-ins
// -----------------------------------------------------------------------------

type stdoutIndicator struct{}

func (*stdoutIndicator) Set(widget int, on bool) error {
	state := "off"
	if on {
		state = "ON"
	}
	fmt.Printf("[led] widget %d %s\n", widget, state)
	return nil
}

func (*stdoutIndicator) Close() error { return nil }

// consoleTransport attaches the tuner console to stdin once the snapshot
// buffer exists.
type consoleTransport struct {
	ctx context.Context
}

func (t *consoleTransport) SetBuffer(buf *tuner.Buffer) error {
	lay, err := tuner.ReadLayout(buf)
	if err != nil {
		return err
	}
	con := tuner.NewConsole(buf, lay, os.Stdin, os.Stdout)
	go func() {
		if err := con.Run(t.ctx); err != nil {
			fmt.Fprintln(os.Stderr, "console:", err)
		}
	}()
	return nil
}
