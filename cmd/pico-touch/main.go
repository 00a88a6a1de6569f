//go:build rp2040 || rp2350

package main

import (
	"context"
	"machine"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"captouch-go/bus"
	"captouch-go/drivers/mpr121"
	"captouch-go/indicator"
	"captouch-go/scanengine"
	"captouch-go/services/config"
	"captouch-go/services/heartbeat"
	"captouch-go/services/touch"
	"captouch-go/tuner"
)

const deviceID = "pico-touch"

// Electrode wiring of the eval overlay: flat sensor index -> MPR121 channel.
var electrodeMap = []uint8{0, 1}

func main() {
	time.Sleep(3 * time.Second)
	println("[main] captouch boot …")

	ctx := context.WithValue(context.Background(), config.CtxDeviceKey, deviceID)

	b := bus.NewBus(8)
	cfgConn := b.NewConnection("config")
	hbConn := b.NewConnection("heartbeat")
	touchConn := b.NewConnection("touch")

	// I2C0 to the scan controller.
	i2c := machine.I2C0
	if err := i2c.Configure(machine.I2CConfig{
		SDA:       machine.GP4,
		SCL:       machine.GP5,
		Frequency: 400_000,
	}); err != nil {
		println("[main] FATAL: i2c configure:", err.Error())
		halt()
	}

	// UART0 carries the tuner register protocol to the host.
	u := uartx.UART0
	_ = u.Configure(uartx.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})
	transport := &serialTransport{
		srv: tuner.NewSerialServer(&uartLink{ctx: ctx, u: u}),
		ctx: ctx,
	}

	deps := touch.Deps{
		Engine: func(sensors int) (scanengine.Engine, error) {
			dev := mpr121.New(i2c)
			if err := dev.Configure(mpr121.Config{Electrodes: uint8(len(electrodeMap))}); err != nil {
				return nil, err
			}
			widgetSizes := make([]int, sensors)
			for i := range widgetSizes {
				widgetSizes[i] = 1
			}
			return mpr121.NewScanner(&dev, electrodeMap[:sensors], widgetSizes), nil
		},
		Indicator: indicatorFactory,
		Transport: transport,
	}

	println("[main] starting services …")
	config.NewConfigService().Start(ctx, cfgConn)
	_ = (&heartbeat.Service{}).Start(ctx, hbConn)

	// The touch service is the device's reason to exist. A fatal error
	// from it means the pipeline is down and the unit needs a power
	// cycle, so halt hard.
	if err := touch.Run(ctx, touchConn, deps); err != nil {
		println("[main] FATAL:", err.Error())
	}
	halt()
}

func indicatorFactory(pins []int) (indicator.Driver, error) {
	return indicator.NewPinDriver(pins)
}

func halt() {
	for {
		time.Sleep(time.Hour)
	}
}

// uartLink adapts uartx to the io.ReadWriter the tuner server expects.
type uartLink struct {
	ctx context.Context
	u   *uartx.UART
}

func (l *uartLink) Read(p []byte) (int, error)  { return l.u.RecvSomeContext(l.ctx, p) }
func (l *uartLink) Write(p []byte) (int, error) { return l.u.Write(p) }

// serialTransport defers serving until the snapshot buffer exists.
type serialTransport struct {
	srv *tuner.SerialServer
	ctx context.Context
}

func (t *serialTransport) SetBuffer(buf *tuner.Buffer) error {
	if err := t.srv.SetBuffer(buf); err != nil {
		return err
	}
	go func() {
		for {
			err := t.srv.Serve(t.ctx)
			if t.ctx.Err() != nil {
				return
			}
			if err != nil {
				println("[tuner] serve stopped, restarting:", err.Error())
			}
			time.Sleep(time.Second)
		}
	}()
	return nil
}
