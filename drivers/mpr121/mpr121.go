// Package mpr121 provides a driver for the MPR121 12-channel capacitive
// touch controller, exposed to the touch core as a scan engine.
//
// Datasheet: https://cdn-shop.adafruit.com/datasheets/MPR121.pdf
//
// The on-chip touch/release decision logic is deliberately left disabled
// in spirit: we only pull the 10-bit filtered electrode counts and let the
// host-side baseline and hysteresis logic decide. Auto-configuration is
// used so the chip picks sane charge current/time per electrode, which we
// read back for parasitic-capacitance estimates.
package mpr121

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// Errors returned by the driver.
var (
	ErrBadChannel = errors.New("mpr121: channel out of range")
	ErrNotPresent = errors.New("mpr121: device not responding")
	ErrNoCharge   = errors.New("mpr121: charge parameters not settled")
)

// Config controls device setup. All fields optional.
type Config struct {
	// Address defaults to 0x5A if zero.
	Address uint16
	// Electrodes is the number of channels to run, 1..12. Default 12.
	Electrodes uint8
}

// Device wraps an I2C connection to an MPR121.
type Device struct {
	bus        drivers.I2C
	Address    uint16
	electrodes uint8
	buf        [2]byte
}

// New creates the Device object only; call Configure before use.
func New(bus drivers.I2C) Device {
	return Device{bus: bus, Address: Address, electrodes: maxElectrodes}
}

// Configure resets the part and brings it into run mode with auto-config
// enabled. Returns ErrNotPresent if the part does not answer with its
// documented CONFIG2 reset value.
func (d *Device) Configure(cfg Config) error {
	if cfg.Address != 0 {
		d.Address = cfg.Address
	}
	if cfg.Electrodes != 0 {
		if cfg.Electrodes > maxElectrodes {
			cfg.Electrodes = maxElectrodes
		}
		d.electrodes = cfg.Electrodes
	}

	if err := d.writeReg(regSoftReset, softResetMagic); err != nil {
		return err
	}
	time.Sleep(1 * time.Millisecond)
	if err := d.writeReg(regECR, 0x00); err != nil {
		return err
	}

	v, err := d.readReg(regConfig2)
	if err != nil {
		return err
	}
	if v != 0x24 {
		return ErrNotPresent
	}

	// On-chip baseline filter: slow rise, quick fall. Kept mild since the
	// host tracker does the real work.
	seq := []struct{ reg, val uint8 }{
		{regMHDR, 0x01}, {regNHDR, 0x01}, {regNCLR, 0x0E}, {regFDLR, 0x00},
		{regMHDF, 0x01}, {regNHDF, 0x05}, {regNCLF, 0x01}, {regFDLF, 0x00},
		{regNHDT, 0x00}, {regNCLT, 0x00}, {regFDLT, 0x00},
		{regDebounce, 0x00},
		{regConfig1, 0x10}, // 16uA charge, 6 samples first-filter
		{regConfig2, 0x20}, // 0.5us charge time, 1ms sample interval
		// Auto-config limits for Vdd = 3.3V.
		{regAutoConfig0, 0x0B},
		{regUpLimit, 200},     // ((vdd - 0.7) / vdd) * 256
		{regTargetLimit, 180}, // UPLIMIT * 0.9
		{regLowLimit, 130},    // UPLIMIT * 0.65
	}
	for _, s := range seq {
		if err := d.writeReg(s.reg, s.val); err != nil {
			return err
		}
	}

	// Run mode with N electrodes enabled.
	return d.writeReg(regECR, 0x80+d.electrodes)
}

// Electrodes reports how many channels are running.
func (d *Device) Electrodes() int { return int(d.electrodes) }

// ReadFiltered returns the 10-bit second-stage filtered count for one channel.
func (d *Device) ReadFiltered(channel uint8) (uint16, error) {
	if channel >= maxElectrodes {
		return 0, ErrBadChannel
	}
	b := d.buf[:2]
	if err := d.bus.Tx(d.Address, []byte{regFiltData0L + channel*2}, b); err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// ReadBaseline returns the on-chip baseline for one channel (counts >> 2).
func (d *Device) ReadBaseline(channel uint8) (uint8, error) {
	if channel >= maxElectrodes {
		return 0, ErrBadChannel
	}
	return d.readReg(regBaseline0 + channel)
}

// TouchStatus returns the chip's own 12-bit touched mask. Informational
// only; detection normally happens host-side.
func (d *Device) TouchStatus() (uint16, error) {
	b := d.buf[:2]
	if err := d.bus.Tx(d.Address, []byte{regTouchStatusL}, b); err != nil {
		return 0, err
	}
	return (uint16(b[0]) | uint16(b[1])<<8) & 0x0FFF, nil
}

// ChargeParams returns the auto-configured charge current (uA) and charge
// time (ns) for one channel.
func (d *Device) ChargeParams(channel uint8) (currentUA uint8, timeNs uint32, err error) {
	if channel >= maxElectrodes {
		return 0, 0, ErrBadChannel
	}
	cdc, err := d.readReg(regChargeCurr0 + channel)
	if err != nil {
		return 0, 0, err
	}
	cdtReg, err := d.readReg(regChargeTime1 + channel/2)
	if err != nil {
		return 0, 0, err
	}
	cdt := cdtReg & 0x07
	if channel%2 == 1 {
		cdt = (cdtReg >> 4) & 0x07
	}
	cdc &= 0x3F
	if cdc == 0 || cdt == 0 {
		return 0, 0, ErrNoCharge
	}
	// t = 0.5us * 2^(CDT-1)
	return cdc, uint32(500) << (cdt - 1), nil
}

// EstimateCp estimates one channel's parasitic capacitance in femtofarads
// from the auto-configured charge parameters: C = I*t/V with V = Vdd - 0.7.
func (d *Device) EstimateCp(channel uint8) (uint32, error) {
	cdc, tNs, err := d.ChargeParams(channel)
	if err != nil {
		return 0, err
	}
	// fF = uA * ns / V; V = 2.6V for a 3.3V supply, scaled by 10 to stay
	// in integer math.
	return uint32(cdc) * tNs * 10 / 26, nil
}

// -----------------------------------------------------------------------------
// Register helpers
// -----------------------------------------------------------------------------

func (d *Device) readReg(reg uint8) (uint8, error) {
	b := d.buf[:1]
	if err := d.bus.Tx(d.Address, []byte{reg}, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

// writeReg writes a register. Most registers only accept writes in stop
// mode, so ECR is parked and restored around them.
func (d *Device) writeReg(reg, val uint8) error {
	if reg == regECR || (reg >= 0x73 && reg <= 0x7A) || reg == regSoftReset {
		return d.bus.Tx(d.Address, []byte{reg, val}, nil)
	}
	ecr, err := d.readReg(regECR)
	if err != nil {
		return err
	}
	if err := d.bus.Tx(d.Address, []byte{regECR, 0x00}, nil); err != nil {
		return err
	}
	if err := d.bus.Tx(d.Address, []byte{reg, val}, nil); err != nil {
		return err
	}
	return d.bus.Tx(d.Address, []byte{regECR, ecr}, nil)
}
