package capsense

import (
	"captouch-go/errcode"
)

// MeasureSensorCapacitance runs one self-test measurement for one electrode
// and records the result. A measurement failure is recorded on the sensor
// and returned, but never affects widget state.
func (c *Controller) MeasureSensorCapacitance(widget, sensor int) (uint32, error) {
	if widget < 0 || widget >= len(c.widgets) {
		return 0, errcode.UnknownWidget
	}
	w := &c.widgets[widget]
	if sensor < 0 || sensor >= w.count {
		return 0, errcode.InvalidParams
	}
	s := &c.sensors[w.first+sensor]

	cp, err := c.engine.MeasureCapacitance(widget, sensor)
	if err != nil {
		s.CpStatus = StatusDiagFault
		return 0, &errcode.E{C: errcode.DiagFailed, Op: "capsense.MeasureSensorCapacitance", Err: err}
	}
	s.CpFemto = cp
	s.CpStatus = StatusOK
	return cp, nil
}

// MeasureAllCapacitances runs the self-test pass over every electrode.
// Only call while the engine is idle, after Reporting. Failures are recorded
// per sensor; the pass always completes.
func (c *Controller) MeasureAllCapacitances() {
	if !c.cfg.Diagnostics {
		return
	}
	for wi := range c.widgets {
		for k := 0; k < c.widgets[wi].count; k++ {
			_, _ = c.MeasureSensorCapacitance(wi, k)
		}
	}
}
