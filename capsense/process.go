package capsense

// ProcessAllWidgets converts the latest raw counts into baselines,
// difference counts and widget states. Precondition: the scan engine is
// idle (ScanComplete observed). Per-sensor anomalies are contained to their
// widget; siblings process normally.
func (c *Controller) ProcessAllWidgets() {
	for wi := range c.widgets {
		c.processWidget(wi)
	}
	c.scans++
}

func (c *Controller) processWidget(wi int) {
	w := &c.widgets[wi]
	cfg := &c.cfg.Widgets[wi]

	var peak uint16
	outOfRange := false

	for si := w.first; si < w.first+w.count; si++ {
		s := &c.sensors[si]
		raw := c.raw[si]

		if raw > c.cfg.MaxRawCount {
			// Implausible measurement: keep the baseline, report no signal.
			s.Raw = raw
			s.Diff = 0
			s.Status = StatusOutOfRange
			outOfRange = true
			continue
		}

		s.Raw = raw
		s.Status = StatusOK
		s.track(cfg.NoiseThreshold, c.cfg.BaselineShift)

		if s.Raw > s.Baseline {
			s.Diff = s.Raw - s.Baseline
		} else {
			s.Diff = 0
		}
		if s.Diff > peak {
			peak = s.Diff
		}
	}

	switch {
	case outOfRange:
		w.Active = false
	case !w.Active && peak >= cfg.OnThreshold:
		w.Active = true
	case w.Active && peak <= cfg.OffThreshold:
		w.Active = false
	}
	// Between the thresholds the previous state holds.
}

// track moves the baseline toward the raw count by delta>>shift, minimum 1,
// so a constant input converges exactly. A positive deviation above the
// noise threshold is a touch candidate and holds the reference instead of
// absorbing it.
func (s *Sensor) track(noiseTh uint16, shift uint8) {
	if !s.primed {
		s.Baseline = s.Raw
		s.primed = true
		return
	}
	switch {
	case s.Raw > s.Baseline:
		d := s.Raw - s.Baseline
		if d > noiseTh {
			return
		}
		step := d >> shift
		if step == 0 {
			step = 1
		}
		s.Baseline += step
	case s.Raw < s.Baseline:
		d := s.Baseline - s.Raw
		step := d >> shift
		if step == 0 {
			step = 1
		}
		s.Baseline -= step
	}
}
