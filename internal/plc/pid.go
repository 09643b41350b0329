package plc

// PID is a positional PID loop with clamped output and conditional
// integration for anti-windup: the integral term stops accumulating while
// the output sits on a limit and the error would push it further out.
type PID struct {
	Kp, Ki, Kd float64
	OutMin     float64
	OutMax     float64

	integral  float64
	prevErr   float64
	havePrev  bool
	saturated int // -1 low, 0 no, +1 high
}

// Update advances the loop by dt seconds and returns the clamped output.
func (p *PID) Update(err, dt float64) float64 {
	if dt <= 0 {
		dt = 1
	}

	if !(p.saturated > 0 && err > 0) && !(p.saturated < 0 && err < 0) {
		p.integral += err * dt
	}

	deriv := 0.0
	if p.havePrev {
		deriv = (err - p.prevErr) / dt
	}
	p.prevErr = err
	p.havePrev = true

	out := p.Kp*err + p.Ki*p.integral + p.Kd*deriv
	switch {
	case out > p.OutMax:
		p.saturated = 1
		return p.OutMax
	case out < p.OutMin:
		p.saturated = -1
		return p.OutMin
	default:
		p.saturated = 0
		return out
	}
}

// Reset clears accumulated state, for setpoint steps or mode changes.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.havePrev = false
	p.saturated = 0
}

// Debounce counts consecutive scans a condition holds and fires once the
// count reaches the threshold. The IEC on-delay timer pattern, in scans.
type Debounce struct {
	Scans int
	count int
}

// Tick feeds one scan's condition and reports whether the debounced
// condition is asserted.
func (d *Debounce) Tick(cond bool) bool {
	if !cond {
		d.count = 0
		return false
	}
	if d.count < d.Scans {
		d.count++
	}
	return d.count >= d.Scans
}

// Reset clears the accumulated count.
func (d *Debounce) Reset() { d.count = 0 }
