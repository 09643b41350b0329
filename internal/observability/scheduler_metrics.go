package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScanCollector exposes per-controller scan metrics.
type ScanCollector struct {
	gatherer prometheus.Gatherer

	ScanDuration *prometheus.HistogramVec
	Overruns     *prometheus.CounterVec
	Faulted      *prometheus.GaugeVec
	Rejections   *prometheus.CounterVec
}

// NewScanCollector registers scan metrics against the provided registerer.
func NewScanCollector(reg prometheus.Registerer) (*ScanCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plc_scan_duration_seconds",
		Help:    "Wall time of one controller scan cycle.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
	}, []string{"plc"})
	durations, err := registerHistogramVec(reg, durations, "plc_scan_duration_seconds")
	if err != nil {
		return nil, err
	}

	overruns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_scan_overruns_total",
		Help: "Cumulative number of scans that overran their configured period.",
	}, []string{"plc"})
	overruns, err = registerCounterVec(reg, overruns, "plc_scan_overruns_total")
	if err != nil {
		return nil, err
	}

	faulted := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plc_faulted",
		Help: "1 while a controller sits in its terminal Fault state.",
	}, []string{"plc"})
	faulted, err = registerGaugeVec(reg, faulted, "plc_faulted")
	if err != nil {
		return nil, err
	}

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scada_command_rejections_total",
		Help: "Operator commands rejected, labeled by reason code.",
	}, []string{"reason"})
	rejections, err = registerCounterVec(reg, rejections, "scada_command_rejections_total")
	if err != nil {
		return nil, err
	}

	return &ScanCollector{
		gatherer:     gatherer,
		ScanDuration: durations,
		Overruns:     overruns,
		Faulted:      faulted,
		Rejections:   rejections,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ScanCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveScan records one scan cycle's wall duration.
func (c *ScanCollector) ObserveScan(plc string, d time.Duration) {
	if c == nil || c.ScanDuration == nil {
		return
	}
	c.ScanDuration.WithLabelValues(plc).Observe(d.Seconds())
}

// IncOverrun counts a period overrun for a controller.
func (c *ScanCollector) IncOverrun(plc string) {
	if c == nil || c.Overruns == nil {
		return
	}
	c.Overruns.WithLabelValues(plc).Inc()
}

// SetFaulted tracks a controller's Fault state.
func (c *ScanCollector) SetFaulted(plc string, faulted bool) {
	if c == nil || c.Faulted == nil {
		return
	}
	v := 0.0
	if faulted {
		v = 1.0
	}
	c.Faulted.WithLabelValues(plc).Set(v)
}

// IncRejection counts a rejected operator command by reason code.
func (c *ScanCollector) IncRejection(reason string) {
	if c == nil || c.Rejections == nil {
		return
	}
	c.Rejections.WithLabelValues(reason).Inc()
}
