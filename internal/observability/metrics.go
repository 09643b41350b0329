package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for the physics/tick pipeline and
// provides a ready-made /metrics handler.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TickDuration     prometheus.Histogram
	SolverIterations prometheus.Histogram
	Divergences      prometheus.Counter
	TickOverruns     prometheus.Counter
	RegisterCommits  prometheus.Counter
	ActiveAlarms     prometheus.Gauge
	CurrentTick      prometheus.Gauge
}

// NewSimCollector registers simulation Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall time spent on one full simulation tick (physics, sensors, scans, snapshot).",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}), "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	iterations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_solver_iterations",
		Help:    "Newton iterations taken by the physics solver per tick.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
	}), "sim_solver_iterations")
	if err != nil {
		return nil, err
	}

	divergences, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_solver_divergences_total",
		Help: "Cumulative number of ticks the solver failed to converge on.",
	}), "sim_solver_divergences_total")
	if err != nil {
		return nil, err
	}

	tickOverruns, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_tick_overruns_total",
		Help: "Cumulative number of ticks whose compute time exceeded the tick period.",
	}), "sim_tick_overruns_total")
	if err != nil {
		return nil, err
	}

	commits, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_register_commits_total",
		Help: "Cumulative number of register file commits.",
	}), "sim_register_commits_total")
	if err != nil {
		return nil, err
	}

	alarms, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_alarms",
		Help: "Number of currently active alarms across all controllers.",
	}), "sim_active_alarms")
	if err != nil {
		return nil, err
	}

	tick, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_current_tick",
		Help: "Tick counter of the last completed simulation tick.",
	}), "sim_current_tick")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:         gatherer,
		TickDuration:     tickDuration,
		SolverIterations: iterations,
		Divergences:      divergences,
		TickOverruns:     tickOverruns,
		RegisterCommits:  commits,
		ActiveAlarms:     alarms,
		CurrentTick:      tick,
	}, nil
}

// ObserveTick records one completed tick.
func (c *SimCollector) ObserveTick(tick uint64, d time.Duration, iterations int, diverged bool) {
	if c == nil {
		return
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.SolverIterations != nil {
		c.SolverIterations.Observe(float64(iterations))
	}
	if diverged && c.Divergences != nil {
		c.Divergences.Inc()
	}
	if c.CurrentTick != nil {
		c.CurrentTick.Set(float64(tick))
	}
}

// IncCommits counts register file commits.
func (c *SimCollector) IncTickOverrun() {
	if c == nil || c.TickOverruns == nil {
		return
	}
	c.TickOverruns.Inc()
}

func (c *SimCollector) IncCommits() {
	if c == nil || c.RegisterCommits == nil {
		return
	}
	c.RegisterCommits.Inc()
}

// SetActiveAlarms updates the active alarm gauge.
func (c *SimCollector) SetActiveAlarms(n int) {
	if c == nil || c.ActiveAlarms == nil {
		return
	}
	c.ActiveAlarms.Set(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	var gatherer prometheus.Gatherer
	if c != nil {
		gatherer = c.gatherer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
