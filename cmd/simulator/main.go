// The simulator binary composes the full digital twin: physics engine,
// sensor bank, controller registry, tick scheduler, SCADA snapshot store,
// metrics endpoint and the external publication feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/config"
	"github.com/fluxline/pipetwin/internal/faults"
	"github.com/fluxline/pipetwin/internal/feed"
	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/internal/observability"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/internal/scada"
	"github.com/fluxline/pipetwin/internal/sched"
	"github.com/fluxline/pipetwin/internal/sensors"
	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
	"github.com/fluxline/pipetwin/timectrl"
)

type startupFaults struct {
	leakEdge    string
	leakRate    float64
	stuckSensor string
	faultPLC    string
}

func main() {
	configPath := flag.String("config", "", "path to the simulator config file (empty uses defaults)")
	topologyPath := flag.String("topology", "", "path to a topology file (overrides the config)")
	leakEdge := flag.String("leak-edge", "", "ID of an edge to start leaking at startup")
	leakRate := flag.Float64("leak-rate", 5.0, "leak rate in kg/s for -leak-edge")
	stuckSensor := flag.String("stuck-sensor", "", "sensor point to freeze at startup")
	faultPLC := flag.String("fault-plc", "", "controller ID to force into fault at startup")
	flag.Parse()

	sf := startupFaults{
		leakEdge:    *leakEdge,
		leakRate:    *leakRate,
		stuckSensor: *stuckSensor,
		faultPLC:    *faultPLC,
	}
	if err := run(*configPath, *topologyPath, sf); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, topologyPath string, sf startupFaults) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if topologyPath == "" {
		topologyPath = cfg.Topology
	}
	topo, err := loadTopology(topologyPath)
	if err != nil {
		return err
	}

	coreCfg := core.DefaultConfig()
	net, err := core.BuildNetwork(topo, coreCfg.LinepackCoeff)
	if err != nil {
		return fmt.Errorf("build network: %w", err)
	}
	engine := core.NewEngine(net, coreCfg, log)

	iom := iomap.Build(topo)
	file := registers.NewFile(iom.Layout())

	seed := cfg.Sensors.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	bank := sensors.NewBank(iom, seed)

	hub := scada.NewEventHub()
	ctrls, err := plc.DefaultControllers(topo)
	if err != nil {
		return fmt.Errorf("build controllers: %w", err)
	}
	reg, err := plc.NewRegistry(iom, log, hub.Sink(), ctrls...)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	store := scada.NewStore()
	agg := scada.NewAggregator(store, reg, hub, log)

	promReg := prometheus.NewRegistry()
	sim, err := observability.NewSimCollector(promReg)
	if err != nil {
		return fmt.Errorf("register sim metrics: %w", err)
	}
	scan, err := observability.NewScanCollector(promReg)
	if err != nil {
		return fmt.Errorf("register scan metrics: %w", err)
	}

	mode := timectrl.RealTime
	if cfg.Tick.Mode == "accelerated" {
		mode = timectrl.Accelerated
	}
	clock := timectrl.NewTickClock(time.Now().UTC(), cfg.Tick.Period.Std(), mode)
	defer clock.Stop()

	sch, err := sched.New(sched.Config{
		SensorEvery:       cfg.Scheduler.SensorEvery,
		OverrunFaultAfter: cfg.Scheduler.OverrunFaultAfter,
	}, clock, engine, bank, file, iom, reg, store, log, sim, scan)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	injector := faults.NewInjector(bank, engine, reg, log)
	if err := applyStartupFaults(injector, sf); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           opsMux(sim, agg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics server failed", logging.Err(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if cfg.Feed.Listen != "" {
		pub, err := feed.NewPublisher(cfg.Feed.Listen, log)
		if err != nil {
			return fmt.Errorf("open feed: %w", err)
		}
		defer pub.Close()
		go pub.Run(ctx, store, hub.Subscribe(256), cfg.Feed.Interval.Std())
	}

	log.Info(ctx, "simulator starting",
		logging.Int("nodes", len(net.NodeIDs)),
		logging.Int("edges", len(net.EdgeIDs)),
		logging.Int("controllers", len(reg.Instances())),
		logging.Duration("period", cfg.Tick.Period.Std()),
		logging.String("mode", mode.String()))

	err = sch.Run(ctx)
	log.Info(context.Background(), "simulator stopped", logging.Uint64("ticks", clock.Tick()))
	return err
}

func loadTopology(path string) (*model.Topology, error) {
	if path == "" {
		return model.DefaultTopology(), nil
	}
	topo, err := model.LoadTopologyFile(path)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	return topo, nil
}

func applyStartupFaults(injector *faults.Injector, sf startupFaults) error {
	if sf.leakEdge != "" {
		err := injector.Enable(faults.Injection{
			Name:   "startup-leak",
			Kind:   faults.EdgeLeak,
			Target: sf.leakEdge,
			Rate:   sf.leakRate,
		})
		if err != nil {
			return fmt.Errorf("enable startup leak: %w", err)
		}
	}
	if sf.stuckSensor != "" {
		err := injector.Enable(faults.Injection{
			Name:   "startup-stuck-sensor",
			Kind:   faults.SensorStuck,
			Target: sf.stuckSensor,
		})
		if err != nil {
			return fmt.Errorf("enable stuck sensor: %w", err)
		}
	}
	if sf.faultPLC != "" {
		err := injector.Enable(faults.Injection{
			Name:   "startup-plc-fault",
			Kind:   faults.PLCFault,
			Target: sf.faultPLC,
		})
		if err != nil {
			return fmt.Errorf("enable plc fault: %w", err)
		}
	}
	return nil
}

// opsMux serves Prometheus metrics plus a read-only JSON view of the latest
// snapshot for ad-hoc inspection. The supervisory feed proper is the mangos
// publisher.
func opsMux(sim *observability.SimCollector, agg *scada.Aggregator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sim.Handler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap := agg.GetSnapshot()
		if snap == nil {
			http.Error(w, "no snapshot published yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}
