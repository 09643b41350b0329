package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/faults"
	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/internal/scada"
	"github.com/fluxline/pipetwin/internal/sensors"
	"github.com/fluxline/pipetwin/model"
)

func TestLoadTopologyDefaults(t *testing.T) {
	topo, err := loadTopology("")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTopology().Name, topo.Name)
	assert.NotEmpty(t, topo.Nodes)
	assert.NotEmpty(t, topo.Edges)
}

func TestLoadTopologyMissingFile(t *testing.T) {
	_, err := loadTopology(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func newTwin(t *testing.T) (*core.Engine, *sensors.Bank, *plc.Registry, *scada.Aggregator, *scada.Store) {
	t.Helper()
	topo := model.DefaultTopology()
	net, err := core.BuildNetwork(topo, core.DefaultConfig().LinepackCoeff)
	require.NoError(t, err)
	engine := core.NewEngine(net, core.DefaultConfig(), logging.Noop())

	iom := iomap.Build(topo)
	bank := sensors.NewBank(iom, 1)

	hub := scada.NewEventHub()
	ctrls, err := plc.DefaultControllers(topo)
	require.NoError(t, err)
	reg, err := plc.NewRegistry(iom, logging.Noop(), hub.Sink(), ctrls...)
	require.NoError(t, err)

	store := scada.NewStore()
	return engine, bank, reg, scada.NewAggregator(store, reg, hub, logging.Noop()), store
}

func TestApplyStartupFaults(t *testing.T) {
	engine, bank, reg, _, _ := newTwin(t)
	injector := faults.NewInjector(bank, engine, reg, logging.Noop())

	err := applyStartupFaults(injector, startupFaults{
		leakEdge:    "pipe-4",
		leakRate:    3.0,
		stuckSensor: "junction-3.pressure",
		faultPLC:    "pressure_control",
	})
	require.NoError(t, err)

	names := make([]string, 0, 3)
	for _, inj := range injector.Active() {
		names = append(names, inj.Name)
	}
	assert.Equal(t, []string{"startup-leak", "startup-plc-fault", "startup-stuck-sensor"}, names)

	inst, ok := reg.Get("pressure_control")
	require.True(t, ok)
	assert.Equal(t, plc.ModeFaulted, inst.Mode())
}

func TestApplyStartupFaultsRejectsUnknownEdge(t *testing.T) {
	engine, bank, reg, _, _ := newTwin(t)
	injector := faults.NewInjector(bank, engine, reg, logging.Noop())

	err := applyStartupFaults(injector, startupFaults{leakEdge: "no-such-edge", leakRate: 3.0})
	assert.Error(t, err)
}

func TestOpsMuxSnapshotEndpoint(t *testing.T) {
	_, _, _, agg, store := newTwin(t)
	mux := opsMux(nil, agg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store.Publish(&scada.Snapshot{Tick: 7})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap scada.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(7), snap.Tick)
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tick:\n  mode: turbo\n"), 0o644))
	assert.Error(t, run(path, "", startupFaults{}))
}
