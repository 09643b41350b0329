package plc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
)

// harness runs a single instance against a register file, committing
// around each scan the way the scheduler does.
type harness struct {
	t    *testing.T
	m    *iomap.Map
	f    *registers.File
	inst *Instance
	tick uint64
}

func newHarness(t *testing.T, c Controller) *harness {
	t.Helper()
	m := iomap.Build(model.DefaultTopology())
	inst, err := NewInstance(c, m, nil, nil)
	require.NoError(t, err)
	return &harness{t: t, m: m, f: registers.NewFile(m.Layout()), inst: inst}
}

// scan commits staged inputs, runs one scan, and commits outputs.
func (h *harness) scan() {
	h.t.Helper()
	h.f.Commit()
	h.tick++
	h.inst.Scan(h.tick, 0.1, h.f)
	h.f.Commit()
	require.NotEqual(h.t, ModeFaulted, h.inst.Mode(), "instance faulted: %s", h.inst.FaultReason())
}

func (h *harness) in(name string, v float64)  { writeAnalog(h.t, h.f, h.m, name, v) }
func (h *harness) inBit(name string, v bool)  { writeBit(h.t, h.f, h.m, name, v) }
func (h *harness) out(name string) float64    { return readAnalog(h.t, h.f, h.m, name) }
func (h *harness) outBit(name string) bool    { return readBit(h.t, h.f, h.m, name) }
func (h *harness) alarmActive(name string) bool {
	for _, a := range h.inst.Alarms().Active() {
		if a.Name == name {
			return true
		}
	}
	return false
}

func TestPressureControlDrivesValveTarget(t *testing.T) {
	h := newHarness(t, NewPressureControl("junction-3"))

	// At setpoint the target sits near half travel.
	h.in(iomap.PressureOf("junction-3"), 70)
	h.scan()
	assert.InDelta(t, 0.5, h.out(iomap.HRValveTarget), 0.05)

	// Sustained overpressure opens the relief path.
	for i := 0; i < 20; i++ {
		h.in(iomap.PressureOf("junction-3"), 80)
		h.scan()
	}
	assert.Greater(t, h.out(iomap.HRValveTarget), 0.6)

	// Sustained low pressure chokes it back.
	for i := 0; i < 60; i++ {
		h.in(iomap.PressureOf("junction-3"), 60)
		h.scan()
	}
	assert.Less(t, h.out(iomap.HRValveTarget), 0.4)
}

func TestPressureControlDeviationAlarm(t *testing.T) {
	h := newHarness(t, NewPressureControl("junction-3"))
	for i := 0; i < 9; i++ {
		h.in(iomap.PressureOf("junction-3"), 55)
		h.scan()
		assert.False(t, h.alarmActive("pressure.deviation"), "alarm before debounce window elapsed")
	}
	h.in(iomap.PressureOf("junction-3"), 55)
	h.scan()
	assert.True(t, h.alarmActive("pressure.deviation"))
}

func TestFlowRegulationTotalizer(t *testing.T) {
	h := newHarness(t, NewFlowRegulation("pipe-6"))

	for i := 0; i < 10; i++ {
		h.in(iomap.FlowOf("pipe-6"), 40)
		h.scan()
	}
	// Every=2 means Dt is 0.2 s per scan: 10 scans of 40 kg/s.
	assert.InDelta(t, 10*40*0.2, h.out(iomap.HRFlowTotalizer), 1e-9)
	assert.False(t, h.alarmActive("flow.deviation"))

	for i := 0; i < 6; i++ {
		h.in(iomap.FlowOf("pipe-6"), 20)
		h.scan()
	}
	assert.True(t, h.alarmActive("flow.deviation"))
}

func compressorHarness(t *testing.T) *harness {
	return newHarness(t, NewCompressorManagement(
		"junction-2", "compressor-1", []string{"cmp-a", "cmp-b"}, 1.6))
}

// feedHealthy stages nominal station inputs for both units.
func (h *harness) feedHealthy() {
	h.in(iomap.PressureOf("junction-2"), 52)
	h.in(iomap.PressureOf("compressor-1"), 60)
	for _, u := range []string{"cmp-a", "cmp-b"} {
		h.in(iomap.VibrationOf(u), 2.0)
		h.in(iomap.OilTempOf(u), 70)
		h.inBit(iomap.RunningOf(u), h.outBitUncommitted(iomap.RunCommandOf(u)))
	}
}

// outBitUncommitted reads the committed run command, defaulting lead unit
// behavior on the very first scan.
func (h *harness) outBitUncommitted(name string) bool {
	p := h.m.MustLookup(name)
	v, err := h.f.ReadBit(p.Class, p.Addr)
	require.NoError(h.t, err)
	return v || h.tick == 0
}

func TestCompressorDutyRunsSingleLeadUnit(t *testing.T) {
	h := compressorHarness(t)
	for i := 0; i < 5; i++ {
		h.feedHealthy()
		h.scan()
	}
	a := h.outBit(iomap.RunCommandOf("cmp-a"))
	b := h.outBit(iomap.RunCommandOf("cmp-b"))
	assert.True(t, a != b, "exactly one unit must carry the station")
	assert.True(t, a, "unit a leads from a cold start")
	assert.Equal(t, 1.2, h.out(iomap.RatioCommandOf("cmp-a")))
	assert.Equal(t, 1.0, h.out(iomap.RatioCommandOf("cmp-b")))
}

func TestCompressorTripFailsOverWithinTwoScans(t *testing.T) {
	h := compressorHarness(t)
	for i := 0; i < 3; i++ {
		h.feedHealthy()
		h.scan()
	}
	require.True(t, h.outBit(iomap.RunCommandOf("cmp-a")))

	// Vibration out of envelope on the lead unit for two scans trips it.
	for i := 0; i < 2; i++ {
		h.in(iomap.PressureOf("junction-2"), 52)
		h.in(iomap.PressureOf("compressor-1"), 60)
		h.in(iomap.VibrationOf("cmp-a"), 8.0)
		h.in(iomap.OilTempOf("cmp-a"), 70)
		h.inBit(iomap.RunningOf("cmp-a"), true)
		h.in(iomap.VibrationOf("cmp-b"), 2.0)
		h.in(iomap.OilTempOf("cmp-b"), 70)
		h.inBit(iomap.RunningOf("cmp-b"), false)
		h.scan()
	}

	assert.True(t, h.outBit(iomap.TripRelayOf("cmp-a")), "unit a must latch its trip relay")
	assert.False(t, h.outBit(iomap.RunCommandOf("cmp-a")))
	assert.True(t, h.outBit(iomap.RunCommandOf("cmp-b")), "unit b must take over")
	assert.True(t, h.alarmActive("compressor.trip.cmp-a"))
	assert.False(t, h.alarmActive("compressor.station-down"))
}

func TestValveControlCascadeAndOverride(t *testing.T) {
	h := newHarness(t, NewValveControl("valve-main"))

	h.in(iomap.PositionOf("valve-main"), 0.7)
	writeAnalog(t, h.f, h.m, iomap.HRValveTarget, 0.7)
	h.scan()
	assert.InDelta(t, 0.7, h.out(iomap.OpenCommandOf("valve-main")), 1e-9,
		"cascade must follow the pressure controller's target")

	// An operator position overrides the cascade.
	require.NoError(t, h.inst.Submit(Command{Parameter: "position", Value: 0.2}))
	h.in(iomap.PositionOf("valve-main"), 0.7)
	h.scan()
	assert.InDelta(t, 0.2, h.out(iomap.OpenCommandOf("valve-main")), 1e-9)
}

func TestValveStuckDetection(t *testing.T) {
	h := newHarness(t, NewValveControl("valve-main"))
	require.NoError(t, h.inst.Submit(Command{Parameter: "position", Value: 0.8}))

	// Measured position never moves; after the travel window the stem is
	// declared stuck.
	for i := 0; i < 10; i++ {
		h.in(iomap.PositionOf("valve-main"), 0.3)
		h.scan()
	}
	assert.False(t, h.outBit(iomap.CoilValveStuck), "first scan after the step is settling, window not elapsed")

	h.in(iomap.PositionOf("valve-main"), 0.3)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilValveStuck))
	assert.True(t, h.alarmActive("valve.stuck"))
}

func (h *harness) feedZone(pressures map[string]float64) {
	for _, n := range []string{"source-1", "junction-1", "junction-2", "compressor-1", "junction-3", "junction-4", "sink-1", "sink-2"} {
		p := 50.0
		if v, ok := pressures[n]; ok {
			p = v
		}
		h.in(iomap.PressureOf(n), p)
		h.in(iomap.TemperatureOf(n), 20)
	}
}

func TestSafetyRelayNeedsCorroboration(t *testing.T) {
	h := newHarness(t, NewSafetyMonitoring([]string{
		"source-1", "junction-1", "junction-2", "compressor-1",
		"junction-3", "junction-4", "sink-1", "sink-2"}))

	// One excursion for one scan: envelope warning, no relay.
	h.feedZone(map[string]float64{"junction-3": 95})
	h.scan()
	assert.True(t, h.alarmActive("safety.envelope"))
	assert.False(t, h.outBit(iomap.CoilSafetyRelay))

	// Two independent excursions for two scans assert the relay.
	for i := 0; i < 2; i++ {
		h.feedZone(map[string]float64{"junction-3": 95, "junction-4": 92})
		h.scan()
	}
	assert.True(t, h.outBit(iomap.CoilSafetyRelay))
	assert.True(t, h.alarmActive("safety.zone"))
}

func TestSafetyRelaySingleSensorNeedsPersistence(t *testing.T) {
	h := newHarness(t, NewSafetyMonitoring([]string{"junction-3", "junction-4"}))

	for i := 0; i < 9; i++ {
		h.feedZone(map[string]float64{"junction-3": 95})
		h.scan()
		require.False(t, h.outBit(iomap.CoilSafetyRelay), "relay before persistence window at scan %d", i)
	}
	h.feedZone(map[string]float64{"junction-3": 95})
	h.scan()
	assert.True(t, h.outBit(iomap.CoilSafetyRelay))
}

func TestLeakDetectionDebounce(t *testing.T) {
	h := newHarness(t, NewLeakDetection("pipe-4", "pipe-6"))

	for i := 0; i < 14; i++ {
		h.in(iomap.FlowOf("pipe-4"), 45)
		h.in(iomap.FlowOf("pipe-6"), 40)
		h.scan()
		require.False(t, h.outBit(iomap.CoilLeakRelay), "leak confirmed before debounce at scan %d", i)
	}
	h.in(iomap.FlowOf("pipe-4"), 45)
	h.in(iomap.FlowOf("pipe-6"), 40)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilLeakRelay))
	assert.True(t, h.alarmActive("leak.detected"))

	// Balance restored: the relay drops, but the critical alarm stays
	// listed until an operator acknowledges it.
	h.in(iomap.FlowOf("pipe-4"), 40)
	h.in(iomap.FlowOf("pipe-6"), 40)
	h.scan()
	assert.False(t, h.outBit(iomap.CoilLeakRelay))
	assert.True(t, h.alarmActive("leak.detected"))

	h.inst.Alarms().Acknowledge(h.tick, "leak.detected")
	assert.False(t, h.alarmActive("leak.detected"))
}

func TestTemperatureCompensation(t *testing.T) {
	h := newHarness(t, NewTemperatureControl("compressor-1"))

	h.in(iomap.TemperatureOf("compressor-1"), 20)
	h.scan()
	assert.InDelta(t, 1.0, h.out(iomap.HRTempComp), 1e-9)

	h.in(iomap.TemperatureOf("compressor-1"), 35)
	h.scan()
	assert.InDelta(t, 0.85, h.out(iomap.HRTempComp), 1e-9)

	// Clamp at a 20 percent derate.
	h.in(iomap.TemperatureOf("compressor-1"), 90)
	h.scan()
	assert.InDelta(t, 0.8, h.out(iomap.HRTempComp), 1e-9)
	assert.True(t, h.alarmActive("temp.critical"))
}

func esdFeed(h *harness, pressure float64, manual, safety, leak bool) {
	h.inBit(iomap.DIManualESD, manual)
	h.in(iomap.PressureOf("junction-3"), pressure)
	writeBit(h.t, h.f, h.m, iomap.CoilSafetyRelay, safety)
	writeBit(h.t, h.f, h.m, iomap.CoilLeakRelay, leak)
}

func TestESDLatchesOnManualAndHoldsThroughReset(t *testing.T) {
	h := newHarness(t, NewEmergencyShutdown("junction-3"))

	esdFeed(h, 50, true, false, false)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilESDLatched))
	assert.True(t, h.alarmActive("esd.tripped"))

	// Reset while the pushbutton is still in: refused.
	require.NoError(t, h.inst.Submit(Command{Parameter: "reset", Value: 1}))
	esdFeed(h, 50, true, false, false)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilESDLatched), "reset must not take while a trigger is asserted")

	// Button released but no fresh reset edge: the latch holds.
	require.NoError(t, h.inst.Submit(Command{Parameter: "reset", Value: 0}))
	esdFeed(h, 50, false, false, false)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilESDLatched))

	// A fresh reset edge with all triggers clear releases it.
	require.NoError(t, h.inst.Submit(Command{Parameter: "reset", Value: 1}))
	esdFeed(h, 50, false, false, false)
	h.scan()
	assert.False(t, h.outBit(iomap.CoilESDLatched))
}

func TestESDTripsOnSafetyRelayDespiteHealthyLocalPressure(t *testing.T) {
	h := newHarness(t, NewEmergencyShutdown("junction-3"))

	// The local pressure reading stays nominal; the cross-checked zone
	// relay alone must be enough to shut down.
	esdFeed(h, 50, false, true, false)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilESDLatched))
}

func TestESDOverpressureNeedsTwoScans(t *testing.T) {
	h := newHarness(t, NewEmergencyShutdown("junction-3"))

	esdFeed(h, 95, false, false, false)
	h.scan()
	assert.False(t, h.outBit(iomap.CoilESDLatched), "one overpressure sample must not trip")

	esdFeed(h, 95, false, false, false)
	h.scan()
	assert.True(t, h.outBit(iomap.CoilESDLatched))
}
