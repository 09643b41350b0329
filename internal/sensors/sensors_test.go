package sensors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
)

func testFixture(t *testing.T) (*core.Network, *iomap.Map, *registers.File) {
	t.Helper()
	top := model.DefaultTopology()
	net, err := core.BuildNetwork(top, 0.005)
	require.NoError(t, err)
	m := iomap.Build(top)
	return net, m, registers.NewFile(m.Layout())
}

func readPoint(t *testing.T, f *registers.File, m *iomap.Map, name string) float64 {
	t.Helper()
	p := m.MustLookup(name)
	v, err := f.ReadAnalog(p.Class, p.Addr)
	require.NoError(t, err)
	return v
}

func refresh(t *testing.T, b *Bank, net *core.Network, f *registers.File) {
	t.Helper()
	require.NoError(t, b.Refresh(net, f))
	f.Commit()
}

func TestRefreshTracksPhysicsWithinNoiseBand(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 1)

	refresh(t, b, net, f)

	src, _ := net.NodeIndex("source-1")
	got := readPoint(t, f, m, iomap.PressureOf("source-1"))
	assert.InDelta(t, net.Pressure[src], got, 0.5, "pressure reading far outside noise band")

	j, _ := net.EdgeIndex("valve-main")
	pos := readPoint(t, f, m, iomap.PositionOf("valve-main"))
	assert.InDelta(t, net.Open[j], pos, 0.02)
}

func TestRefreshIsSeedDeterministic(t *testing.T) {
	net, m, f1 := testFixture(t)
	f2 := registers.NewFile(m.Layout())

	refresh(t, NewBank(m, 42), net, f1)
	refresh(t, NewBank(m, 42), net, f2)

	assert.True(t, f1.SnapshotRegisters().Equal(f2.SnapshotRegisters()),
		"same seed must produce identical measurements")
}

func TestQuantizationStep(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 7)
	refresh(t, b, net, f)

	v := readPoint(t, f, m, iomap.PressureOf("junction-1"))
	steps := v / 0.01
	assert.InDelta(t, math.Round(steps), steps, 1e-9, "pressure not on its quantization grid")
}

func TestStuckFaultFreezesLastGoodValue(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 3)

	refresh(t, b, net, f)
	frozen := readPoint(t, f, m, iomap.PressureOf("junction-3"))

	require.NoError(t, b.SetFault(iomap.PressureOf("junction-3"), Fault{Kind: FaultStuck}))

	// Move the real pressure far away; the reading must not follow.
	j3, _ := net.NodeIndex("junction-3")
	net.Pressure[j3] += 25

	for i := 0; i < 5; i++ {
		refresh(t, b, net, f)
		assert.Equal(t, frozen, readPoint(t, f, m, iomap.PressureOf("junction-3")))
	}

	// Clearing the fault lets the reading track again.
	b.ClearFault(iomap.PressureOf("junction-3"))
	refresh(t, b, net, f)
	assert.InDelta(t, net.Pressure[j3], readPoint(t, f, m, iomap.PressureOf("junction-3")), 0.5)
}

func TestStuckFaultBeforeFirstRefreshLatchesTruth(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 3)

	// Fault injected before any refresh, as the startup flags do.
	point := iomap.PressureOf("junction-3")
	require.NoError(t, b.SetFault(point, Fault{Kind: FaultStuck}))

	refresh(t, b, net, f)
	j3, _ := net.NodeIndex("junction-3")
	frozen := readPoint(t, f, m, point)
	assert.InDelta(t, net.Pressure[j3], frozen, 0.5,
		"first stuck reading must latch a live measurement, not zero")

	net.Pressure[j3] += 25
	for i := 0; i < 5; i++ {
		refresh(t, b, net, f)
		assert.Equal(t, frozen, readPoint(t, f, m, point))
	}
}

func TestDriftFaultGrowsMonotonically(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 9)

	point := iomap.OilTempOf("cmp-a")
	require.NoError(t, b.SetFault(point, Fault{Kind: FaultDrift, Rate: 2.0}))

	prev := -math.MaxFloat64
	for i := 0; i < 10; i++ {
		refresh(t, b, net, f)
		v := readPoint(t, f, m, point)
		// Rate 2.0 per refresh dominates the 0.3 noise stddev.
		require.Greater(t, v, prev, "drifted reading not increasing at refresh %d", i)
		prev = v
	}

	truth := 55 + 0.4*math.Abs(net.Flow[mustEdge(t, net, "cmp-a")])
	assert.Greater(t, prev, truth+15, "accumulated drift bias too small")
}

func TestSpikeFaultStaysBounded(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 11)

	point := iomap.FlowOf("pipe-4")
	require.NoError(t, b.SetFault(point, Fault{Kind: FaultSpike, Chance: 1.0, Magnitude: 50}))

	truth := net.Flow[mustEdge(t, net, "pipe-4")]
	for i := 0; i < 20; i++ {
		refresh(t, b, net, f)
		v := readPoint(t, f, m, point)
		assert.LessOrEqual(t, math.Abs(v-truth), 50.5, "spike exceeded configured magnitude")
	}
}

func TestUnknownPointRejected(t *testing.T) {
	_, m, _ := testFixture(t)
	b := NewBank(m, 1)
	assert.Error(t, b.SetFault("no-such-point", Fault{Kind: FaultStuck}))
}

func TestESDButtonAndRunFeedback(t *testing.T) {
	net, m, f := testFixture(t)
	b := NewBank(m, 5)

	refresh(t, b, net, f)
	p := m.MustLookup(iomap.DIManualESD)
	v, err := f.ReadBit(p.Class, p.Addr)
	require.NoError(t, err)
	assert.False(t, v)

	b.PressESD(true)
	net.Running[mustEdge(t, net, "cmp-b")] = false
	refresh(t, b, net, f)

	v, err = f.ReadBit(p.Class, p.Addr)
	require.NoError(t, err)
	assert.True(t, v)

	run := m.MustLookup(iomap.RunningOf("cmp-b"))
	rb, err := f.ReadBit(run.Class, run.Addr)
	require.NoError(t, err)
	assert.False(t, rb, "run feedback must follow physics state")
}

func mustEdge(t *testing.T, net *core.Network, id string) int {
	t.Helper()
	j, ok := net.EdgeIndex(id)
	require.True(t, ok)
	return j
}
