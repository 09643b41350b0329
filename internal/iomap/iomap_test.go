package iomap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
)

func TestBuildIsDeterministic(t *testing.T) {
	a := Build(model.DefaultTopology())
	b := Build(model.DefaultTopology())

	require.Equal(t, a.Layout(), b.Layout())
	require.Equal(t, len(a.Bindings()), len(b.Bindings()))
	for name, pa := range a.points {
		pb, ok := b.Lookup(name)
		require.True(t, ok, "point %s missing from second build", name)
		assert.Equal(t, pa, pb)
	}
}

func TestBuildAllocatesExpectedPoints(t *testing.T) {
	m := Build(model.DefaultTopology())

	cases := []struct {
		name  string
		class registers.Class
	}{
		{PressureOf("junction-3"), registers.InputRegister},
		{TemperatureOf("source-1"), registers.InputRegister},
		{FlowOf("pipe-4"), registers.InputRegister},
		{PositionOf("valve-main"), registers.InputRegister},
		{OpenCommandOf("valve-main"), registers.HoldingRegister},
		{VibrationOf("cmp-a"), registers.InputRegister},
		{OilTempOf("cmp-b"), registers.InputRegister},
		{RunningOf("cmp-a"), registers.DiscreteInput},
		{RatioCommandOf("cmp-b"), registers.HoldingRegister},
		{RunCommandOf("cmp-a"), registers.Coil},
		{TripRelayOf("cmp-b"), registers.Coil},
		{CoilESDLatched, registers.Coil},
		{CoilSafetyRelay, registers.Coil},
		{DIManualESD, registers.DiscreteInput},
		{HRFlowTotalizer, registers.HoldingRegister},
	}
	for _, tc := range cases {
		p, ok := m.Lookup(tc.name)
		require.True(t, ok, "missing point %s", tc.name)
		assert.Equal(t, tc.class, p.Class, "class of %s", tc.name)
	}
}

func TestAddressesAreDenseAndUnique(t *testing.T) {
	m := Build(model.DefaultTopology())

	seen := map[registers.Class]map[uint16]string{}
	for name, p := range m.points {
		if seen[p.Class] == nil {
			seen[p.Class] = map[uint16]string{}
		}
		if prev, dup := seen[p.Class][p.Addr]; dup {
			t.Fatalf("%s and %s share %s address %d", prev, name, p.Class, p.Addr)
		}
		seen[p.Class][p.Addr] = name
	}

	// Dense: addresses in each class fill 0..size-1 with no holes.
	for class, addrs := range seen {
		for a := uint16(0); a < uint16(len(addrs)); a++ {
			if _, ok := addrs[a]; !ok {
				t.Fatalf("%s address %d unallocated below high-water mark", class, a)
			}
		}
	}
}

func TestLayoutCoversAllAddresses(t *testing.T) {
	m := Build(model.DefaultTopology())
	l := m.Layout()
	counts := map[registers.Class]uint16{}
	for _, p := range m.points {
		counts[p.Class]++
	}
	assert.Equal(t, l.DiscreteInputs, counts[registers.DiscreteInput])
	assert.Equal(t, l.Coils, counts[registers.Coil])
	assert.Equal(t, l.InputRegisters, counts[registers.InputRegister])
	assert.Equal(t, l.HoldingRegisters, counts[registers.HoldingRegister])
}

func TestBindingsPointAtArenaIndices(t *testing.T) {
	top := model.DefaultTopology()
	m := Build(top)

	for _, b := range m.Bindings() {
		switch b.Source {
		case SourceNodePressure, SourceNodeTemperature:
			require.Less(t, b.Index, len(top.Nodes), "binding %s", b.Point.Name)
		default:
			require.Less(t, b.Index, len(top.Edges), "binding %s", b.Point.Name)
		}
	}
}
