package scada

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
)

func newTestAggregator(t *testing.T) (*Aggregator, *Store, *plc.Registry) {
	t.Helper()
	m := iomap.Build(model.DefaultTopology())
	hub := NewEventHub()
	reg, err := plc.NewRegistry(m, nil, hub.Sink(),
		plc.NewFlowRegulation("pipe-6"),
		plc.NewPressureControl("junction-3"))
	require.NoError(t, err)
	store := NewStore()
	return NewAggregator(store, reg, hub, nil), store, reg
}

func TestStoreLatestBeforeFirstPublish(t *testing.T) {
	s := NewStore()
	if s.Latest() != nil {
		t.Fatal("expected nil before the first publish")
	}
}

func TestStorePublishReplacesWholeSnapshot(t *testing.T) {
	s := NewStore()
	s.Publish(&Snapshot{Tick: 1})
	s.Publish(&Snapshot{Tick: 2})
	assert.Equal(t, uint64(2), s.Latest().Tick)
}

func TestSubmitCommandReasonCodes(t *testing.T) {
	agg, _, reg := newTestAggregator(t)

	res := agg.SubmitCommand("flow_regulation", "flow", 60)
	assert.True(t, res.Accepted)

	res = agg.SubmitCommand("no_such_plc", "flow", 60)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonUnknownPLC, res.Reason)

	res = agg.SubmitCommand("flow_regulation", "bogus", 60)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonUnknownParameter, res.Reason)

	res = agg.SubmitCommand("flow_regulation", "flow", 1e9)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonOutOfRange, res.Reason)

	inst, _ := reg.Get("flow_regulation")
	inst.ForceFault("test")
	res = agg.SubmitCommand("flow_regulation", "flow", 60)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonPLCFault, res.Reason)
}

func TestSnapshotReadableWhileControllersFaulted(t *testing.T) {
	agg, store, reg := newTestAggregator(t)
	store.Publish(&Snapshot{Tick: 9})

	for _, inst := range reg.Instances() {
		inst.ForceFault("test")
	}
	snap := agg.GetSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(9), snap.Tick)
}

func TestAcknowledgeAlarmClearsUnacked(t *testing.T) {
	agg, store, reg := newTestAggregator(t)
	store.Publish(&Snapshot{Tick: 3})

	inst, _ := reg.Get("pressure_control")
	inst.Alarms().Raise(3, "pressure.deviation", plc.SeverityCritical, "test")
	require.True(t, inst.Alarms().Unacked())

	require.NoError(t, agg.AcknowledgeAlarm("pressure_control", "pressure.deviation"))
	assert.False(t, inst.Alarms().Unacked())

	assert.Error(t, agg.AcknowledgeAlarm("pressure_control", "no.such.alarm"))
	assert.Error(t, agg.AcknowledgeAlarm("no_such_plc", "pressure.deviation"))
}

func TestEventHubDropsOldestWhenSubscriberLags(t *testing.T) {
	hub := NewEventHub()
	ch := hub.Subscribe(2)
	sink := hub.Sink()

	for i := 0; i < 4; i++ {
		sink(plc.Event{Alarm: string(rune('a' + i)), Kind: plc.EventRaised})
	}

	var got []string
	for len(ch) > 0 {
		got = append(got, (<-ch).Alarm)
	}
	assert.Equal(t, []string{"c", "d"}, got,
		"a lagging subscriber keeps the newest events")
}

func TestEventHubDeliversToAllSubscribers(t *testing.T) {
	hub := NewEventHub()
	a := hub.Subscribe(8)
	b := hub.Subscribe(8)
	hub.Sink()(plc.Event{Alarm: "esd.tripped", Kind: plc.EventRaised})

	assert.Equal(t, "esd.tripped", (<-a).Alarm)
	assert.Equal(t, "esd.tripped", (<-b).Alarm)
}

func TestSnapshotJSONRoundTripPreservesRegisters(t *testing.T) {
	layout := registers.Layout{
		DiscreteInputs: 4, Coils: 4, InputRegisters: 4, HoldingRegisters: 4,
	}
	f := registers.NewFile(layout)
	require.NoError(t, f.WriteBit(registers.Coil, 2, true))
	require.NoError(t, f.WriteAnalog(registers.HoldingRegister, 1, 0.75))
	f.Commit()

	snap := Snapshot{
		Tick:      17,
		Time:      time.Unix(1700, 0).UTC(),
		Nodes:     []NodeState{{ID: "junction-3", Kind: "junction", Pressure: 70.6}},
		Edges:     []EdgeState{{ID: "valve-main", Kind: "valve", Open: 1}},
		Registers: f.SnapshotRegisters(),
		PLCs:      []PLCStatus{{ID: "valve_control", Mode: "running", State: "idle"}},
	}

	data, err := json.Marshal(&snap)
	require.NoError(t, err)
	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, snap.Tick, back.Tick)
	assert.Equal(t, snap.Nodes, back.Nodes)
	assert.Equal(t, snap.Edges, back.Edges)
	assert.Equal(t, snap.PLCs, back.PLCs)
	assert.True(t, snap.Registers.Equal(back.Registers),
		"register image must survive the wire byte for byte")
}
