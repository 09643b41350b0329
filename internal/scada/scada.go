// Package scada exposes the supervisory surface: a lock-free store of
// published simulation snapshots, the operator command path into the PLC
// registry, and the alarm event fan-out. Everything here runs outside the
// tick's critical section; a subsystem in Fault never blocks a snapshot
// read.
package scada

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/registers"
)

// NodeState is one node's physics state at a tick boundary.
type NodeState struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Pressure    float64 `json:"pressure"`
	Temperature float64 `json:"temperature"`
	NetFlow     float64 `json:"net_flow"`
}

// EdgeState is one edge's physics state at a tick boundary.
type EdgeState struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Flow   float64 `json:"flow"`
	Open   float64 `json:"open"`
	Closed bool    `json:"closed"`
	Ratio  float64 `json:"ratio"`
	Run    bool    `json:"running"`
}

// PLCStatus summarizes one controller for the snapshot.
type PLCStatus struct {
	ID          string      `json:"id"`
	Mode        string      `json:"mode"`
	State       string      `json:"state"`
	FaultReason string      `json:"fault_reason,omitempty"`
	Unacked     bool        `json:"unacked,omitempty"`
	Alarms      []plc.Alarm `json:"alarms,omitempty"`
}

// Snapshot is the immutable per-tick publication. Consumers share it
// read-only; nothing in it aliases live simulation state.
type Snapshot struct {
	Tick        uint64           `json:"tick"`
	Time        time.Time        `json:"time"`
	Nodes       []NodeState      `json:"nodes"`
	Edges       []EdgeState      `json:"edges"`
	Registers   registers.Image  `json:"registers"`
	PLCs        []PLCStatus      `json:"plcs"`
	Diagnostics core.Diagnostics `json:"diagnostics"`
	// TickOverrun flags that this tick's compute time exceeded the period.
	TickOverrun bool `json:"tick_overrun,omitempty"`
}

// Store holds the latest snapshot behind an atomic pointer, so readers
// never block on the publisher and vice versa.
type Store struct {
	latest atomic.Pointer[Snapshot]
}

func NewStore() *Store { return &Store{} }

// Publish replaces the latest snapshot.
func (s *Store) Publish(snap *Snapshot) { s.latest.Store(snap) }

// Latest returns the most recent snapshot, or nil before the first tick.
func (s *Store) Latest() *Snapshot { return s.latest.Load() }

// CommandResult is returned synchronously for every submission.
type CommandResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Rejection reason codes.
const (
	ReasonPLCFault         = "plc-fault"
	ReasonUnknownPLC       = "unknown-plc"
	ReasonUnknownParameter = "unknown-parameter"
	ReasonOutOfRange       = "out-of-range"
)

// EventHub fans alarm events out to subscribers. It exists independently
// of the aggregator because the PLC registry needs a sink at construction
// time, before the aggregator is wired.
type EventHub struct {
	mu   sync.Mutex
	subs []chan plc.Event
}

func NewEventHub() *EventHub { return &EventHub{} }

// Subscribe returns a channel carrying alarm events. When a subscriber
// lags, the oldest buffered event is dropped so the tick path never blocks
// on a slow consumer.
func (h *EventHub) Subscribe(depth int) <-chan plc.Event {
	if depth < 1 {
		depth = 64
	}
	ch := make(chan plc.Event, depth)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// Sink is the callback handed to the PLC alarm tables.
func (h *EventHub) Sink() plc.EventSink {
	return func(e plc.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ch := range h.subs {
			select {
			case ch <- e:
			default:
				// Full: drop the oldest and retry once.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- e:
				default:
				}
			}
		}
	}
}

// Aggregator is the operator-facing facade over the snapshot store, the
// controller registry, and the event hub.
type Aggregator struct {
	store *Store
	reg   *plc.Registry
	hub   *EventHub
	log   logging.Logger
}

func NewAggregator(store *Store, reg *plc.Registry, hub *EventHub, log logging.Logger) *Aggregator {
	if log == nil {
		log = logging.Noop()
	}
	return &Aggregator{store: store, reg: reg, hub: hub, log: logging.Component(log, "scada")}
}

// GetSnapshot returns the last published snapshot. It stays readable
// whatever state the rest of the system is in.
func (a *Aggregator) GetSnapshot() *Snapshot { return a.store.Latest() }

// SubmitCommand queues a setpoint change for a controller's next scan
// boundary. Rejections come back as a reason code and never mutate any
// register or setpoint.
func (a *Aggregator) SubmitCommand(plcID, parameter string, value float64) CommandResult {
	err := a.reg.Submit(plcID, plc.Command{Parameter: parameter, Value: value})
	if err == nil {
		return CommandResult{Accepted: true}
	}

	reason := "rejected"
	switch {
	case errors.Is(err, plc.ErrUnknownPLC):
		reason = ReasonUnknownPLC
	case errors.Is(err, plc.ErrPLCFault):
		reason = ReasonPLCFault
	case errors.Is(err, plc.ErrUnknownParameter):
		reason = ReasonUnknownParameter
	case errors.Is(err, plc.ErrOutOfRange):
		reason = ReasonOutOfRange
	}
	a.log.Info(context.Background(), "command rejected",
		logging.String("plc", plcID),
		logging.String("parameter", parameter),
		logging.String("reason", reason),
		logging.Err(err))
	return CommandResult{Accepted: false, Reason: reason}
}

// AcknowledgeAlarm routes an operator acknowledgement.
func (a *Aggregator) AcknowledgeAlarm(plcID, alarm string) error {
	tick := uint64(0)
	if snap := a.store.Latest(); snap != nil {
		tick = snap.Tick
	}
	return a.reg.Acknowledge(plcID, alarm, tick)
}

// Subscribe exposes the event hub's subscription to operator clients.
func (a *Aggregator) Subscribe(depth int) <-chan plc.Event {
	return a.hub.Subscribe(depth)
}
