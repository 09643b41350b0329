package plc

import (
	"sync"

	"github.com/google/uuid"
)

// Severity ranks an alarm. Critical alarms stay listed until both the
// condition clears and an operator acknowledges them.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// EventKind labels an alarm state transition.
type EventKind string

const (
	EventRaised       EventKind = "raised"
	EventCleared      EventKind = "cleared"
	EventAcknowledged EventKind = "acknowledged"
)

// Event is one alarm transition, published to the supervisory feed.
type Event struct {
	ID       uuid.UUID `json:"id"`
	PLC      string    `json:"plc"`
	Alarm    string    `json:"alarm"`
	Severity Severity  `json:"severity"`
	Kind     EventKind `json:"kind"`
	Tick     uint64    `json:"tick"`
	Message  string    `json:"message,omitempty"`
}

// EventSink receives alarm events. A nil sink discards them.
type EventSink func(Event)

// Alarm is the current state of one named condition. Active means the
// alarm is listed: either the condition is standing, or it is a critical
// whose condition has passed but that still awaits acknowledgement.
type Alarm struct {
	Name      string   `json:"name"`
	Severity  Severity `json:"severity"`
	Active    bool     `json:"active"`
	Condition bool     `json:"condition"` // predicate currently true
	Acked     bool     `json:"acked"`
	Message   string   `json:"message,omitempty"`
	Since     uint64   `json:"since"` // tick of the last raise
}

// AlarmTable tracks alarm state for one instance. Raise and Clear are
// edge-triggered: repeating a call in the same state emits nothing.
type AlarmTable struct {
	mu     sync.RWMutex
	plcID  string
	sink   EventSink
	alarms map[string]*Alarm
}

func NewAlarmTable(plcID string, sink EventSink) *AlarmTable {
	return &AlarmTable{plcID: plcID, sink: sink, alarms: make(map[string]*Alarm)}
}

func (t *AlarmTable) emit(e Event) {
	if t.sink != nil {
		e.ID = uuid.New()
		e.PLC = t.plcID
		t.sink(e)
	}
}

// Raise activates an alarm. Re-raising an active alarm only updates its
// message. Activation resets any previous acknowledgement.
func (t *AlarmTable) Raise(tick uint64, name string, sev Severity, msg string) {
	t.mu.Lock()
	a, ok := t.alarms[name]
	if !ok {
		a = &Alarm{Name: name, Severity: sev}
		t.alarms[name] = a
	}
	wasActive := a.Active
	a.Severity = sev
	a.Message = msg
	a.Condition = true
	if !wasActive {
		a.Active = true
		a.Acked = false
		a.Since = tick
	}
	t.mu.Unlock()

	if !wasActive {
		t.emit(Event{Alarm: name, Severity: sev, Kind: EventRaised, Tick: tick, Message: msg})
	}
}

// Clear records that the condition has passed. Info and warning alarms
// deactivate immediately; a critical stays listed until it has also been
// acknowledged, and its cleared event is emitted by whichever of Clear and
// Acknowledge completes the pair.
func (t *AlarmTable) Clear(tick uint64, name string) {
	t.mu.Lock()
	a, ok := t.alarms[name]
	cleared := false
	var sev Severity
	if ok {
		a.Condition = false
		sev = a.Severity
		if a.Active && (a.Severity != SeverityCritical || a.Acked) {
			a.Active = false
			cleared = true
		}
	}
	t.mu.Unlock()

	if cleared {
		t.emit(Event{Alarm: name, Severity: sev, Kind: EventCleared, Tick: tick})
	}
}

// Acknowledge marks an alarm acked, deactivating it if its condition has
// already passed. Returns false for unknown alarms.
func (t *AlarmTable) Acknowledge(tick uint64, name string) bool {
	t.mu.Lock()
	a, ok := t.alarms[name]
	cleared := false
	var sev Severity
	if ok {
		a.Acked = true
		sev = a.Severity
		if a.Active && !a.Condition {
			a.Active = false
			cleared = true
		}
	}
	t.mu.Unlock()

	if ok {
		t.emit(Event{Alarm: name, Severity: sev, Kind: EventAcknowledged, Tick: tick})
		if cleared {
			t.emit(Event{Alarm: name, Severity: sev, Kind: EventCleared, Tick: tick})
		}
	}
	return ok
}

// Active returns copies of all currently active alarms.
func (t *AlarmTable) Active() []Alarm {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Alarm
	for _, a := range t.alarms {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out
}

// CriticalActive reports whether any critical alarm is active, whether or
// not it has been acknowledged.
func (t *AlarmTable) CriticalActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.alarms {
		if a.Active && a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Unacked reports whether a critical alarm still needs acknowledgement.
// Entries exist only for alarms that have been raised at least once, so
// cleared-but-unacked criticals count.
func (t *AlarmTable) Unacked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.alarms {
		if a.Severity == SeverityCritical && !a.Acked {
			return true
		}
	}
	return false
}
