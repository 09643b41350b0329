package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/internal/scada"
)

func newSubscriber(t *testing.T, addr, topic string) mangos.Socket {
	t.Helper()
	sock, err := sub.NewSocket()
	require.NoError(t, err)
	require.NoError(t, sock.SetOption(mangos.OptionSubscribe, []byte(topic)))
	require.NoError(t, sock.SetOption(mangos.OptionRecvDeadline, 100*time.Millisecond))
	require.NoError(t, sock.Dial(addr))
	t.Cleanup(func() { sock.Close() })
	return sock
}

// publishUntilReceived retries around the PUB/SUB connect race.
func publishUntilReceived(t *testing.T, send func() error, sock mangos.Socket) []byte {
	t.Helper()
	for i := 0; i < 50; i++ {
		require.NoError(t, send())
		msg, err := sock.Recv()
		if err == nil {
			return msg
		}
	}
	t.Fatal("subscriber never received a message")
	return nil
}

func TestPublishSnapshotRoundTrip(t *testing.T) {
	p, err := NewPublisher("inproc://feed-snapshot-test", nil)
	require.NoError(t, err)
	defer p.Close()

	sock := newSubscriber(t, "inproc://feed-snapshot-test", TopicSnapshot)

	want := &scada.Snapshot{
		Tick: 42,
		Nodes: []scada.NodeState{
			{ID: "junction-3", Kind: "junction", Pressure: 70.6},
		},
	}
	msg := publishUntilReceived(t, func() error { return p.PublishSnapshot(want) }, sock)

	require.True(t, bytes.HasPrefix(msg, []byte(TopicSnapshot)))
	var got scada.Snapshot
	require.NoError(t, json.Unmarshal(bytes.TrimPrefix(msg, []byte(TopicSnapshot)), &got))
	assert.Equal(t, uint64(42), got.Tick)
	assert.Equal(t, want.Nodes, got.Nodes)
}

func TestPublishEventCarriesTopic(t *testing.T) {
	p, err := NewPublisher("inproc://feed-event-test", nil)
	require.NoError(t, err)
	defer p.Close()

	sock := newSubscriber(t, "inproc://feed-event-test", TopicAlarm)

	event := plc.Event{PLC: "emergency_shutdown", Alarm: "esd.tripped", Kind: plc.EventRaised}
	msg := publishUntilReceived(t, func() error { return p.PublishEvent(event) }, sock)

	require.True(t, bytes.HasPrefix(msg, []byte(TopicAlarm)))
	var got plc.Event
	require.NoError(t, json.Unmarshal(bytes.TrimPrefix(msg, []byte(TopicAlarm)), &got))
	assert.Equal(t, "esd.tripped", got.Alarm)
	assert.Equal(t, plc.EventRaised, got.Kind)
}

func TestTopicFilterSeparatesStreams(t *testing.T) {
	p, err := NewPublisher("inproc://feed-filter-test", nil)
	require.NoError(t, err)
	defer p.Close()

	alarmsOnly := newSubscriber(t, "inproc://feed-filter-test", TopicAlarm)

	// Warm the subscription up with an alarm, then interleave.
	publishUntilReceived(t, func() error {
		return p.PublishEvent(plc.Event{Alarm: "warmup"})
	}, alarmsOnly)

	require.NoError(t, p.PublishSnapshot(&scada.Snapshot{Tick: 1}))
	require.NoError(t, p.PublishEvent(plc.Event{Alarm: "leak.detected"}))

	msg, err := alarmsOnly.Recv()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(msg, []byte(TopicAlarm)),
		"snapshot leaked through the alarm filter")
}

func TestRunForwardsEventsAndSnapshots(t *testing.T) {
	p, err := NewPublisher("inproc://feed-run-test", nil)
	require.NoError(t, err)
	defer p.Close()

	sock := newSubscriber(t, "inproc://feed-run-test", "")

	store := scada.NewStore()
	events := make(chan plc.Event, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx, store, events, 10*time.Millisecond)
		close(done)
	}()

	// Keep feeding fresh ticks and events while polling; messages sent
	// before the subscription settles are lost by design.
	seenSnapshot, seenAlarm := false, false
	tick := uint64(0)
	deadline := time.Now().Add(3 * time.Second)
	for (!seenSnapshot || !seenAlarm) && time.Now().Before(deadline) {
		tick++
		store.Publish(&scada.Snapshot{Tick: tick})
		select {
		case events <- plc.Event{Alarm: "esd.tripped", Kind: plc.EventRaised}:
		default:
		}
		msg, err := sock.Recv()
		if err != nil {
			continue
		}
		switch {
		case bytes.HasPrefix(msg, []byte(TopicSnapshot)):
			seenSnapshot = true
		case bytes.HasPrefix(msg, []byte(TopicAlarm)):
			seenAlarm = true
		}
	}
	assert.True(t, seenSnapshot, "no snapshot published by the pump")
	assert.True(t, seenAlarm, "no alarm forwarded by the pump")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
