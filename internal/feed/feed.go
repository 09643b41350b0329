// Package feed publishes tick snapshots and alarm events to external
// consumers (HMI, historian) over a mangos PUB socket. Messages are JSON
// with a topic prefix, so subscribers can filter server-side with a plain
// prefix subscription. The feed is strictly one-way and lossy by design: a
// consumer that falls behind misses ticks, it never slows the simulation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"

	// Register all transports (tcp, ipc, inproc, ws).
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/internal/scada"
)

// Topic prefixes. A subscriber filters with mangos.OptionSubscribe on the
// prefix bytes.
const (
	TopicSnapshot = "snapshot "
	TopicAlarm    = "alarm "
)

// Publisher owns the PUB socket.
type Publisher struct {
	sock mangos.Socket
	log  logging.Logger
}

// NewPublisher opens and binds the socket. The address takes any mangos
// transport, e.g. "tcp://0.0.0.0:9871" or "inproc://feed".
func NewPublisher(addr string, log logging.Logger) (*Publisher, error) {
	if log == nil {
		log = logging.Noop()
	}
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("feed: new pub socket: %w", err)
	}
	// A send must never wedge the pump goroutine.
	if err := sock.SetOption(mangos.OptionSendDeadline, 100*time.Millisecond); err != nil {
		sock.Close()
		return nil, fmt.Errorf("feed: set send deadline: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("feed: listen %s: %w", addr, err)
	}
	return &Publisher{sock: sock, log: logging.Component(log, "feed")}, nil
}

// PublishSnapshot sends one tick snapshot on the snapshot topic.
func (p *Publisher) PublishSnapshot(snap *scada.Snapshot) error {
	return p.publish(TopicSnapshot, snap)
}

// PublishEvent sends one alarm transition on the alarm topic.
func (p *Publisher) PublishEvent(e plc.Event) error {
	return p.publish(TopicAlarm, e)
}

func (p *Publisher) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("feed: encode %s: %w", topic, err)
	}
	msg := make([]byte, 0, len(topic)+len(data))
	msg = append(msg, topic...)
	msg = append(msg, data...)
	if err := p.sock.Send(msg); err != nil {
		return fmt.Errorf("feed: send %s: %w", topic, err)
	}
	return nil
}

// Run pumps the feed until the context ends: every interval it publishes
// the latest snapshot, and it forwards alarm events as they arrive. Send
// failures are logged and dropped; the pump never stops for a consumer.
func (p *Publisher) Run(ctx context.Context, store *scada.Store, events <-chan plc.Event, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := p.PublishEvent(e); err != nil {
				p.log.Warn(ctx, "alarm publish dropped", logging.Err(err))
			}
		case <-ticker.C:
			snap := store.Latest()
			if snap == nil || snap.Tick == lastTick {
				continue
			}
			lastTick = snap.Tick
			if err := p.PublishSnapshot(snap); err != nil {
				p.log.Warn(ctx, "snapshot publish dropped", logging.Err(err))
			}
		}
	}
}

// Close releases the socket.
func (p *Publisher) Close() error { return p.sock.Close() }
