package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// TargetKind selects how a Target resolves to connections.
type TargetKind string

const (
	TargetEveryone TargetKind = "everyone"
	TargetRoom     TargetKind = "room"
	TargetDirect   TargetKind = "direct"
)

const (
	originLocal = "local"
	originRelay = "relay"
)

// Target addresses a set of connections. Targets are plain data so they can cross process
// boundaries through a Relay.
type Target struct {
	Kind         TargetKind `json:"kind"`
	Room         RoomKey    `json:"room,omitempty"`
	Except       string     `json:"except,omitempty"`
	ConnectionID string     `json:"connectionId,omitempty"`
}

// Everyone addresses every attached connection except the one with the given id.
func Everyone(exceptConnectionID string) Target {
	return Target{Kind: TargetEveryone, Except: exceptConnectionID}
}

// Room addresses every member of a room.
func Room(room RoomKey) Target {
	return Target{Kind: TargetRoom, Room: room}
}

// RoomExcept addresses every member of a room except one connection.
func RoomExcept(room RoomKey, exceptConnectionID string) Target {
	return Target{Kind: TargetRoom, Room: room, Except: exceptConnectionID}
}

// Direct addresses a single connection.
func Direct(connectionID string) Target {
	return Target{Kind: TargetDirect, ConnectionID: connectionID}
}

// Publication is a broadcast as carried between processes.
type Publication struct {
	Origin  string   `json:"origin"`
	Event   Envelope `json:"event"`
	Targets []Target `json:"targets"`
}

// Relay fans publications out to other processes sharing the same clients.
type Relay interface {
	Publish(ctx context.Context, publication Publication) error
	// Subscribe blocks until ctx ends, handing every remote publication to deliver.
	Subscribe(ctx context.Context, deliver func(Publication)) error
}

// PublishResult counts local deliveries for one publication.
type PublishResult struct {
	Delivered int
	Dropped   int
}

// Broadcaster resolves targets against the registry and delivers each publication at most
// once per connection. Delivery is best effort: dropped frames are counted, never retried
// and never reported to the publisher as an error.
type Broadcaster struct {
	registry *Registry
	relay    Relay
	metrics  *Metrics
	logger   *zap.Logger
}

// BroadcasterConfig describes broadcaster dependencies.
type BroadcasterConfig struct {
	Registry *Registry
	Relay    Relay
	Metrics  *Metrics
	Logger   *zap.Logger
}

func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("realtime: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Broadcaster{
		registry: cfg.Registry,
		relay:    cfg.Relay,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Publish delivers the envelope to the union of targets on this process and forwards it to
// the relay when one is configured.
func (b *Broadcaster) Publish(ctx context.Context, envelope Envelope, targets ...Target) (PublishResult, error) {
	frame, err := json.Marshal(envelope)
	if err != nil {
		return PublishResult{}, fmt.Errorf("realtime: encode %s frame: %w", envelope.Event, err)
	}
	result := b.deliver(envelope.Event, frame, targets)
	b.metrics.EventsPublished.WithLabelValues(string(envelope.Event), originLocal).Inc()

	remote := relayTargets(targets)
	if b.relay != nil && len(remote) > 0 {
		publication := Publication{Event: envelope, Targets: remote}
		if err := b.relay.Publish(ctx, publication); err != nil {
			b.logger.Warn("realtime relay publish failed",
				zap.String("event", string(envelope.Event)),
				zap.Error(err))
		}
	}
	return result, nil
}

// DeliverRemote delivers a publication received from another process without relaying it
// again.
func (b *Broadcaster) DeliverRemote(publication Publication) PublishResult {
	frame, err := json.Marshal(publication.Event)
	if err != nil {
		b.logger.Warn("realtime remote publication dropped",
			zap.String("origin", publication.Origin),
			zap.Error(err))
		return PublishResult{}
	}
	result := b.deliver(publication.Event.Event, frame, publication.Targets)
	b.metrics.EventsPublished.WithLabelValues(string(publication.Event.Event), originRelay).Inc()
	return result
}

func (b *Broadcaster) deliver(kind EventKind, frame []byte, targets []Target) PublishResult {
	var result PublishResult
	for _, conn := range b.resolve(targets) {
		if conn.Deliver(frame) {
			result.Delivered++
			continue
		}
		result.Dropped++
		b.metrics.DeliveriesDropped.WithLabelValues(string(kind)).Inc()
		b.logger.Debug("realtime delivery dropped",
			zap.String("event", string(kind)),
			zap.String("connection_id", conn.ID()),
			zap.String("user_id", conn.UserID()))
	}
	return result
}

// relayTargets drops Direct targets; a direct recipient is always a connection on this
// process.
func relayTargets(targets []Target) []Target {
	remote := make([]Target, 0, len(targets))
	for _, target := range targets {
		if target.Kind != TargetDirect {
			remote = append(remote, target)
		}
	}
	return remote
}

// resolve returns the deduplicated union of connections addressed by targets, in a stable
// first-seen order.
func (b *Broadcaster) resolve(targets []Target) []*Connection {
	seen := make(map[string]struct{})
	recipients := make([]*Connection, 0)
	add := func(conn *Connection, except string) {
		if conn == nil || conn.ID() == except {
			return
		}
		if _, ok := seen[conn.ID()]; ok {
			return
		}
		seen[conn.ID()] = struct{}{}
		recipients = append(recipients, conn)
	}
	for _, target := range targets {
		switch target.Kind {
		case TargetEveryone:
			for _, conn := range b.registry.Connections() {
				add(conn, target.Except)
			}
		case TargetRoom:
			for _, conn := range b.registry.Members(target.Room) {
				add(conn, target.Except)
			}
		case TargetDirect:
			if conn, ok := b.registry.Lookup(target.ConnectionID); ok {
				add(conn, "")
			}
		}
	}
	return recipients
}
