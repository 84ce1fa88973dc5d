package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notemax/notesync/internal/realtime"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannel = "notesync:realtime"
	pingTimeout    = 5 * time.Second
)

var errMissingClient = errors.New("relay: redis client is required")

// Config describes a Redis-backed relay.
type Config struct {
	Client     redis.UniversalClient
	Channel    string
	InstanceID string
	Logger     *zap.Logger
}

// Redis fans realtime publications out to every process subscribed to the same channel.
// Each process skips publications it originated.
type Redis struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *zap.Logger
}

func NewRedis(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = ulid.Make().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:     cfg.Client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// Dial connects to Redis given either a redis:// URL or a host:port address and verifies
// the connection.
func Dial(ctx context.Context, address string) (*redis.Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("relay: redis address is required")
	}
	var options *redis.Options
	if strings.Contains(address, "://") {
		parsed, err := redis.ParseURL(address)
		if err != nil {
			return nil, fmt.Errorf("relay: parse redis url: %w", err)
		}
		options = parsed
	} else {
		options = &redis.Options{Addr: address}
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: connect to redis: %w", err)
	}
	return client, nil
}

func (r *Redis) InstanceID() string {
	return r.instanceID
}

// Publish stamps the publication with this instance id and sends it on the channel.
func (r *Redis) Publish(ctx context.Context, publication realtime.Publication) error {
	publication.Origin = r.instanceID
	payload, err := encodePublication(publication)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe delivers publications from other instances until ctx ends.
func (r *Redis) Subscribe(ctx context.Context, deliver func(realtime.Publication)) error {
	subscription := r.client.Subscribe(ctx, r.channel)
	defer subscription.Close()

	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("realtime relay subscribed",
		zap.String("channel", r.channel),
		zap.String("instance_id", r.instanceID))

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			publication, err := decodePublication(message.Payload)
			if err != nil {
				r.logger.Warn("realtime relay message discarded", zap.Error(err))
				continue
			}
			if publication.Origin == r.instanceID {
				continue
			}
			deliver(publication)
		}
	}
}

func encodePublication(publication realtime.Publication) (string, error) {
	payload, err := json.Marshal(publication)
	if err != nil {
		return "", fmt.Errorf("relay: encode publication: %w", err)
	}
	return string(payload), nil
}

func decodePublication(payload string) (realtime.Publication, error) {
	var publication realtime.Publication
	if err := json.Unmarshal([]byte(payload), &publication); err != nil {
		return realtime.Publication{}, fmt.Errorf("relay: decode publication: %w", err)
	}
	if publication.Origin == "" || publication.Event.Event == "" {
		return realtime.Publication{}, fmt.Errorf("relay: publication missing origin or event")
	}
	return publication, nil
}
