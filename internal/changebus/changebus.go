package changebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultChannel is the Redis pub/sub channel shared by every instance.
	DefaultChannel = "pumpkins:changes"

	watchBufferSize        = 64
	defaultMaxRetries      = 5
	defaultMinRetryBackoff = 8 * time.Millisecond
	defaultMaxRetryBackoff = 512 * time.Millisecond
	defaultDialTimeout     = 5 * time.Second
	defaultIOTimeout       = 5 * time.Second
	defaultPoolSize        = 5
)

// ErrInvalidEvent is returned when a payload on the channel cannot be decoded.
var ErrInvalidEvent = errors.New("invalid change event")

// NewClient builds a go-redis client for addr.
func NewClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		DialTimeout:     defaultDialTimeout,
		ReadTimeout:     defaultIOTimeout,
		WriteTimeout:    defaultIOTimeout,
		PoolSize:        defaultPoolSize,
	})
}

// Option configures a Bus.
type Option func(*Bus)

// WithChannel overrides the pub/sub channel name.
func WithChannel(channel string) Option {
	return func(bus *Bus) {
		if channel != "" {
			bus.channel = channel
		}
	}
}

// WithLogger wires a logger for dropped or malformed messages.
func WithLogger(logger *zap.Logger) Option {
	return func(bus *Bus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// Bus carries change events between service instances over Redis pub/sub.
// It implements both voting.ChangePublisher and voting.ChangeSource.
type Bus struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

var (
	_ voting.ChangePublisher = (*Bus)(nil)
	_ voting.ChangeSource    = (*Bus)(nil)
)

// New returns a Bus on client.
func New(client redis.UniversalClient, options ...Option) (*Bus, error) {
	if client == nil {
		return nil, fmt.Errorf("changebus: redis client is required")
	}
	bus := &Bus{client: client, channel: DefaultChannel, logger: zap.NewNop()}
	for _, option := range options {
		option(bus)
	}
	return bus, nil
}

// Publish sends the event to every watcher on the channel, including ones in this process.
func (bus *Bus) Publish(ctx context.Context, event voting.ChangeEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := bus.client.Publish(ctx, bus.channel, payload).Err(); err != nil {
		return fmt.Errorf("changebus publish: %w", err)
	}
	return nil
}

// Watch subscribes to the channel. The subscription is confirmed before Watch returns.
func (bus *Bus) Watch(ctx context.Context) (<-chan voting.ChangeEvent, func(), error) {
	subscription := bus.client.Subscribe(ctx, bus.channel)
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return nil, nil, fmt.Errorf("changebus subscribe: %w", err)
	}

	events := make(chan voting.ChangeEvent, watchBufferSize)
	relayCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(events)
		bus.relay(relayCtx, subscription.Channel(), events)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			_ = subscription.Close()
			<-done
		})
	}
	return events, release, nil
}

// relay decodes messages until ctx ends or messages closes. A full buffer drops the event;
// a pending one already tells the watcher to reload.
func (bus *Bus) relay(ctx context.Context, messages <-chan *redis.Message, events chan<- voting.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			event, err := decodeEvent(message.Payload)
			if err != nil {
				bus.logger.Warn("changebus message skipped", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			select {
			case events <- event:
			default:
				bus.logger.Debug("changebus event coalesced", zap.String("kind", string(event.Kind)))
			}
		}
	}
}

type wireEvent struct {
	Kind            string `json:"kind"`
	EntryID         string `json:"entry_id,omitempty"`
	PreviousEntryID string `json:"previous_entry_id,omitempty"`
	UnixMilli       int64  `json:"unix_milli"`
}

func encodeEvent(event voting.ChangeEvent) (string, error) {
	if event.Kind == "" {
		return "", fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	payload, err := json.Marshal(wireEvent{
		Kind:            string(event.Kind),
		EntryID:         event.EntryID.String(),
		PreviousEntryID: event.PreviousEntryID.String(),
		UnixMilli:       event.UnixMilli,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return string(payload), nil
}

func decodeEvent(payload string) (voting.ChangeEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return voting.ChangeEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if wire.Kind == "" {
		return voting.ChangeEvent{}, fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	event := voting.ChangeEvent{Kind: voting.ChangeKind(wire.Kind), UnixMilli: wire.UnixMilli}
	var err error
	if wire.EntryID != "" {
		if event.EntryID, err = voting.NewEntryID(wire.EntryID); err != nil {
			return voting.ChangeEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}
	if wire.PreviousEntryID != "" {
		if event.PreviousEntryID, err = voting.NewEntryID(wire.PreviousEntryID); err != nil {
			return voting.ChangeEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}
	return event, nil
}
