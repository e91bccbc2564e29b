package changebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

const testChannel = "pumpkins:test"

func mustEntryID(test *testing.T, raw string) voting.EntryID {
	test.Helper()
	entryID, err := voting.NewEntryID(raw)
	if err != nil {
		test.Fatalf("NewEntryID(%q): %v", raw, err)
	}
	return entryID
}

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
}

func TestEventCodecKeepsTransferEndpoints(test *testing.T) {
	test.Parallel()

	event := voting.ChangeEvent{
		Kind:            voting.ChangeVoteCast,
		EntryID:         mustEntryID(test, "entry-2"),
		PreviousEntryID: mustEntryID(test, "entry-1"),
		UnixMilli:       1_700_000_000_000,
	}
	payload, err := encodeEvent(event)
	if err != nil {
		test.Fatalf("encodeEvent: %v", err)
	}
	decoded, err := decodeEvent(payload)
	if err != nil {
		test.Fatalf("decodeEvent: %v", err)
	}
	if decoded != event {
		test.Fatalf("expected %+v, got %+v", event, decoded)
	}

	reset, err := encodeEvent(voting.ChangeEvent{Kind: voting.ChangeVotesReset, UnixMilli: 5})
	if err != nil {
		test.Fatalf("encodeEvent reset: %v", err)
	}
	if reset != `{"kind":"votes_reset","unix_milli":5}` {
		test.Fatalf("unexpected reset payload %s", reset)
	}
}

func TestDecodeEventRejectsMalformedPayloads(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "vote"},
		{name: "missing kind", payload: `{"entry_id":"entry-1"}`},
		{name: "blank entry id", payload: `{"kind":"vote_cast","entry_id":"   "}`},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := decodeEvent(testCase.payload); !errors.Is(err, ErrInvalidEvent) {
				test.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}

	if _, err := encodeEvent(voting.ChangeEvent{}); !errors.Is(err, ErrInvalidEvent) {
		test.Fatalf("expected ErrInvalidEvent for an empty kind, got %v", err)
	}
}

func TestRelaySkipsMalformedMessagesAndCoalesces(test *testing.T) {
	test.Parallel()

	core, recorded := observer.New(zapcore.WarnLevel)
	bus, err := New(unreachableClient(), WithChannel(testChannel), WithLogger(zap.New(core)))
	if err != nil {
		test.Fatalf("New: %v", err)
	}

	messages := make(chan *redis.Message, 4)
	messages <- &redis.Message{Channel: testChannel, Payload: "garbage"}
	messages <- &redis.Message{Channel: testChannel, Payload: `{"kind":"entry_approved","entry_id":"entry-1","unix_milli":1}`}
	messages <- &redis.Message{Channel: testChannel, Payload: `{"kind":"vote_cast","entry_id":"entry-1","unix_milli":2}`}
	close(messages)

	events := make(chan voting.ChangeEvent, 1)
	bus.relay(context.Background(), messages, events)

	if len(events) != 1 {
		test.Fatalf("expected one buffered event, got %d", len(events))
	}
	event := <-events
	if event.Kind != voting.ChangeEntryApproved || event.EntryID.String() != "entry-1" {
		test.Fatalf("unexpected event %+v", event)
	}
	if recorded.FilterMessage("changebus message skipped").Len() != 1 {
		test.Fatalf("expected one skipped-message warning, got %v", recorded.All())
	}
}

func TestRelayStopsOnCancel(test *testing.T) {
	test.Parallel()

	bus, err := New(unreachableClient())
	if err != nil {
		test.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		bus.relay(ctx, make(chan *redis.Message), make(chan voting.ChangeEvent, 1))
		close(finished)
	}()
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		test.Fatalf("relay did not stop after cancel")
	}
}

func TestUnreachableRedisSurfacesErrors(test *testing.T) {
	test.Parallel()

	client := unreachableClient()
	test.Cleanup(func() { _ = client.Close() })
	bus, err := New(client)
	if err != nil {
		test.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := bus.Publish(ctx, voting.ChangeEvent{Kind: voting.ChangeVotesReset}); err == nil {
		test.Fatalf("expected publish to fail without redis")
	}
	if _, _, err := bus.Watch(ctx); err == nil {
		test.Fatalf("expected watch to fail without redis")
	}
}

func TestNewRequiresClient(test *testing.T) {
	test.Parallel()

	if _, err := New(nil); err == nil {
		test.Fatalf("expected an error for a nil client")
	}
}
