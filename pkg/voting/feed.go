package voting

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync"
)

// SnapshotSource loads the approved gallery.
type SnapshotSource interface {
	ApprovedEntries(ctx context.Context) ([]Entry, error)
}

// Gallery is an immutable snapshot of the approved entries. Every subscriber receives the same
// value; callers must not modify the slices.
type Gallery struct {
	Entries     []Entry
	Leaderboard Leaderboard
	Version     uint64
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedErrorHandler receives snapshot reload failures. Subscribers keep their last gallery.
func WithFeedErrorHandler(handler func(error)) FeedOption {
	return func(feed *Feed) {
		feed.onError = handler
	}
}

// WithSubscriberObserver is called with the subscriber count whenever it changes.
func WithSubscriberObserver(observer func(count int)) FeedOption {
	return func(feed *Feed) {
		feed.onSubscribers = observer
	}
}

// Feed pushes the approved gallery to subscribers whenever the change source reports a commit.
// One watch on the change source is held while at least one subscriber exists.
type Feed struct {
	snapshots     SnapshotSource
	changes       ChangeSource
	subscribers   *xsync.MapOf[string, *feedSubscriber]
	nextID        atomic.Uint64
	version       atomic.Uint64
	onError       func(error)
	onSubscribers func(int)

	mu           sync.Mutex
	closed       bool
	releaseWatch func()
}

type feedSubscriber struct {
	mu      sync.Mutex
	mailbox chan Gallery
	done    chan struct{}
	once    sync.Once
}

// NewFeed builds a feed over a snapshot loader and a change stream.
func NewFeed(snapshots SnapshotSource, changes ChangeSource, options ...FeedOption) (*Feed, error) {
	if snapshots == nil {
		return nil, WrapError("feed", "snapshots", "nil", ErrInvalidServiceConfig)
	}
	if changes == nil {
		return nil, WrapError("feed", "changes", "nil", ErrInvalidServiceConfig)
	}
	feed := &Feed{
		snapshots:   snapshots,
		changes:     changes,
		subscribers: xsync.NewMapOf[*feedSubscriber](),
	}
	for _, option := range options {
		if option != nil {
			option(feed)
		}
	}
	return feed, nil
}

// Subscribe delivers the current gallery to onChange and then a fresh gallery after every
// change. Calls to onChange for one subscriber never overlap; a slow subscriber skips straight
// to the newest gallery. The returned function unsubscribes and may be called more than once.
func (feed *Feed) Subscribe(ctx context.Context, onChange func(Gallery)) (func(), error) {
	if onChange == nil {
		return nil, WrapError("feed", "subscriber", "nil", ErrInvalidServiceConfig)
	}
	subscriberID := strconv.FormatUint(feed.nextID.Add(1), 10)
	subscriber := &feedSubscriber{
		mailbox: make(chan Gallery, 1),
		done:    make(chan struct{}),
	}

	feed.mu.Lock()
	if feed.closed {
		feed.mu.Unlock()
		return nil, ErrFeedClosed
	}
	feed.subscribers.Store(subscriberID, subscriber)
	if feed.releaseWatch == nil {
		events, release, err := feed.changes.Watch(context.Background())
		if err != nil {
			feed.subscribers.Delete(subscriberID)
			feed.mu.Unlock()
			return nil, WrapError("feed", "watch", "start", err)
		}
		feed.releaseWatch = release
		go feed.consume(events)
	}
	feed.mu.Unlock()
	feed.observeSubscribers()

	go subscriber.deliver(onChange)
	unsubscribe := func() {
		feed.unsubscribe(subscriberID)
	}

	gallery, err := feed.load(ctx)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	subscriber.offer(gallery)
	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions.
func (feed *Feed) Subscribers() int {
	return feed.subscribers.Size()
}

// Close releases every subscriber and the change watch. Later subscriptions fail.
func (feed *Feed) Close() {
	feed.mu.Lock()
	feed.closed = true
	feed.subscribers.Range(func(subscriberID string, subscriber *feedSubscriber) bool {
		feed.subscribers.Delete(subscriberID)
		subscriber.stop()
		return true
	})
	release := feed.releaseWatch
	feed.releaseWatch = nil
	feed.mu.Unlock()
	if release != nil {
		release()
	}
	feed.observeSubscribers()
}

func (feed *Feed) unsubscribe(subscriberID string) {
	feed.mu.Lock()
	subscriber, found := feed.subscribers.LoadAndDelete(subscriberID)
	if !found {
		feed.mu.Unlock()
		return
	}
	subscriber.stop()
	var release func()
	if feed.subscribers.Size() == 0 {
		release = feed.releaseWatch
		feed.releaseWatch = nil
	}
	feed.mu.Unlock()
	if release != nil {
		release()
	}
	feed.observeSubscribers()
}

// consume reloads once per burst of change events until the watch is released.
func (feed *Feed) consume(events <-chan ChangeEvent) {
	for range events {
	drain:
		for {
			select {
			case _, open := <-events:
				if !open {
					return
				}
			default:
				break drain
			}
		}
		feed.refresh()
	}
}

func (feed *Feed) refresh() {
	gallery, err := feed.load(context.Background())
	if err != nil {
		if feed.onError != nil {
			feed.onError(err)
		}
		return
	}
	feed.subscribers.Range(func(_ string, subscriber *feedSubscriber) bool {
		subscriber.offer(gallery)
		return true
	})
}

// load reads a snapshot. The version is taken before the read, so a higher version never
// reflects older data than a lower one.
func (feed *Feed) load(ctx context.Context) (Gallery, error) {
	version := feed.version.Add(1)
	entries, err := feed.snapshots.ApprovedEntries(ctx)
	if err != nil {
		return Gallery{}, WrapError("feed", "snapshot", "load", err)
	}
	return Gallery{
		Entries:     entries,
		Leaderboard: RankLeaderboard(entries),
		Version:     version,
	}, nil
}

func (feed *Feed) observeSubscribers() {
	if feed.onSubscribers != nil {
		feed.onSubscribers(feed.subscribers.Size())
	}
}

// offer replaces whatever is waiting in the mailbox with the newer of the two galleries.
func (subscriber *feedSubscriber) offer(gallery Gallery) {
	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	select {
	case pending := <-subscriber.mailbox:
		if pending.Version > gallery.Version {
			gallery = pending
		}
	default:
	}
	subscriber.mailbox <- gallery
}

func (subscriber *feedSubscriber) deliver(onChange func(Gallery)) {
	var delivered uint64
	for {
		select {
		case <-subscriber.done:
			return
		case gallery := <-subscriber.mailbox:
			if gallery.Version <= delivered {
				continue
			}
			select {
			case <-subscriber.done:
				return
			default:
			}
			delivered = gallery.Version
			onChange(gallery)
		}
	}
}

func (subscriber *feedSubscriber) stop() {
	subscriber.once.Do(func() {
		close(subscriber.done)
	})
}
