package voting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const feedWaitTimeout = 2 * time.Second

type galleryCollector struct {
	galleries chan Gallery
}

func newGalleryCollector() *galleryCollector {
	return &galleryCollector{galleries: make(chan Gallery, 32)}
}

func (collector *galleryCollector) onChange(gallery Gallery) {
	collector.galleries <- gallery
}

func (collector *galleryCollector) waitFor(test *testing.T, description string, match func(Gallery) bool) Gallery {
	test.Helper()
	deadline := time.After(feedWaitTimeout)
	for {
		select {
		case gallery := <-collector.galleries:
			if match(gallery) {
				return gallery
			}
		case <-deadline:
			test.Fatalf("timed out waiting for %s", description)
			return Gallery{}
		}
	}
}

func galleryContains(gallery Gallery, raw string) bool {
	for _, entry := range gallery.Entries {
		if entry.ID.String() == raw {
			return true
		}
	}
	return false
}

type failingSnapshots struct{}

func (failingSnapshots) ApprovedEntries(context.Context) ([]Entry, error) {
	return nil, errStoreFailure
}

func newFeedFixture(test *testing.T, options ...FeedOption) (*memStore, *Service, *Broadcaster, *Feed) {
	test.Helper()
	store := newMemStore()
	broadcaster := NewBroadcaster()
	service := mustNewService(test, store, WithChangePublisher(broadcaster))
	feed, err := NewFeed(service, broadcaster, options...)
	if err != nil {
		test.Fatalf("new feed: %v", err)
	}
	test.Cleanup(feed.Close)
	return store, service, broadcaster, feed
}

func TestNewFeedRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewFeed(nil, NewBroadcaster()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
	if _, err := NewFeed(failingSnapshots{}, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
}

func TestFeedDeliversInitialApprovedGallery(test *testing.T) {
	test.Parallel()
	store, _, _, feed := newFeedFixture(test)
	store.seed(approvedEntry(test, "old", 1, 2), approvedEntry(test, "new", 5, 7), pendingEntry(test, "queued", 9))
	collector := newGalleryCollector()

	unsubscribe, err := feed.Subscribe(context.Background(), collector.onChange)
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	gallery := collector.waitFor(test, "initial gallery", func(Gallery) bool { return true })
	if len(gallery.Entries) != 2 || gallery.Entries[0].ID.String() != "new" || gallery.Entries[1].ID.String() != "old" {
		test.Fatalf("expected approved entries newest first, got %+v", gallery.Entries)
	}
	winner, found := gallery.Leaderboard.Winner()
	if !found || winner.ID.String() != "new" {
		test.Fatalf("expected winner new, got %+v %v", winner, found)
	}
}

func TestFeedModerationGating(test *testing.T) {
	test.Parallel()
	store, service, _, feed := newFeedFixture(test)
	store.seed(pendingEntry(test, "approve-me", 1), pendingEntry(test, "reject-me", 2))
	collector := newGalleryCollector()
	unsubscribe, err := feed.Subscribe(context.Background(), collector.onChange)
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	initial := collector.waitFor(test, "initial gallery", func(Gallery) bool { return true })
	if len(initial.Entries) != 0 {
		test.Fatalf("pending entries must not be published, got %+v", initial.Entries)
	}

	admin := mustAdmin(test)
	if err := service.Reject(context.Background(), admin, mustEntryID(test, "reject-me")); err != nil {
		test.Fatalf("reject: %v", err)
	}
	if err := service.Approve(context.Background(), admin, mustEntryID(test, "approve-me")); err != nil {
		test.Fatalf("approve: %v", err)
	}
	gallery := collector.waitFor(test, "approved entry", func(gallery Gallery) bool {
		return galleryContains(gallery, "approve-me")
	})
	if galleryContains(gallery, "reject-me") {
		test.Fatalf("rejected entry must never be published")
	}

	if _, err := service.CastVote(context.Background(), mustVoter(test, voterIDValue), mustEntryID(test, "approve-me")); err != nil {
		test.Fatalf("vote: %v", err)
	}
	collector.waitFor(test, "tally update", func(gallery Gallery) bool {
		return len(gallery.Entries) == 1 && gallery.Entries[0].VoteCount == 1
	})

	if _, err := service.DeleteEntry(context.Background(), admin, mustEntryID(test, "approve-me")); err != nil {
		test.Fatalf("delete: %v", err)
	}
	collector.waitFor(test, "deletion", func(gallery Gallery) bool {
		return len(gallery.Entries) == 0
	})
}

func TestFeedSharesOneWatchAndReleasesIt(test *testing.T) {
	test.Parallel()
	var (
		countsMu sync.Mutex
		counts   []int
	)
	_, _, broadcaster, feed := newFeedFixture(test, WithSubscriberObserver(func(count int) {
		countsMu.Lock()
		defer countsMu.Unlock()
		counts = append(counts, count)
	}))

	first, err := feed.Subscribe(context.Background(), func(Gallery) {})
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	second, err := feed.Subscribe(context.Background(), func(Gallery) {})
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	if broadcaster.Watchers() != 1 || feed.Subscribers() != 2 {
		test.Fatalf("expected one watch for two subscribers, got %d watches %d subscribers", broadcaster.Watchers(), feed.Subscribers())
	}
	first()
	first()
	if broadcaster.Watchers() != 1 {
		test.Fatalf("watch must stay while a subscriber remains")
	}
	second()
	if broadcaster.Watchers() != 0 || feed.Subscribers() != 0 {
		test.Fatalf("expected the watch to be released, got %d", broadcaster.Watchers())
	}

	third, err := feed.Subscribe(context.Background(), func(Gallery) {})
	if err != nil {
		test.Fatalf("resubscribe: %v", err)
	}
	if broadcaster.Watchers() != 1 {
		test.Fatalf("expected a fresh watch after resubscribing")
	}
	third()

	countsMu.Lock()
	defer countsMu.Unlock()
	expected := []int{1, 2, 1, 0, 1, 0}
	if len(counts) != len(expected) {
		test.Fatalf("expected observer counts %v, got %v", expected, counts)
	}
	for index := range expected {
		if counts[index] != expected[index] {
			test.Fatalf("expected observer counts %v, got %v", expected, counts)
		}
	}
}

func TestFeedSlowSubscriberDoesNotBlockOthers(test *testing.T) {
	test.Parallel()
	store, service, _, feed := newFeedFixture(test)
	store.seed(approvedEntry(test, "a", 1, 0))
	blocked := make(chan struct{})
	var slowCalls sync.WaitGroup
	slowCalls.Add(1)
	var once sync.Once
	slowUnsubscribe, err := feed.Subscribe(context.Background(), func(Gallery) {
		once.Do(slowCalls.Done)
		<-blocked
	})
	if err != nil {
		test.Fatalf("subscribe slow: %v", err)
	}
	defer slowUnsubscribe()
	defer close(blocked)
	slowCalls.Wait()

	collector := newGalleryCollector()
	unsubscribe, err := feed.Subscribe(context.Background(), collector.onChange)
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	for index := 0; index < 5; index++ {
		voter := mustVoter(test, "voter-"+string(rune('a'+index)))
		if _, err := service.CastVote(context.Background(), voter, mustEntryID(test, "a")); err != nil {
			test.Fatalf("vote: %v", err)
		}
	}
	collector.waitFor(test, "all votes", func(gallery Gallery) bool {
		return len(gallery.Entries) == 1 && gallery.Entries[0].VoteCount == 5
	})
}

func TestFeedCloseReleasesEverything(test *testing.T) {
	test.Parallel()
	_, _, broadcaster, feed := newFeedFixture(test)
	unsubscribe, err := feed.Subscribe(context.Background(), func(Gallery) {})
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	feed.Close()
	if broadcaster.Watchers() != 0 || feed.Subscribers() != 0 {
		test.Fatalf("expected close to release the watch and subscribers")
	}
	unsubscribe()
	if _, err := feed.Subscribe(context.Background(), func(Gallery) {}); !errors.Is(err, ErrFeedClosed) {
		test.Fatalf("expected ErrFeedClosed, got %v", err)
	}
}

func TestFeedSubscribeFailsWhenSnapshotFails(test *testing.T) {
	test.Parallel()
	broadcaster := NewBroadcaster()
	feed, err := NewFeed(failingSnapshots{}, broadcaster)
	if err != nil {
		test.Fatalf("new feed: %v", err)
	}
	defer feed.Close()
	if _, err := feed.Subscribe(context.Background(), func(Gallery) {}); !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected snapshot error, got %v", err)
	}
	if broadcaster.Watchers() != 0 || feed.Subscribers() != 0 {
		test.Fatalf("failed subscription must not leak a watch")
	}
}

func TestFeedReportsReloadErrors(test *testing.T) {
	test.Parallel()
	errorsSeen := make(chan error, 4)
	store, service, _, feed := newFeedFixture(test, WithFeedErrorHandler(func(err error) {
		errorsSeen <- err
	}))
	store.seed(pendingEntry(test, "e", 1))
	unsubscribe, err := feed.Subscribe(context.Background(), func(Gallery) {})
	if err != nil {
		test.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	if err := service.Approve(context.Background(), mustAdmin(test), mustEntryID(test, "e")); err != nil {
		test.Fatalf("approve: %v", err)
	}
	store.failOn(methodListEntries, errStoreFailure)
	if _, err := service.CastVote(context.Background(), mustVoter(test, voterIDValue), mustEntryID(test, "e")); err != nil {
		test.Fatalf("vote: %v", err)
	}
	select {
	case err := <-errorsSeen:
		if !errors.Is(err, errStoreFailure) {
			test.Fatalf("unexpected reload error %v", err)
		}
	case <-time.After(feedWaitTimeout):
		test.Fatalf("expected a reload error")
	}
}
