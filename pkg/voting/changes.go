package voting

import (
	"context"
	"sync"
)

// ChangeKind names what happened to the entry set.
type ChangeKind string

const (
	ChangeEntrySubmitted ChangeKind = "entry_submitted"
	ChangeEntryApproved  ChangeKind = "entry_approved"
	ChangeEntryRejected  ChangeKind = "entry_rejected"
	ChangeEntryDeleted   ChangeKind = "entry_deleted"
	ChangeVoteCast       ChangeKind = "vote_cast"
	ChangeVotesReset     ChangeKind = "votes_reset"
	ChangeTalliesRebuilt ChangeKind = "tallies_rebuilt"
)

// ChangeEvent announces a committed change to entries or tallies.
type ChangeEvent struct {
	Kind            ChangeKind
	EntryID         EntryID
	PreviousEntryID EntryID
	UnixMilli       int64
}

// ChangePublisher receives committed changes.
type ChangePublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// ChangeSource yields committed changes until the returned cancel function is called.
// The channel is closed once the watch is released.
type ChangeSource interface {
	Watch(ctx context.Context) (<-chan ChangeEvent, func(), error)
}

const broadcasterBufferSize = 64

// Broadcaster is an in-process change stream: every published event is offered to every watcher.
type Broadcaster struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]chan ChangeEvent
}

// NewBroadcaster returns an empty in-process change stream.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{watchers: make(map[int]chan ChangeEvent)}
}

// Publish offers the event to every watcher. A watcher whose buffer is full misses the event;
// watchers only need to know that something changed, so one pending event is enough.
func (broadcaster *Broadcaster) Publish(_ context.Context, event ChangeEvent) error {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	for _, watcher := range broadcaster.watchers {
		select {
		case watcher <- event:
		default:
		}
	}
	return nil
}

// Watch registers a watcher. Cancelling ctx or calling the returned function releases it.
func (broadcaster *Broadcaster) Watch(ctx context.Context) (<-chan ChangeEvent, func(), error) {
	events := make(chan ChangeEvent, broadcasterBufferSize)
	broadcaster.mu.Lock()
	watcherID := broadcaster.nextID
	broadcaster.nextID++
	broadcaster.watchers[watcherID] = events
	broadcaster.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	release := func() {
		once.Do(func() {
			broadcaster.mu.Lock()
			delete(broadcaster.watchers, watcherID)
			broadcaster.mu.Unlock()
			close(stopped)
			close(events)
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				release()
			case <-stopped:
			}
		}()
	}
	return events, release, nil
}

// Watchers returns the number of registered watchers.
func (broadcaster *Broadcaster) Watchers() int {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	return len(broadcaster.watchers)
}
