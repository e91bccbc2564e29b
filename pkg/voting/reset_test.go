package voting

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func seedBallots(test *testing.T, service *Service, entryCount int, voteCount int) {
	test.Helper()
	for index := 0; index < voteCount; index++ {
		voter := mustVoter(test, fmt.Sprintf("voter-%02d", index))
		target := mustEntryID(test, fmt.Sprintf("entry-%02d", index%entryCount))
		if _, err := service.CastVote(context.Background(), voter, target); err != nil {
			test.Fatalf("vote: %v", err)
		}
	}
}

func seedEntries(test *testing.T, store *memStore, entryCount int) {
	test.Helper()
	for index := 0; index < entryCount; index++ {
		store.seed(approvedEntry(test, fmt.Sprintf("entry-%02d", index), int64(index+1), 0))
	}
}

func TestResetAllVotesClearsEverything(test *testing.T) {
	test.Parallel()
	const (
		entryCount = 5
		voteCount  = 11
	)
	store := newMemStore()
	seedEntries(test, store, entryCount)
	broadcaster := NewBroadcaster()
	events, release, err := broadcaster.Watch(context.Background())
	if err != nil {
		test.Fatalf("watch: %v", err)
	}
	defer release()
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithResetBatchSize(3), WithChangePublisher(broadcaster), WithOperationLogger(logger))
	seedBallots(test, service, entryCount, voteCount)

	summary, err := service.ResetAllVotes(context.Background(), mustAdmin(test))
	if err != nil {
		test.Fatalf("reset: %v", err)
	}
	if summary.VotesDeleted != voteCount || summary.TalliesSynced != entryCount || summary.PointersCleared != voteCount {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Batches < 3 {
		test.Fatalf("expected several bounded batches, got %d", summary.Batches)
	}
	state := store.snapshot()
	if len(state.votes) != 0 {
		test.Fatalf("expected no votes, got %d", len(state.votes))
	}
	for entryID, entry := range state.entries {
		if entry.VoteCount != 0 {
			test.Fatalf("entry %s tally %d after reset", entryID, entry.VoteCount)
		}
	}
	for userID, votedFor := range state.votedFor {
		if votedFor != "" {
			test.Fatalf("voter %s still points at %s", userID, votedFor)
		}
	}
	last := state.events[len(state.events)-1]
	if last.Action != operationResetVotes || !last.EntryID.IsZero() {
		test.Fatalf("expected a reset audit event, got %+v", last)
	}

	var sawReset bool
	for len(events) > 0 {
		if event := <-events; event.Kind == ChangeVotesReset {
			sawReset = true
		}
	}
	if !sawReset {
		test.Fatalf("expected a votes reset change event")
	}
	logs := logger.snapshot()
	if final := logs[len(logs)-1]; final.Operation != operationResetVotes || final.Status != OperationStatusOK {
		test.Fatalf("unexpected reset log %+v", final)
	}
}

func TestResetAllVotesCompletesOnRerun(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	seedEntries(test, store, 3)
	service := mustNewService(test, store, WithResetBatchSize(2))
	seedBallots(test, service, 3, 7)
	store.failOn(methodSyncCountsBatch, errStoreFailure)

	partial, err := service.ResetAllVotes(context.Background(), mustAdmin(test))
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected store error, got %v", err)
	}
	if partial.VotesDeleted != 7 {
		test.Fatalf("expected votes deleted before the failure, got %+v", partial)
	}

	store.failOn(methodSyncCountsBatch, nil)
	if _, err := service.ResetAllVotes(context.Background(), mustAdmin(test)); err != nil {
		test.Fatalf("rerun: %v", err)
	}
	state := store.snapshot()
	if len(state.votes) != 0 {
		test.Fatalf("expected no votes after rerun")
	}
	assertTalliesConsistent(test, state)
}

func TestResetAllVotesRequiresAdmin(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	seedEntries(test, store, 1)
	service := mustNewService(test, store)
	seedBallots(test, service, 1, 1)

	if _, err := service.ResetAllVotes(context.Background(), mustVoter(test, voterIDValue)); !errors.Is(err, ErrNotAuthorized) {
		test.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := service.ResetAllVotes(context.Background(), Principal{}); !errors.Is(err, ErrNotAuthenticated) {
		test.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if len(store.snapshot().votes) != 1 {
		test.Fatalf("unauthorized reset must not touch votes")
	}
}

func TestRebuildTalliesRepairsDrift(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	seedEntries(test, store, 3)
	service := mustNewService(test, store, WithResetBatchSize(2))
	seedBallots(test, service, 3, 6)

	store.mu.Lock()
	drifted := store.state.entries["entry-00"]
	drifted.VoteCount = 9
	store.state.entries["entry-00"] = drifted
	store.state.votedFor["voter-01"] = ""
	store.state.votedFor["ghost"] = "entry-02"
	store.mu.Unlock()

	summary, err := service.RebuildTallies(context.Background(), mustAdmin(test))
	if err != nil {
		test.Fatalf("rebuild: %v", err)
	}
	if summary.EntriesChecked != 3 || summary.TalliesCorrected != 1 || summary.PointersAssigned != 6 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	state := store.snapshot()
	assertTalliesConsistent(test, state)
	if state.votedFor["voter-01"] != "entry-01" || state.votedFor["ghost"] != "" {
		test.Fatalf("unexpected pointers after rebuild %+v", state.votedFor)
	}

	if _, err := service.RebuildTallies(context.Background(), mustVoter(test, voterIDValue)); !errors.Is(err, ErrNotAuthorized) {
		test.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}
