package voting

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"testing"
)

const (
	methodInsertEntry        = "InsertEntry"
	methodGetEntry           = "GetEntry"
	methodListEntries        = "ListEntries"
	methodTransition         = "TransitionEntryStatus"
	methodDeleteEntry        = "DeleteEntry"
	methodAdjustVoteCount    = "AdjustVoteCount"
	methodPutVote            = "PutVote"
	methodDeleteVotesBatch   = "DeleteVotesBatch"
	methodSyncCountsBatch    = "SyncVoteCountsBatch"
	methodClearVotedBatch    = "ClearVotedForBatch"
	methodAppendModeration   = "AppendModerationEvent"
	methodDeleteVotesOfEntry = "DeleteVotesForEntry"

	adminIDValue = "admin-1"
	voterIDValue = "voter-1"
	fixedNow     = int64(1_700_000_000_000)
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type memState struct {
	entries  map[string]Entry
	votes    map[string]Vote
	votedFor map[string]string
	events   []ModerationEvent
}

func (state memState) clone() memState {
	cloned := memState{
		entries:  make(map[string]Entry, len(state.entries)),
		votes:    make(map[string]Vote, len(state.votes)),
		votedFor: make(map[string]string, len(state.votedFor)),
		events:   append([]ModerationEvent(nil), state.events...),
	}
	for key, value := range state.entries {
		cloned.entries[key] = value
	}
	for key, value := range state.votes {
		cloned.votes[key] = value
	}
	for key, value := range state.votedFor {
		cloned.votedFor[key] = value
	}
	return cloned
}

// memStore is a serializable in-memory Store: transactions run one at a time on a copy of the
// state that is swapped in on success.
type memStore struct {
	mu           sync.Mutex
	state        memState
	failures     map[string]error
	conflicts    int
	transactions int
}

type memTx struct {
	store *memStore
	state *memState
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			entries:  make(map[string]Entry),
			votes:    make(map[string]Vote),
			votedFor: make(map[string]string),
		},
		failures: make(map[string]error),
	}
}

func (store *memStore) failOn(method string, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failures[method] = err
}

func (store *memStore) conflictTimes(count int) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.conflicts = count
}

func (store *memStore) snapshot() memState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.clone()
}

func (store *memStore) seed(entries ...Entry) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, entry := range entries {
		store.state.entries[entry.ID.String()] = entry
	}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.transactions++
	if store.conflicts > 0 {
		store.conflicts--
		return fmt.Errorf("%w: simulated", ErrConflict)
	}
	working := store.state.clone()
	if err := fn(ctx, &memTx{store: store, state: &working}); err != nil {
		return err
	}
	store.state = working
	return nil
}

func (store *memStore) direct() *memTx {
	return &memTx{store: store, state: &store.state}
}

func (store *memStore) Ping(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().Ping(ctx)
}

func (store *memStore) InsertEntry(ctx context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().InsertEntry(ctx, entry)
}

func (store *memStore) GetEntry(ctx context.Context, entryID EntryID) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().GetEntry(ctx, entryID)
}

func (store *memStore) ListEntries(ctx context.Context, status EntryStatus) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ListEntries(ctx, status)
}

func (store *memStore) TransitionEntryStatus(ctx context.Context, transition StatusTransition) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().TransitionEntryStatus(ctx, transition)
}

func (store *memStore) DeleteEntry(ctx context.Context, entryID EntryID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().DeleteEntry(ctx, entryID)
}

func (store *memStore) AdjustVoteCount(ctx context.Context, entryID EntryID, delta int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().AdjustVoteCount(ctx, entryID, delta)
}

func (store *memStore) SetVoteCount(ctx context.Context, entryID EntryID, count int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().SetVoteCount(ctx, entryID, count)
}

func (store *memStore) GetVote(ctx context.Context, userID UserID) (Vote, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().GetVote(ctx, userID)
}

func (store *memStore) PutVote(ctx context.Context, vote Vote) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().PutVote(ctx, vote)
}

func (store *memStore) CountVotes(ctx context.Context, entryID EntryID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().CountVotes(ctx, entryID)
}

func (store *memStore) ListVoterIDs(ctx context.Context, entryID EntryID) ([]UserID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ListVoterIDs(ctx, entryID)
}

func (store *memStore) DeleteVotesForEntry(ctx context.Context, entryID EntryID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().DeleteVotesForEntry(ctx, entryID)
}

func (store *memStore) SetVotedFor(ctx context.Context, userID UserID, entryID EntryID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().SetVotedFor(ctx, userID, entryID)
}

func (store *memStore) ClearVotedForEntry(ctx context.Context, entryID EntryID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ClearVotedForEntry(ctx, entryID)
}

func (store *memStore) DeleteVotesBatch(ctx context.Context, limit int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().DeleteVotesBatch(ctx, limit)
}

func (store *memStore) SyncVoteCountsBatch(ctx context.Context, limit int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().SyncVoteCountsBatch(ctx, limit)
}

func (store *memStore) ClearVotedForBatch(ctx context.Context, limit int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ClearVotedForBatch(ctx, limit)
}

func (store *memStore) AppendModerationEvent(ctx context.Context, event ModerationEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().AppendModerationEvent(ctx, event)
}

func (store *memStore) ListModerationEvents(ctx context.Context, limit int) ([]ModerationEvent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.direct().ListModerationEvents(ctx, limit)
}

func (tx *memTx) fail(method string) error {
	return tx.store.failures[method]
}

func (tx *memTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *memTx) Ping(context.Context) error {
	return nil
}

func (tx *memTx) InsertEntry(_ context.Context, entry Entry) error {
	if err := tx.fail(methodInsertEntry); err != nil {
		return err
	}
	if _, exists := tx.state.entries[entry.ID.String()]; exists {
		return ErrConflict
	}
	tx.state.entries[entry.ID.String()] = entry
	return nil
}

func (tx *memTx) GetEntry(_ context.Context, entryID EntryID) (Entry, error) {
	if err := tx.fail(methodGetEntry); err != nil {
		return Entry{}, err
	}
	entry, found := tx.state.entries[entryID.String()]
	if !found {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (tx *memTx) ListEntries(_ context.Context, status EntryStatus) ([]Entry, error) {
	if err := tx.fail(methodListEntries); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(tx.state.entries))
	for _, entry := range tx.state.entries {
		if status == AnyStatus || entry.Status == status {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left int, right int) bool {
		if entries[left].SubmittedUnixMilli != entries[right].SubmittedUnixMilli {
			return entries[left].SubmittedUnixMilli > entries[right].SubmittedUnixMilli
		}
		return entries[left].ID.String() < entries[right].ID.String()
	})
	return entries, nil
}

func (tx *memTx) TransitionEntryStatus(_ context.Context, transition StatusTransition) error {
	if err := tx.fail(methodTransition); err != nil {
		return err
	}
	entry, found := tx.state.entries[transition.EntryID.String()]
	if !found {
		return ErrEntryNotFound
	}
	if entry.Status != transition.From {
		return ErrConflict
	}
	entry.Status = transition.To
	if transition.To == EntryStatusApproved {
		entry.ApprovedBy = transition.ApprovedBy
		entry.ApprovedUnixMilli = transition.ApprovedUnixMilli
	}
	tx.state.entries[entry.ID.String()] = entry
	return nil
}

func (tx *memTx) DeleteEntry(_ context.Context, entryID EntryID) error {
	if err := tx.fail(methodDeleteEntry); err != nil {
		return err
	}
	if _, found := tx.state.entries[entryID.String()]; !found {
		return ErrEntryNotFound
	}
	delete(tx.state.entries, entryID.String())
	return nil
}

func (tx *memTx) AdjustVoteCount(_ context.Context, entryID EntryID, delta int64) error {
	if err := tx.fail(methodAdjustVoteCount); err != nil {
		return err
	}
	entry, found := tx.state.entries[entryID.String()]
	if !found {
		return ErrEntryNotFound
	}
	if entry.VoteCount+delta < 0 {
		return ErrInvalidVoteCount
	}
	entry.VoteCount += delta
	tx.state.entries[entryID.String()] = entry
	return nil
}

func (tx *memTx) SetVoteCount(_ context.Context, entryID EntryID, count int64) error {
	entry, found := tx.state.entries[entryID.String()]
	if !found {
		return ErrEntryNotFound
	}
	entry.VoteCount = count
	tx.state.entries[entryID.String()] = entry
	return nil
}

func (tx *memTx) GetVote(_ context.Context, userID UserID) (Vote, error) {
	vote, found := tx.state.votes[userID.String()]
	if !found {
		return Vote{}, ErrVoteNotFound
	}
	return vote, nil
}

func (tx *memTx) PutVote(_ context.Context, vote Vote) error {
	if err := tx.fail(methodPutVote); err != nil {
		return err
	}
	tx.state.votes[vote.UserID.String()] = vote
	return nil
}

func (tx *memTx) CountVotes(_ context.Context, entryID EntryID) (int64, error) {
	var count int64
	for _, vote := range tx.state.votes {
		if vote.EntryID == entryID {
			count++
		}
	}
	return count, nil
}

func (tx *memTx) ListVoterIDs(_ context.Context, entryID EntryID) ([]UserID, error) {
	var voterIDs []UserID
	for _, vote := range tx.state.votes {
		if vote.EntryID == entryID {
			voterIDs = append(voterIDs, vote.UserID)
		}
	}
	return voterIDs, nil
}

func (tx *memTx) DeleteVotesForEntry(_ context.Context, entryID EntryID) (int64, error) {
	if err := tx.fail(methodDeleteVotesOfEntry); err != nil {
		return 0, err
	}
	var removed int64
	for userID, vote := range tx.state.votes {
		if vote.EntryID == entryID {
			delete(tx.state.votes, userID)
			removed++
		}
	}
	return removed, nil
}

func (tx *memTx) SetVotedFor(_ context.Context, userID UserID, entryID EntryID) error {
	tx.state.votedFor[userID.String()] = entryID.String()
	return nil
}

func (tx *memTx) ClearVotedForEntry(_ context.Context, entryID EntryID) (int64, error) {
	var cleared int64
	for userID, votedFor := range tx.state.votedFor {
		if votedFor == entryID.String() {
			tx.state.votedFor[userID] = ""
			cleared++
		}
	}
	return cleared, nil
}

func (tx *memTx) DeleteVotesBatch(_ context.Context, limit int) (int64, error) {
	if err := tx.fail(methodDeleteVotesBatch); err != nil {
		return 0, err
	}
	var removed int64
	for _, userID := range sortedKeys(tx.state.votes) {
		if removed == int64(limit) {
			break
		}
		delete(tx.state.votes, userID)
		removed++
	}
	return removed, nil
}

func (tx *memTx) SyncVoteCountsBatch(_ context.Context, limit int) (int64, error) {
	if err := tx.fail(methodSyncCountsBatch); err != nil {
		return 0, err
	}
	counts := make(map[string]int64)
	for _, vote := range tx.state.votes {
		counts[vote.EntryID.String()]++
	}
	var synced int64
	for _, entryID := range sortedKeys(tx.state.entries) {
		if synced == int64(limit) {
			break
		}
		entry := tx.state.entries[entryID]
		if entry.VoteCount == counts[entryID] {
			continue
		}
		entry.VoteCount = counts[entryID]
		tx.state.entries[entryID] = entry
		synced++
	}
	return synced, nil
}

func (tx *memTx) ClearVotedForBatch(_ context.Context, limit int) (int64, error) {
	if err := tx.fail(methodClearVotedBatch); err != nil {
		return 0, err
	}
	var cleared int64
	for _, userID := range sortedKeys(tx.state.votedFor) {
		if cleared == int64(limit) {
			break
		}
		if tx.state.votedFor[userID] == "" {
			continue
		}
		if _, voted := tx.state.votes[userID]; voted {
			continue
		}
		tx.state.votedFor[userID] = ""
		cleared++
	}
	return cleared, nil
}

func (tx *memTx) AppendModerationEvent(_ context.Context, event ModerationEvent) error {
	if err := tx.fail(methodAppendModeration); err != nil {
		return err
	}
	tx.state.events = append(tx.state.events, event)
	return nil
}

func (tx *memTx) ListModerationEvents(_ context.Context, limit int) ([]ModerationEvent, error) {
	events := make([]ModerationEvent, 0, limit)
	for index := len(tx.state.events) - 1; index >= 0 && len(events) < limit; index-- {
		events = append(events, tx.state.events[index])
	}
	return events, nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (ids *sequentialIDs) generate() string {
	ids.mu.Lock()
	defer ids.mu.Unlock()
	ids.next++
	return fmt.Sprintf("id-%04d", ids.next)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	ids := &sequentialIDs{}
	defaults := []ServiceOption{WithIDGenerator(ids.generate), WithRetryBackoff(0)}
	service, err := NewService(store, func() int64 { return fixedNow }, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustEntryID(test *testing.T, raw string) EntryID {
	test.Helper()
	entryID, err := NewEntryID(raw)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	return entryID
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustVoter(test *testing.T, raw string) Principal {
	test.Helper()
	return NewPrincipal(mustUserID(test, raw), false)
}

func mustAdmin(test *testing.T) Principal {
	test.Helper()
	return NewPrincipal(mustUserID(test, adminIDValue), true)
}

func mustSubmission(test *testing.T, title string) Submission {
	test.Helper()
	submission, err := NewSubmission(title, "carved last night", "Sam", pngDataURI())
	if err != nil {
		test.Fatalf("submission: %v", err)
	}
	return submission
}

func pngDataURI() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngSignature)
}

func approvedEntry(test *testing.T, raw string, submittedUnixMilli int64, voteCount int64) Entry {
	test.Helper()
	return Entry{
		ID:                 mustEntryID(test, raw),
		Title:              "Pumpkin " + raw,
		CarverName:         "Carver " + raw,
		Image:              pngDataURI(),
		Status:             EntryStatusApproved,
		SubmittedBy:        mustUserID(test, "owner-"+raw),
		SubmittedUnixMilli: submittedUnixMilli,
		ApprovedBy:         mustUserID(test, adminIDValue),
		ApprovedUnixMilli:  submittedUnixMilli + 1,
		VoteCount:          voteCount,
	}
}

func pendingEntry(test *testing.T, raw string, submittedUnixMilli int64) Entry {
	test.Helper()
	entry := approvedEntry(test, raw, submittedUnixMilli, 0)
	entry.Status = EntryStatusPending
	entry.ApprovedBy = UserID{}
	entry.ApprovedUnixMilli = 0
	return entry
}

// assertTalliesConsistent checks that every tally equals the number of ballots naming the entry
// and that no tally is negative.
func assertTalliesConsistent(test *testing.T, state memState) {
	test.Helper()
	counts := make(map[string]int64)
	for _, vote := range state.votes {
		counts[vote.EntryID.String()]++
	}
	for entryID, entry := range state.entries {
		if entry.VoteCount < 0 {
			test.Fatalf("entry %s has negative tally %d", entryID, entry.VoteCount)
		}
		if entry.VoteCount != counts[entryID] {
			test.Fatalf("entry %s tally %d, ledger %d", entryID, entry.VoteCount, counts[entryID])
		}
	}
	for _, vote := range state.votes {
		if _, found := state.entries[vote.EntryID.String()]; !found {
			test.Fatalf("vote %s references missing entry %s", vote.ID, vote.EntryID)
		}
	}
}
