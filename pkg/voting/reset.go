package voting

import (
	"context"
	"errors"
)

type batchPhase struct {
	name  string
	run   func(transactionStore Store, ctx context.Context, limit int) (int64, error)
	total *int64
}

// ResetAllVotes deletes every vote, then sets every tally to the votes that remain and clears the
// pointers of voters left without a vote. A vote cast while the reset runs keeps a matching tally.
// Each phase commits in bounded batches, so a failure part-way leaves a partially reset state;
// running the reset again completes it.
func (service *Service) ResetAllVotes(ctx context.Context, principal Principal) (ResetSummary, error) {
	var (
		summary  ResetSummary
		attempts int
	)
	operationError := requireAdmin(principal)
	if operationError == nil {
		phases := []batchPhase{
			{name: "delete_votes", run: Store.DeleteVotesBatch, total: &summary.VotesDeleted},
			{name: "sync_tallies", run: Store.SyncVoteCountsBatch, total: &summary.TalliesSynced},
			{name: "clear_pointers", run: Store.ClearVotedForBatch, total: &summary.PointersCleared},
		}
		for _, phase := range phases {
			batches, phaseAttempts, err := service.drainPhase(ctx, phase)
			summary.Batches += batches
			attempts += phaseAttempts
			if err != nil {
				operationError = err
				break
			}
		}
	}
	if operationError == nil {
		var eventAttempts int
		eventAttempts, operationError = service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return service.appendEvent(ctx, transactionStore, EntryID{}, operationResetVotes, principal.UserID(), service.nowFn(), map[string]any{
				"votes_deleted":    summary.VotesDeleted,
				"tallies_synced":   summary.TalliesSynced,
				"pointers_cleared": summary.PointersCleared,
				"batches":          summary.Batches,
			})
		})
		attempts += eventAttempts
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationResetVotes,
		ActorID:   principal.UserID(),
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError == nil || summary.VotesDeleted > 0 || summary.TalliesSynced > 0 || summary.PointersCleared > 0 {
		service.publish(ctx, ChangeEvent{Kind: ChangeVotesReset})
	}
	return summary, operationError
}

func (service *Service) drainPhase(ctx context.Context, phase batchPhase) (int, int, error) {
	batches := 0
	attempts := 0
	for {
		var affected int64
		batchAttempts, err := service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			count, err := phase.run(transactionStore, ctx, service.resetBatchSize)
			affected = count
			return err
		})
		attempts += batchAttempts
		if err != nil {
			return batches, attempts, WrapError("service", "reset", phase.name, err)
		}
		batches++
		*phase.total += affected
		if affected < int64(service.resetBatchSize) {
			return batches, attempts, nil
		}
	}
}

// RebuildTallies recomputes every entry's vote count and every voter pointer from the vote
// ledger. Entries are processed one transaction at a time.
func (service *Service) RebuildTallies(ctx context.Context, principal Principal) (RebuildSummary, error) {
	var (
		summary  RebuildSummary
		attempts int
		cleared  int64
	)
	operationError := requireAdmin(principal)
	var entries []Entry
	if operationError == nil {
		entries, operationError = service.store.ListEntries(ctx, AnyStatus)
	}
	if operationError == nil {
		_, attempts, operationError = service.drainPhase(ctx, batchPhase{
			name:  "clear_pointers",
			run:   Store.ClearVotedForBatch,
			total: &cleared,
		})
	}
	if operationError == nil {
		for _, listed := range entries {
			var (
				corrected bool
				assigned  int
			)
			entryAttempts, err := service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
				corrected = false
				assigned = 0
				entry, err := transactionStore.GetEntry(ctx, listed.ID)
				if errors.Is(err, ErrEntryNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				count, err := transactionStore.CountVotes(ctx, entry.ID)
				if err != nil {
					return err
				}
				if count != entry.VoteCount {
					if err := transactionStore.SetVoteCount(ctx, entry.ID, count); err != nil {
						return err
					}
					corrected = true
				}
				voterIDs, err := transactionStore.ListVoterIDs(ctx, entry.ID)
				if err != nil {
					return err
				}
				for _, voterID := range voterIDs {
					if err := transactionStore.SetVotedFor(ctx, voterID, entry.ID); err != nil {
						return err
					}
				}
				assigned = len(voterIDs)
				return nil
			})
			attempts += entryAttempts
			if err != nil {
				operationError = err
				break
			}
			summary.EntriesChecked++
			summary.PointersAssigned += assigned
			if corrected {
				summary.TalliesCorrected++
			}
		}
	}
	if operationError == nil {
		var eventAttempts int
		eventAttempts, operationError = service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return service.appendEvent(ctx, transactionStore, EntryID{}, operationRebuildTallies, principal.UserID(), service.nowFn(), map[string]any{
				"entries_checked":   summary.EntriesChecked,
				"tallies_corrected": summary.TalliesCorrected,
				"pointers_assigned": summary.PointersAssigned,
			})
		})
		attempts += eventAttempts
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRebuildTallies,
		ActorID:   principal.UserID(),
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError == nil && summary.TalliesCorrected > 0 {
		service.publish(ctx, ChangeEvent{Kind: ChangeTalliesRebuilt})
	}
	return summary, operationError
}
