package voting

import (
	"context"
	"errors"
	"fmt"
)

// CastVote points the principal's single ballot at entryID. A first vote creates the ballot;
// a vote for another entry moves it, decrementing the old tally and incrementing the new one in
// the same transaction; a repeat vote for the current entry changes nothing.
func (service *Service) CastVote(ctx context.Context, principal Principal, entryID EntryID) (VoteResult, error) {
	var (
		result   VoteResult
		attempts int
	)
	operationError := requirePrincipal(principal)
	if operationError == nil && entryID.IsZero() {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if operationError == nil {
		attempts, operationError = service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			transfer, err := service.transferVote(ctx, transactionStore, principal.UserID(), entryID)
			if err != nil {
				return err
			}
			result = transfer
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationCastVote,
		ActorID:         principal.UserID(),
		EntryID:         entryID,
		PreviousEntryID: result.PreviousEntryID,
		Attempts:        attempts,
		Error:           operationError,
	})
	if operationError != nil {
		return VoteResult{}, operationError
	}
	if result.Changed {
		service.publish(ctx, ChangeEvent{Kind: ChangeVoteCast, EntryID: entryID, PreviousEntryID: result.PreviousEntryID})
	}
	return result, nil
}

// transferVote is one attempt of the vote transfer. Everything it reads comes from the
// transaction, so a retried attempt starts over from the committed state.
func (service *Service) transferVote(ctx context.Context, transactionStore Store, userID UserID, entryID EntryID) (VoteResult, error) {
	target, err := transactionStore.GetEntry(ctx, entryID)
	if err != nil {
		return VoteResult{}, err
	}
	if target.Status != EntryStatusApproved {
		return VoteResult{}, fmt.Errorf("%w: entry is %s", ErrEntryNotApproved, target.Status)
	}

	result := VoteResult{EntryID: entryID}
	previous, err := transactionStore.GetVote(ctx, userID)
	switch {
	case err == nil:
		result.PreviousEntryID = previous.EntryID
	case errors.Is(err, ErrVoteNotFound):
	default:
		return VoteResult{}, err
	}

	if result.PreviousEntryID == entryID {
		return result, transactionStore.SetVotedFor(ctx, userID, entryID)
	}

	voteID := previous.ID
	if result.PreviousEntryID.IsZero() {
		voteID = service.newID()
	} else {
		err := transactionStore.AdjustVoteCount(ctx, result.PreviousEntryID, -1)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return VoteResult{}, err
		}
	}
	if err := transactionStore.PutVote(ctx, Vote{
		ID:             voteID,
		UserID:         userID,
		EntryID:        entryID,
		VotedUnixMilli: service.nowFn(),
	}); err != nil {
		return VoteResult{}, err
	}
	if err := transactionStore.AdjustVoteCount(ctx, entryID, 1); err != nil {
		return VoteResult{}, err
	}
	if err := transactionStore.SetVotedFor(ctx, userID, entryID); err != nil {
		return VoteResult{}, err
	}
	result.Changed = true
	return result, nil
}

// MyVote returns the entry the principal currently votes for. It reads the vote ledger, never
// the cached pointer on the voter record.
func (service *Service) MyVote(ctx context.Context, principal Principal) (EntryID, bool, error) {
	if err := requirePrincipal(principal); err != nil {
		return EntryID{}, false, err
	}
	vote, err := service.store.GetVote(ctx, principal.UserID())
	if errors.Is(err, ErrVoteNotFound) {
		return EntryID{}, false, nil
	}
	if err != nil {
		return EntryID{}, false, err
	}
	return vote.EntryID, true, nil
}
