package voting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the voting domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	logger         OperationLogger
	publisher      ChangePublisher
	retry          retryPolicy
	resetBatchSize int
	newID          func() string
}

// NewService wires a Service. now returns the current time in unix milliseconds.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		retry:          retryPolicy{maxAttempts: defaultMaxAttempts, backoff: defaultRetryBackoff},
		resetBatchSize: defaultResetBatchSize,
		newID:          uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.retry.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidServiceConfig)
	}
	if service.resetBatchSize < 1 {
		return nil, fmt.Errorf("%w: reset batch size must be at least 1", ErrInvalidServiceConfig)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// SubmitEntry stores a new pending entry owned by the principal.
func (service *Service) SubmitEntry(ctx context.Context, principal Principal, submission Submission) (EntryID, error) {
	var (
		entryID  EntryID
		attempts int
	)
	operationError := requirePrincipal(principal)
	if operationError == nil && submission.title == "" {
		operationError = fmt.Errorf("%w: submission was not validated", ErrInvalidSubmission)
	}
	if operationError == nil {
		entryID, operationError = NewEntryID(service.newID())
	}
	if operationError == nil {
		entry := Entry{
			ID:                 entryID,
			Title:              submission.Title(),
			Description:        submission.Description(),
			CarverName:         submission.CarverName(),
			Image:              submission.Image(),
			Status:             EntryStatusPending,
			SubmittedBy:        principal.UserID(),
			SubmittedUnixMilli: service.nowFn(),
		}
		attempts, operationError = service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return transactionStore.InsertEntry(ctx, entry)
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSubmit,
		ActorID:   principal.UserID(),
		EntryID:   entryID,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return EntryID{}, operationError
	}
	service.publish(ctx, ChangeEvent{Kind: ChangeEntrySubmitted, EntryID: entryID})
	return entryID, nil
}

// Entry returns a single entry regardless of its status.
func (service *Service) Entry(ctx context.Context, entryID EntryID) (Entry, error) {
	if entryID.IsZero() {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return service.store.GetEntry(ctx, entryID)
}

// ApprovedEntries lists every approved entry, newest submission first.
func (service *Service) ApprovedEntries(ctx context.Context) ([]Entry, error) {
	return service.store.ListEntries(ctx, EntryStatusApproved)
}

// ListByStatus lists entries in one moderation state. Approved entries are public; the
// moderation queues require an administrator.
func (service *Service) ListByStatus(ctx context.Context, principal Principal, status EntryStatus) ([]Entry, error) {
	if status == EntryStatusApproved {
		return service.ApprovedEntries(ctx)
	}
	if status != AnyStatus {
		if _, err := ParseEntryStatus(status.String()); err != nil {
			return nil, err
		}
	}
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, status)
}

// ListAll lists every entry for moderation, newest submission first.
func (service *Service) ListAll(ctx context.Context, principal Principal) ([]Entry, error) {
	return service.ListByStatus(ctx, principal, AnyStatus)
}

// Approve moves a pending entry into the public gallery.
func (service *Service) Approve(ctx context.Context, principal Principal, entryID EntryID) error {
	return service.SetStatus(ctx, principal, entryID, EntryStatusApproved)
}

// Reject removes a pending entry from consideration.
func (service *Service) Reject(ctx context.Context, principal Principal, entryID EntryID) error {
	return service.SetStatus(ctx, principal, entryID, EntryStatusRejected)
}

// SetStatus moderates a pending entry. Repeating the transition an entry already went through
// succeeds without touching it; every other transition out of approved or rejected fails.
func (service *Service) SetStatus(ctx context.Context, principal Principal, entryID EntryID, status EntryStatus) error {
	operation := operationApprove
	if status == EntryStatusRejected {
		operation = operationReject
	}
	var (
		changed  bool
		attempts int
	)
	operationError := requireAdmin(principal)
	if operationError == nil && entryID.IsZero() {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if operationError == nil && status != EntryStatusApproved && status != EntryStatusRejected {
		operationError = fmt.Errorf("%w: cannot move an entry to %q", ErrInvalidTransition, status)
	}
	if operationError == nil {
		attempts, operationError = service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			changed = false
			entry, err := transactionStore.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			if entry.Status == status {
				return nil
			}
			if entry.Status != EntryStatusPending {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, status)
			}
			nowUnixMilli := service.nowFn()
			transition := StatusTransition{EntryID: entryID, From: entry.Status, To: status}
			if status == EntryStatusApproved {
				transition.ApprovedBy = principal.UserID()
				transition.ApprovedUnixMilli = nowUnixMilli
			}
			if err := transactionStore.TransitionEntryStatus(ctx, transition); err != nil {
				return err
			}
			if err := service.appendEvent(ctx, transactionStore, entryID, operation, principal.UserID(), nowUnixMilli, map[string]any{
				"from": entry.Status.String(),
				"to":   status.String(),
			}); err != nil {
				return err
			}
			changed = true
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		ActorID:   principal.UserID(),
		EntryID:   entryID,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError == nil && changed {
		kind := ChangeEntryApproved
		if status == EntryStatusRejected {
			kind = ChangeEntryRejected
		}
		service.publish(ctx, ChangeEvent{Kind: kind, EntryID: entryID})
	}
	return operationError
}

// DeleteEntry removes an entry in any state together with every vote cast for it.
func (service *Service) DeleteEntry(ctx context.Context, principal Principal, entryID EntryID) (DeleteSummary, error) {
	var (
		summary  DeleteSummary
		attempts int
	)
	operationError := requireAdmin(principal)
	if operationError == nil && entryID.IsZero() {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if operationError == nil {
		attempts, operationError = service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			entry, err := transactionStore.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			votesRemoved, err := transactionStore.DeleteVotesForEntry(ctx, entryID)
			if err != nil {
				return err
			}
			pointersCleared, err := transactionStore.ClearVotedForEntry(ctx, entryID)
			if err != nil {
				return err
			}
			if err := transactionStore.DeleteEntry(ctx, entryID); err != nil {
				return err
			}
			if err := service.appendEvent(ctx, transactionStore, entryID, operationDelete, principal.UserID(), service.nowFn(), map[string]any{
				"status":        entry.Status.String(),
				"title":         entry.Title,
				"votes_removed": votesRemoved,
			}); err != nil {
				return err
			}
			summary = DeleteSummary{EntryID: entryID, VotesRemoved: votesRemoved, PointersCleared: pointersCleared}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDelete,
		ActorID:   principal.UserID(),
		EntryID:   entryID,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return DeleteSummary{}, operationError
	}
	service.publish(ctx, ChangeEvent{Kind: ChangeEntryDeleted, EntryID: entryID})
	return summary, nil
}

// ModerationHistory lists the most recent administrative actions, newest first.
func (service *Service) ModerationHistory(ctx context.Context, principal Principal, limit int) ([]ModerationEvent, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return service.store.ListModerationEvents(ctx, limit)
}

// runTx executes fn in a store transaction, retrying conflicts. Once submitted the work is
// detached from ctx cancellation: a half-cancelled transaction has no defined outcome.
func (service *Service) runTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) (int, error) {
	detached := context.WithoutCancel(ctx)
	return service.retry.run(detached, func() error {
		return service.store.WithTx(detached, fn)
	})
}

func (service *Service) appendEvent(ctx context.Context, transactionStore Store, entryID EntryID, action string, actorID UserID, nowUnixMilli int64, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return WrapError("service", "moderation_event", "encode", err)
	}
	return transactionStore.AppendModerationEvent(ctx, ModerationEvent{
		ID:               service.newID(),
		EntryID:          entryID,
		Action:           action,
		ActorID:          actorID,
		DetailsJSON:      string(detailsJSON),
		CreatedUnixMilli: nowUnixMilli,
	})
}

func (service *Service) publish(ctx context.Context, event ChangeEvent) {
	if service.publisher == nil {
		return
	}
	if event.UnixMilli == 0 {
		event.UnixMilli = service.nowFn()
	}
	if err := service.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: "publish_" + string(event.Kind),
			EntryID:   event.EntryID,
			Error:     err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = OperationStatusOK
		case IsRejection(entry.Error):
			entry.Status = OperationStatusRejected
		default:
			entry.Status = OperationStatusError
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func requirePrincipal(principal Principal) error {
	if principal.IsZero() {
		return ErrNotAuthenticated
	}
	return nil
}

func requireAdmin(principal Principal) error {
	if err := requirePrincipal(principal); err != nil {
		return err
	}
	if !principal.IsAdmin() {
		return ErrNotAuthorized
	}
	return nil
}
