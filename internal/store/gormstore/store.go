package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectPostgres = "postgres"

	defaultDetailsJSON = "{}"

	errorOperationStore    = "store"
	errorSubjectEntry      = "entry"
	errorSubjectVote       = "vote"
	errorSubjectVoter      = "voter"
	errorSubjectModeration = "moderation_event"
	errorSubjectTx         = "transaction"
	errorSubjectPing       = "ping"
	errorCodeInsert        = "insert"
	errorCodeGet           = "get"
	errorCodeList          = "list"
	errorCodeTransition    = "transition"
	errorCodeDelete        = "delete"
	errorCodeAdjust        = "adjust_count"
	errorCodeSetCount      = "set_count"
	errorCodePut           = "put"
	errorCodeCount         = "count"
	errorCodeClear         = "clear"
	errorCodeBatch         = "batch"
	errorCodeInvalid       = "invalid"
	errorCodeCommit        = "commit"
)

// Store implements voting.Store using GORM.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Postgres transactions run SERIALIZABLE; SQLite
// serializes writers on its own.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore voting.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	var options []*sql.TxOptions
	if store.db.Dialector.Name() == dialectPostgres {
		options = append(options, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTx: true})
	}, options...)
	if err == nil || isDomainError(err) {
		return err
	}
	return classify(errorSubjectTx, errorCodeCommit, err)
}

func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return classify(errorSubjectPing, errorCodeGet, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectPing, errorCodeGet, errors.Join(voting.ErrStoreUnavailable, err))
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry voting.Entry) error {
	record := EntryRecord{
		EntryID:     entry.ID.String(),
		Title:       entry.Title,
		Description: entry.Description,
		CarverName:  entry.CarverName,
		Image:       entry.Image,
		Status:      entry.Status.String(),
		SubmittedBy: entry.SubmittedBy.String(),
		SubmittedAt: fromUnixMilli(entry.SubmittedUnixMilli),
		ApprovedAt:  optionalTime(entry.ApprovedUnixMilli),
		ApprovedBy:  optionalString(entry.ApprovedBy.String()),
		VoteCount:   entry.VoteCount,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return classify(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, entryID voting.EntryID) (voting.Entry, error) {
	var record EntryRecord
	err := store.locking(ctx).
		Where("entry_id = ?", entryID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return voting.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, voting.ErrEntryNotFound)
	}
	if err != nil {
		return voting.Entry{}, classify(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapEntry(record)
	if err != nil {
		return voting.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, status voting.EntryStatus) ([]voting.Entry, error) {
	query := store.db.WithContext(ctx).Model(&EntryRecord{})
	if status != voting.AnyStatus {
		query = query.Where("status = ?", status.String())
	}
	var records []EntryRecord
	if err := query.Order("submitted_at DESC").Order("entry_id ASC").Find(&records).Error; err != nil {
		return nil, classify(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]voting.Entry, 0, len(records))
	for _, record := range records {
		entry, err := mapEntry(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) TransitionEntryStatus(ctx context.Context, transition voting.StatusTransition) error {
	updates := map[string]any{"status": transition.To.String()}
	if transition.To == voting.EntryStatusApproved {
		updates["approved_at"] = optionalTime(transition.ApprovedUnixMilli)
		updates["approved_by"] = optionalString(transition.ApprovedBy.String())
	}
	result := store.db.WithContext(ctx).
		Model(&EntryRecord{}).
		Where("entry_id = ? AND status = ?", transition.EntryID.String(), transition.From.String()).
		Updates(updates)
	if result.Error != nil {
		return classify(errorSubjectEntry, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.missingOr(ctx, transition.EntryID, errorCodeTransition, voting.ErrConflict)
	}
	return nil
}

func (store *Store) DeleteEntry(ctx context.Context, entryID voting.EntryID) error {
	result := store.db.WithContext(ctx).
		Where("entry_id = ?", entryID.String()).
		Delete(&EntryRecord{})
	if result.Error != nil {
		return classify(errorSubjectEntry, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeDelete, voting.ErrEntryNotFound)
	}
	return nil
}

func (store *Store) AdjustVoteCount(ctx context.Context, entryID voting.EntryID, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&EntryRecord{}).
		Where("entry_id = ? AND vote_count + ? >= 0", entryID.String(), delta).
		UpdateColumn("vote_count", gorm.Expr("vote_count + ?", delta))
	if result.Error != nil {
		return classify(errorSubjectEntry, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.missingOr(ctx, entryID, errorCodeAdjust, voting.ErrInvalidVoteCount)
	}
	return nil
}

func (store *Store) SetVoteCount(ctx context.Context, entryID voting.EntryID, count int64) error {
	if count < 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeSetCount, voting.ErrInvalidVoteCount)
	}
	result := store.db.WithContext(ctx).
		Model(&EntryRecord{}).
		Where("entry_id = ?", entryID.String()).
		UpdateColumn("vote_count", count)
	if result.Error != nil {
		return classify(errorSubjectEntry, errorCodeSetCount, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeSetCount, voting.ErrEntryNotFound)
	}
	return nil
}

func (store *Store) GetVote(ctx context.Context, userID voting.UserID) (voting.Vote, error) {
	var record VoteRecord
	err := store.locking(ctx).
		Where("user_id = ?", userID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return voting.Vote{}, wrapStoreError(errorSubjectVote, errorCodeGet, voting.ErrVoteNotFound)
	}
	if err != nil {
		return voting.Vote{}, classify(errorSubjectVote, errorCodeGet, err)
	}
	vote, err := mapVote(record)
	if err != nil {
		return voting.Vote{}, wrapStoreError(errorSubjectVote, errorCodeInvalid, err)
	}
	return vote, nil
}

func (store *Store) PutVote(ctx context.Context, vote voting.Vote) error {
	record := VoteRecord{
		VoteID:  vote.ID,
		UserID:  vote.UserID.String(),
		EntryID: vote.EntryID.String(),
		VotedAt: fromUnixMilli(vote.VotedUnixMilli),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_id", "voted_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return classify(errorSubjectVote, errorCodePut, err)
	}
	return nil
}

func (store *Store) CountVotes(ctx context.Context, entryID voting.EntryID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&VoteRecord{}).
		Where("entry_id = ?", entryID.String()).
		Count(&count).Error
	if err != nil {
		return 0, classify(errorSubjectVote, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) ListVoterIDs(ctx context.Context, entryID voting.EntryID) ([]voting.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&VoteRecord{}).
		Where("entry_id = ?", entryID.String()).
		Order("user_id ASC").
		Pluck("user_id", &rawIDs).Error
	if err != nil {
		return nil, classify(errorSubjectVote, errorCodeList, err)
	}
	userIDs := make([]voting.UserID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		userID, err := voting.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectVote, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) DeleteVotesForEntry(ctx context.Context, entryID voting.EntryID) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("entry_id = ?", entryID.String()).
		Delete(&VoteRecord{})
	if result.Error != nil {
		return 0, classify(errorSubjectVote, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) SetVotedFor(ctx context.Context, userID voting.UserID, entryID voting.EntryID) error {
	record := VoterRecord{
		UserID:    userID.String(),
		VotedFor:  optionalString(entryID.String()),
		UpdatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"voted_for", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return classify(errorSubjectVoter, errorCodePut, err)
	}
	return nil
}

func (store *Store) ClearVotedForEntry(ctx context.Context, entryID voting.EntryID) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&VoterRecord{}).
		Where("voted_for = ?", entryID.String()).
		Updates(map[string]any{"voted_for": nil, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return 0, classify(errorSubjectVoter, errorCodeClear, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) DeleteVotesBatch(ctx context.Context, limit int) (int64, error) {
	return store.execBatch(ctx, errorSubjectVote,
		"DELETE FROM votes WHERE vote_id IN (SELECT vote_id FROM votes ORDER BY vote_id LIMIT ?)", limit)
}

func (store *Store) SyncVoteCountsBatch(ctx context.Context, limit int) (int64, error) {
	return store.execBatch(ctx, errorSubjectEntry,
		"UPDATE entries SET vote_count = (SELECT COUNT(*) FROM votes WHERE votes.entry_id = entries.entry_id) "+
			"WHERE entry_id IN (SELECT e.entry_id FROM entries e "+
			"WHERE e.vote_count <> (SELECT COUNT(*) FROM votes v WHERE v.entry_id = e.entry_id) ORDER BY e.entry_id LIMIT ?)", limit)
}

func (store *Store) ClearVotedForBatch(ctx context.Context, limit int) (int64, error) {
	return store.execBatch(ctx, errorSubjectVoter,
		"UPDATE voters SET voted_for = NULL WHERE user_id IN (SELECT r.user_id FROM voters r "+
			"WHERE r.voted_for IS NOT NULL AND NOT EXISTS (SELECT 1 FROM votes v WHERE v.user_id = r.user_id) ORDER BY r.user_id LIMIT ?)", limit)
}

func (store *Store) AppendModerationEvent(ctx context.Context, event voting.ModerationEvent) error {
	details := event.DetailsJSON
	if details == "" {
		details = defaultDetailsJSON
	}
	record := ModerationEventRecord{
		EventID:   event.ID,
		EntryID:   event.EntryID.String(),
		Action:    event.Action,
		ActorID:   event.ActorID.String(),
		Details:   datatypes.JSON(details),
		CreatedAt: fromUnixMilli(event.CreatedUnixMilli),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return classify(errorSubjectModeration, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListModerationEvents(ctx context.Context, limit int) ([]voting.ModerationEvent, error) {
	var records []ModerationEventRecord
	err := store.db.WithContext(ctx).
		Order("created_at DESC").
		Order("event_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, classify(errorSubjectModeration, errorCodeList, err)
	}
	events := make([]voting.ModerationEvent, 0, len(records))
	for _, record := range records {
		event, err := mapModerationEvent(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectModeration, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// locking reads rows FOR UPDATE inside a transaction. SQLite ignores the clause.
func (store *Store) locking(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.inTx {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func (store *Store) missingOr(ctx context.Context, entryID voting.EntryID, code string, fallback error) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&EntryRecord{}).Where("entry_id = ?", entryID.String()).Count(&count).Error; err != nil {
		return classify(errorSubjectEntry, code, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectEntry, code, voting.ErrEntryNotFound)
	}
	return wrapStoreError(errorSubjectEntry, code, fallback)
}

func (store *Store) execBatch(ctx context.Context, subject string, statement string, limit int) (int64, error) {
	result := store.db.WithContext(ctx).Exec(statement, limit)
	if result.Error != nil {
		return 0, classify(subject, errorCodeBatch, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return voting.WrapError(errorOperationStore, subject, code, err)
}

func mapEntry(record EntryRecord) (voting.Entry, error) {
	entryID, err := voting.NewEntryID(record.EntryID)
	if err != nil {
		return voting.Entry{}, err
	}
	status, err := voting.ParseEntryStatus(record.Status)
	if err != nil {
		return voting.Entry{}, err
	}
	submittedBy, err := voting.NewUserID(record.SubmittedBy)
	if err != nil {
		return voting.Entry{}, err
	}
	var approvedBy voting.UserID
	if record.ApprovedBy != nil {
		approvedBy, err = voting.NewUserID(*record.ApprovedBy)
		if err != nil {
			return voting.Entry{}, err
		}
	}
	return voting.Entry{
		ID:                 entryID,
		Title:              record.Title,
		Description:        record.Description,
		CarverName:         record.CarverName,
		Image:              record.Image,
		Status:             status,
		SubmittedBy:        submittedBy,
		SubmittedUnixMilli: record.SubmittedAt.UnixMilli(),
		ApprovedUnixMilli:  unixMilliOrZero(record.ApprovedAt),
		ApprovedBy:         approvedBy,
		VoteCount:          record.VoteCount,
	}, nil
}

func mapVote(record VoteRecord) (voting.Vote, error) {
	userID, err := voting.NewUserID(record.UserID)
	if err != nil {
		return voting.Vote{}, err
	}
	entryID, err := voting.NewEntryID(record.EntryID)
	if err != nil {
		return voting.Vote{}, err
	}
	return voting.Vote{
		ID:             record.VoteID,
		UserID:         userID,
		EntryID:        entryID,
		VotedUnixMilli: record.VotedAt.UnixMilli(),
	}, nil
}

func mapModerationEvent(record ModerationEventRecord) (voting.ModerationEvent, error) {
	actorID, err := voting.NewUserID(record.ActorID)
	if err != nil {
		return voting.ModerationEvent{}, err
	}
	var entryID voting.EntryID
	if record.EntryID != "" {
		entryID, err = voting.NewEntryID(record.EntryID)
		if err != nil {
			return voting.ModerationEvent{}, err
		}
	}
	return voting.ModerationEvent{
		ID:               record.EventID,
		EntryID:          entryID,
		Action:           record.Action,
		ActorID:          actorID,
		DetailsJSON:      string(record.Details),
		CreatedUnixMilli: record.CreatedAt.UnixMilli(),
	}, nil
}

func fromUnixMilli(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func optionalTime(unixMilli int64) *time.Time {
	if unixMilli == 0 {
		return nil
	}
	value := fromUnixMilli(unixMilli)
	return &value
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func unixMilliOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.UnixMilli()
}
