package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailure     = "40001"
	pgDeadlockDetected         = "40P01"
	pgConnectionExceptionClass = "08"
	defaultDetailsJSON         = "{}"

	errorOperationStore    = "store"
	errorSubjectEntry      = "entry"
	errorSubjectVote       = "vote"
	errorSubjectVoter      = "voter"
	errorSubjectModeration = "moderation_event"
	errorSubjectTx         = "transaction"
	errorSubjectPing       = "ping"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
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

	entryColumns = `entry_id, title, description, carver_name, image, status, submitted_by,
		submitted_at, approved_at, approved_by, vote_count`

	sqlInsertEntry = `
		insert into entries(` + entryColumns + `)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10,''), $11)
	`

	sqlSelectEntryForUpdate = `
		select ` + entryColumns + `
		from entries
		where entry_id = $1
		for update
	`

	sqlSelectEntry = `
		select ` + entryColumns + `
		from entries
		where entry_id = $1
	`

	sqlListEntries = `
		select ` + entryColumns + `
		from entries
		where ($1 = '' or status = $1)
		order by submitted_at desc, entry_id asc
	`

	sqlTransitionEntry = `
		update entries
		set status = $3,
			approved_at = case when $3 = 'approved' then $4 else approved_at end,
			approved_by = case when $3 = 'approved' then nullif($5,'') else approved_by end
		where entry_id = $1 and status = $2
	`

	sqlEntryExists = `select exists(select 1 from entries where entry_id = $1)`

	sqlDeleteEntry = `delete from entries where entry_id = $1`

	sqlAdjustVoteCount = `
		update entries
		set vote_count = vote_count + $2
		where entry_id = $1 and vote_count + $2 >= 0
	`

	sqlSetVoteCount = `update entries set vote_count = $2 where entry_id = $1`

	sqlSelectVoteForUpdate = `
		select vote_id, user_id, entry_id, voted_at
		from votes
		where user_id = $1
		for update
	`

	sqlSelectVote = `
		select vote_id, user_id, entry_id, voted_at
		from votes
		where user_id = $1
	`

	sqlUpsertVote = `
		insert into votes(vote_id, user_id, entry_id, voted_at)
		values($1, $2, $3, $4)
		on conflict (user_id) do update set entry_id = excluded.entry_id, voted_at = excluded.voted_at
	`

	sqlCountVotes = `select count(*) from votes where entry_id = $1`

	sqlListVoterIDs = `select user_id from votes where entry_id = $1 order by user_id`

	sqlDeleteVotesForEntry = `delete from votes where entry_id = $1`

	sqlUpsertVoter = `
		insert into voters(user_id, voted_for, updated_at)
		values($1, $2, now())
		on conflict (user_id) do update set voted_for = excluded.voted_for, updated_at = excluded.updated_at
	`

	sqlClearVotersForEntry = `update voters set voted_for = null, updated_at = now() where voted_for = $1`

	sqlDeleteVotesBatch = `
		delete from votes
		where vote_id in (select vote_id from votes order by vote_id limit $1)
	`

	sqlSyncVoteCountsBatch = `
		update entries set vote_count = (select count(*) from votes where votes.entry_id = entries.entry_id)
		where entry_id in (
			select e.entry_id from entries e
			where e.vote_count <> (select count(*) from votes v where v.entry_id = e.entry_id)
			order by e.entry_id limit $1
		)
	`

	sqlClearVotersBatch = `
		update voters set voted_for = null, updated_at = now()
		where user_id in (
			select r.user_id from voters r
			where r.voted_for is not null and not exists (select 1 from votes v where v.user_id = r.user_id)
			order by r.user_id limit $1
		)
	`

	sqlInsertModerationEvent = `
		insert into moderation_events(event_id, entry_id, action, actor_id, details, created_at)
		values($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, $6)
	`

	sqlListModerationEvents = `
		select event_id, entry_id, action, actor_id, coalesce(details::text,'{}'), created_at
		from moderation_events
		order by created_at desc, event_id desc
		limit $1
	`
)

var (
	_ voting.Store = (*Store)(nil)
	_ voting.Store = (*TxStore)(nil)
)

// querier is the part of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements voting.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements voting.Store for an active SERIALIZABLE transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

type queries struct {
	db        querier
	forUpdate bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore voting.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx, forUpdate: true}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectPing, errorCodeGet, fmt.Errorf("%w: %w", voting.ErrStoreUnavailable, err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore voting.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) Ping(ctx context.Context) error {
	if err := store.tx.Conn().Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectPing, errorCodeGet, fmt.Errorf("%w: %w", voting.ErrStoreUnavailable, err))
	}
	return nil
}

func (q queries) InsertEntry(ctx context.Context, entry voting.Entry) error {
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entry.ID.String(),
		entry.Title,
		entry.Description,
		entry.CarverName,
		entry.Image,
		entry.Status.String(),
		entry.SubmittedBy.String(),
		fromUnixMilli(entry.SubmittedUnixMilli),
		optionalTime(entry.ApprovedUnixMilli),
		entry.ApprovedBy.String(),
		entry.VoteCount,
	)
	if err != nil {
		return classify(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) GetEntry(ctx context.Context, entryID voting.EntryID) (voting.Entry, error) {
	statement := sqlSelectEntry
	if q.forUpdate {
		statement = sqlSelectEntryForUpdate
	}
	entry, err := scanEntry(q.db.QueryRow(ctx, statement, entryID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return voting.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, voting.ErrEntryNotFound)
	}
	if err != nil {
		return voting.Entry{}, classify(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (q queries) ListEntries(ctx context.Context, status voting.EntryStatus) ([]voting.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntries, status.String())
	if err != nil {
		return nil, classify(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []voting.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (q queries) TransitionEntryStatus(ctx context.Context, transition voting.StatusTransition) error {
	tag, err := q.db.Exec(ctx, sqlTransitionEntry,
		transition.EntryID.String(),
		transition.From.String(),
		transition.To.String(),
		optionalTime(transition.ApprovedUnixMilli),
		transition.ApprovedBy.String(),
	)
	if err != nil {
		return classify(errorSubjectEntry, errorCodeTransition, err)
	}
	if tag.RowsAffected() == 0 {
		return q.missingOr(ctx, transition.EntryID, errorCodeTransition, voting.ErrConflict)
	}
	return nil
}

func (q queries) DeleteEntry(ctx context.Context, entryID voting.EntryID) error {
	tag, err := q.db.Exec(ctx, sqlDeleteEntry, entryID.String())
	if err != nil {
		return classify(errorSubjectEntry, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeDelete, voting.ErrEntryNotFound)
	}
	return nil
}

func (q queries) AdjustVoteCount(ctx context.Context, entryID voting.EntryID, delta int64) error {
	tag, err := q.db.Exec(ctx, sqlAdjustVoteCount, entryID.String(), delta)
	if err != nil {
		return classify(errorSubjectEntry, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		return q.missingOr(ctx, entryID, errorCodeAdjust, voting.ErrInvalidVoteCount)
	}
	return nil
}

func (q queries) SetVoteCount(ctx context.Context, entryID voting.EntryID, count int64) error {
	if count < 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeSetCount, voting.ErrInvalidVoteCount)
	}
	tag, err := q.db.Exec(ctx, sqlSetVoteCount, entryID.String(), count)
	if err != nil {
		return classify(errorSubjectEntry, errorCodeSetCount, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeSetCount, voting.ErrEntryNotFound)
	}
	return nil
}

func (q queries) GetVote(ctx context.Context, userID voting.UserID) (voting.Vote, error) {
	statement := sqlSelectVote
	if q.forUpdate {
		statement = sqlSelectVoteForUpdate
	}
	var (
		voteID, rawUserID, rawEntryID string
		votedAt                       time.Time
	)
	err := q.db.QueryRow(ctx, statement, userID.String()).Scan(&voteID, &rawUserID, &rawEntryID, &votedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return voting.Vote{}, wrapStoreError(errorSubjectVote, errorCodeGet, voting.ErrVoteNotFound)
	}
	if err != nil {
		return voting.Vote{}, classify(errorSubjectVote, errorCodeGet, err)
	}
	parsedUserID, err := voting.NewUserID(rawUserID)
	if err != nil {
		return voting.Vote{}, wrapStoreError(errorSubjectVote, errorCodeInvalid, err)
	}
	parsedEntryID, err := voting.NewEntryID(rawEntryID)
	if err != nil {
		return voting.Vote{}, wrapStoreError(errorSubjectVote, errorCodeInvalid, err)
	}
	return voting.Vote{ID: voteID, UserID: parsedUserID, EntryID: parsedEntryID, VotedUnixMilli: votedAt.UnixMilli()}, nil
}

func (q queries) PutVote(ctx context.Context, vote voting.Vote) error {
	_, err := q.db.Exec(ctx, sqlUpsertVote, vote.ID, vote.UserID.String(), vote.EntryID.String(), fromUnixMilli(vote.VotedUnixMilli))
	if err != nil {
		return classify(errorSubjectVote, errorCodePut, err)
	}
	return nil
}

func (q queries) CountVotes(ctx context.Context, entryID voting.EntryID) (int64, error) {
	var count int64
	if err := q.db.QueryRow(ctx, sqlCountVotes, entryID.String()).Scan(&count); err != nil {
		return 0, classify(errorSubjectVote, errorCodeCount, err)
	}
	return count, nil
}

func (q queries) ListVoterIDs(ctx context.Context, entryID voting.EntryID) ([]voting.UserID, error) {
	rows, err := q.db.Query(ctx, sqlListVoterIDs, entryID.String())
	if err != nil {
		return nil, classify(errorSubjectVote, errorCodeList, err)
	}
	rawIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
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

func (q queries) DeleteVotesForEntry(ctx context.Context, entryID voting.EntryID) (int64, error) {
	tag, err := q.db.Exec(ctx, sqlDeleteVotesForEntry, entryID.String())
	if err != nil {
		return 0, classify(errorSubjectVote, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (q queries) SetVotedFor(ctx context.Context, userID voting.UserID, entryID voting.EntryID) error {
	var votedFor *string
	if !entryID.IsZero() {
		value := entryID.String()
		votedFor = &value
	}
	if _, err := q.db.Exec(ctx, sqlUpsertVoter, userID.String(), votedFor); err != nil {
		return classify(errorSubjectVoter, errorCodePut, err)
	}
	return nil
}

func (q queries) ClearVotedForEntry(ctx context.Context, entryID voting.EntryID) (int64, error) {
	tag, err := q.db.Exec(ctx, sqlClearVotersForEntry, entryID.String())
	if err != nil {
		return 0, classify(errorSubjectVoter, errorCodeClear, err)
	}
	return tag.RowsAffected(), nil
}

func (q queries) DeleteVotesBatch(ctx context.Context, limit int) (int64, error) {
	return q.execBatch(ctx, errorSubjectVote, sqlDeleteVotesBatch, limit)
}

func (q queries) SyncVoteCountsBatch(ctx context.Context, limit int) (int64, error) {
	return q.execBatch(ctx, errorSubjectEntry, sqlSyncVoteCountsBatch, limit)
}

func (q queries) ClearVotedForBatch(ctx context.Context, limit int) (int64, error) {
	return q.execBatch(ctx, errorSubjectVoter, sqlClearVotersBatch, limit)
}

func (q queries) AppendModerationEvent(ctx context.Context, event voting.ModerationEvent) error {
	_, err := q.db.Exec(ctx, sqlInsertModerationEvent,
		event.ID,
		event.EntryID.String(),
		event.Action,
		event.ActorID.String(),
		event.DetailsJSON,
		fromUnixMilli(event.CreatedUnixMilli),
	)
	if err != nil {
		return classify(errorSubjectModeration, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListModerationEvents(ctx context.Context, limit int) ([]voting.ModerationEvent, error) {
	rows, err := q.db.Query(ctx, sqlListModerationEvents, limit)
	if err != nil {
		return nil, classify(errorSubjectModeration, errorCodeList, err)
	}
	defer rows.Close()
	var events []voting.ModerationEvent
	for rows.Next() {
		var (
			eventID, rawEntryID, action, rawActorID, details string
			createdAt                                        time.Time
		)
		if err := rows.Scan(&eventID, &rawEntryID, &action, &rawActorID, &details, &createdAt); err != nil {
			return nil, classify(errorSubjectModeration, errorCodeList, err)
		}
		event, err := newModerationEvent(eventID, rawEntryID, action, rawActorID, details, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectModeration, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(errorSubjectModeration, errorCodeList, err)
	}
	return events, nil
}

func (q queries) missingOr(ctx context.Context, entryID voting.EntryID, code string, fallback error) error {
	var exists bool
	if err := q.db.QueryRow(ctx, sqlEntryExists, entryID.String()).Scan(&exists); err != nil {
		return classify(errorSubjectEntry, code, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectEntry, code, voting.ErrEntryNotFound)
	}
	return wrapStoreError(errorSubjectEntry, code, fallback)
}

func (q queries) execBatch(ctx context.Context, subject string, statement string, limit int) (int64, error) {
	tag, err := q.db.Exec(ctx, statement, limit)
	if err != nil {
		return 0, classify(subject, errorCodeBatch, err)
	}
	return tag.RowsAffected(), nil
}

func scanEntry(row pgx.Row) (voting.Entry, error) {
	var (
		rawEntryID, title, description, carverName, image, rawStatus, rawSubmittedBy string
		submittedAt                                                                  time.Time
		approvedAt                                                                   *time.Time
		rawApprovedBy                                                                *string
		voteCount                                                                    int64
	)
	err := row.Scan(&rawEntryID, &title, &description, &carverName, &image, &rawStatus, &rawSubmittedBy,
		&submittedAt, &approvedAt, &rawApprovedBy, &voteCount)
	if err != nil {
		return voting.Entry{}, err
	}
	entryID, err := voting.NewEntryID(rawEntryID)
	if err != nil {
		return voting.Entry{}, err
	}
	status, err := voting.ParseEntryStatus(rawStatus)
	if err != nil {
		return voting.Entry{}, err
	}
	submittedBy, err := voting.NewUserID(rawSubmittedBy)
	if err != nil {
		return voting.Entry{}, err
	}
	var approvedBy voting.UserID
	if rawApprovedBy != nil {
		approvedBy, err = voting.NewUserID(*rawApprovedBy)
		if err != nil {
			return voting.Entry{}, err
		}
	}
	var approvedUnixMilli int64
	if approvedAt != nil {
		approvedUnixMilli = approvedAt.UnixMilli()
	}
	return voting.Entry{
		ID:                 entryID,
		Title:              title,
		Description:        description,
		CarverName:         carverName,
		Image:              image,
		Status:             status,
		SubmittedBy:        submittedBy,
		SubmittedUnixMilli: submittedAt.UnixMilli(),
		ApprovedUnixMilli:  approvedUnixMilli,
		ApprovedBy:         approvedBy,
		VoteCount:          voteCount,
	}, nil
}

func newModerationEvent(eventID string, rawEntryID string, action string, rawActorID string, details string, createdAt time.Time) (voting.ModerationEvent, error) {
	actorID, err := voting.NewUserID(rawActorID)
	if err != nil {
		return voting.ModerationEvent{}, err
	}
	var entryID voting.EntryID
	if rawEntryID != "" {
		entryID, err = voting.NewEntryID(rawEntryID)
		if err != nil {
			return voting.ModerationEvent{}, err
		}
	}
	if details == "" {
		details = defaultDetailsJSON
	}
	return voting.ModerationEvent{
		ID:               eventID,
		EntryID:          entryID,
		Action:           action,
		ActorID:          actorID,
		DetailsJSON:      details,
		CreatedUnixMilli: createdAt.UnixMilli(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return voting.WrapError(errorOperationStore, subject, code, err)
}

// classify maps pgx failures onto the voting error taxonomy.
func classify(subject string, code string, err error) error {
	switch {
	case isConflict(err):
		return wrapStoreError(subject, code, fmt.Errorf("%w: %w", voting.ErrConflict, err))
	case isUnavailable(err):
		return wrapStoreError(subject, code, fmt.Errorf("%w: %w", voting.ErrStoreUnavailable, err))
	default:
		return wrapStoreError(subject, code, err)
	}
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgUniqueViolationCode, pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

func isUnavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == pgConnectionExceptionClass
	}
	return pgconn.Timeout(err)
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
