package voting

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// EntryID identifies a submitted entry.
type EntryID struct {
	value string
}

// UserID identifies a principal known to the identity provider.
type UserID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// EntryStatus defines the moderation lifecycle of an entry.
type EntryStatus string

const (
	// AnyStatus selects entries regardless of status in list queries.
	AnyStatus EntryStatus = ""

	EntryStatusPending  EntryStatus = "pending"
	EntryStatusApproved EntryStatus = "approved"
	EntryStatusRejected EntryStatus = "rejected"
)

// ParseEntryStatus validates a raw status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case EntryStatusPending:
		return EntryStatusPending, nil
	case EntryStatusApproved:
		return EntryStatusApproved, nil
	case EntryStatusRejected:
		return EntryStatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// Principal is the authenticated identity performing an operation.
// The zero value means nobody is signed in.
type Principal struct {
	userID UserID
	admin  bool
}

// NewPrincipal builds a principal for an authenticated user.
func NewPrincipal(userID UserID, admin bool) Principal {
	return Principal{userID: userID, admin: admin}
}

// UserID returns the principal's user id.
func (principal Principal) UserID() UserID {
	return principal.userID
}

// IsAdmin reports whether the principal may moderate.
func (principal Principal) IsAdmin() bool {
	return principal.admin
}

// IsZero reports whether no principal is present.
func (principal Principal) IsZero() bool {
	return principal.userID.IsZero()
}

// Submission is validated user input for a new entry.
type Submission struct {
	title       string
	description string
	carverName  string
	image       string
}

// NewSubmission validates the free-text fields and the image payload of a new entry.
func NewSubmission(title string, description string, carverName string, image string) (Submission, error) {
	normalizedTitle := strings.TrimSpace(title)
	if normalizedTitle == "" {
		return Submission{}, fmt.Errorf("%w: title is required", ErrInvalidSubmission)
	}
	if utf8.RuneCountInString(normalizedTitle) > maxTitleRunes {
		return Submission{}, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidSubmission, maxTitleRunes)
	}
	normalizedCarver := strings.TrimSpace(carverName)
	if normalizedCarver == "" {
		return Submission{}, fmt.Errorf("%w: carver name is required", ErrInvalidSubmission)
	}
	if utf8.RuneCountInString(normalizedCarver) > maxCarverNameRunes {
		return Submission{}, fmt.Errorf("%w: carver name exceeds %d characters", ErrInvalidSubmission, maxCarverNameRunes)
	}
	normalizedDescription := strings.TrimSpace(description)
	if utf8.RuneCountInString(normalizedDescription) > maxDescriptionRunes {
		return Submission{}, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidSubmission, maxDescriptionRunes)
	}
	if err := validateImage(image); err != nil {
		return Submission{}, err
	}
	return Submission{
		title:       normalizedTitle,
		description: normalizedDescription,
		carverName:  normalizedCarver,
		image:       image,
	}, nil
}

// Title returns the normalized title.
func (submission Submission) Title() string {
	return submission.title
}

// Description returns the normalized description.
func (submission Submission) Description() string {
	return submission.description
}

// CarverName returns the normalized carver name.
func (submission Submission) CarverName() string {
	return submission.carverName
}

// Image returns the data URI of the image.
func (submission Submission) Image() string {
	return submission.image
}

func validateImage(image string) error {
	if image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidSubmission)
	}
	if len(image) > MaxImageBytes {
		return fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidSubmission, MaxImageBytes)
	}
	header, payload, found := strings.Cut(image, ",")
	if !found || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return fmt.Errorf("%w: image must be a base64 data uri", ErrInvalidSubmission)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("%w: image payload is not valid base64", ErrInvalidSubmission)
	}
	detected := mimetype.Detect(decoded)
	if !strings.HasPrefix(detected.String(), "image/") {
		return fmt.Errorf("%w: image payload is %s", ErrInvalidSubmission, detected.String())
	}
	return nil
}

// Entry is a submitted voting candidate.
type Entry struct {
	ID                 EntryID
	Title              string
	Description        string
	CarverName         string
	Image              string
	Status             EntryStatus
	SubmittedBy        UserID
	SubmittedUnixMilli int64
	ApprovedUnixMilli  int64
	ApprovedBy         UserID
	VoteCount          int64
}

// Vote is the single active ballot of a user.
type Vote struct {
	ID             string
	UserID         UserID
	EntryID        EntryID
	VotedUnixMilli int64
}

// StatusTransition describes a compare-and-swap on an entry's moderation status.
type StatusTransition struct {
	EntryID           EntryID
	From              EntryStatus
	To                EntryStatus
	ApprovedBy        UserID
	ApprovedUnixMilli int64
}

// ModerationEvent is an audit record of an administrative action.
type ModerationEvent struct {
	ID               string
	EntryID          EntryID
	Action           string
	ActorID          UserID
	DetailsJSON      string
	CreatedUnixMilli int64
}

// VoteResult reports the outcome of CastVote.
type VoteResult struct {
	EntryID         EntryID
	PreviousEntryID EntryID
	Changed         bool
}

// Previous returns the entry the user voted for before this call, if any.
func (result VoteResult) Previous() (EntryID, bool) {
	return result.PreviousEntryID, !result.PreviousEntryID.IsZero()
}

// DeleteSummary reports the cascade performed by DeleteEntry.
type DeleteSummary struct {
	EntryID         EntryID
	VotesRemoved    int64
	PointersCleared int64
}

// ResetSummary reports the work done by ResetAllVotes.
type ResetSummary struct {
	VotesDeleted    int64
	TalliesSynced   int64
	PointersCleared int64
	Batches         int
}

// RebuildSummary reports the work done by RebuildTallies.
type RebuildSummary struct {
	EntriesChecked   int
	TalliesCorrected int
	PointersAssigned int
}

// Store is the persistence contract used by Service.
// Methods called on the txStore passed to WithTx run inside that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ping(ctx context.Context) error

	InsertEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	ListEntries(ctx context.Context, status EntryStatus) ([]Entry, error)
	TransitionEntryStatus(ctx context.Context, transition StatusTransition) error
	DeleteEntry(ctx context.Context, entryID EntryID) error
	AdjustVoteCount(ctx context.Context, entryID EntryID, delta int64) error
	SetVoteCount(ctx context.Context, entryID EntryID, count int64) error

	GetVote(ctx context.Context, userID UserID) (Vote, error)
	PutVote(ctx context.Context, vote Vote) error
	CountVotes(ctx context.Context, entryID EntryID) (int64, error)
	ListVoterIDs(ctx context.Context, entryID EntryID) ([]UserID, error)
	DeleteVotesForEntry(ctx context.Context, entryID EntryID) (int64, error)

	SetVotedFor(ctx context.Context, userID UserID, entryID EntryID) error
	ClearVotedForEntry(ctx context.Context, entryID EntryID) (int64, error)

	// DeleteVotesBatch removes up to limit votes. SyncVoteCountsBatch sets up to limit drifted
	// tallies to the number of votes that reference the entry. ClearVotedForBatch clears up to
	// limit voter pointers whose user holds no vote. Each returns the rows it changed.
	DeleteVotesBatch(ctx context.Context, limit int) (int64, error)
	SyncVoteCountsBatch(ctx context.Context, limit int) (int64, error)
	ClearVotedForBatch(ctx context.Context, limit int) (int64, error)

	AppendModerationEvent(ctx context.Context, event ModerationEvent) error
	ListModerationEvents(ctx context.Context, limit int) ([]ModerationEvent, error)
}
