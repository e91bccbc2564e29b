package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// EntryRecord mirrors the entries table.
type EntryRecord struct {
	EntryID     string     `gorm:"primaryKey;size:64"`
	Title       string     `gorm:"not null"`
	Description string     `gorm:"not null"`
	CarverName  string     `gorm:"not null"`
	Image       string     `gorm:"type:text;not null"`
	Status      string     `gorm:"size:16;not null;index:idx_entries_status_submitted,priority:1"`
	SubmittedBy string     `gorm:"not null"`
	SubmittedAt time.Time  `gorm:"not null;index:idx_entries_status_submitted,priority:2"`
	ApprovedAt  *time.Time `gorm:""`
	ApprovedBy  *string    `gorm:""`
	VoteCount   int64      `gorm:"not null;check:chk_entries_vote_count,vote_count >= 0"`
}

func (EntryRecord) TableName() string { return "entries" }

// VoteRecord mirrors the votes table. A user holds at most one row.
type VoteRecord struct {
	VoteID  string    `gorm:"primaryKey;size:64"`
	UserID  string    `gorm:"not null;uniqueIndex:uniq_votes_user"`
	EntryID string    `gorm:"size:64;not null;index:idx_votes_entry"`
	VotedAt time.Time `gorm:"not null"`
}

func (VoteRecord) TableName() string { return "votes" }

// VoterRecord mirrors the voters table, which caches each user's current vote target.
type VoterRecord struct {
	UserID    string    `gorm:"primaryKey"`
	VotedFor  *string   `gorm:"size:64;index:idx_voters_voted_for"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (VoterRecord) TableName() string { return "voters" }

// ModerationEventRecord mirrors the moderation_events table.
type ModerationEventRecord struct {
	EventID   string         `gorm:"primaryKey;size:64"`
	EntryID   string         `gorm:"size:64;not null;index:idx_moderation_events_entry"`
	Action    string         `gorm:"size:32;not null"`
	ActorID   string         `gorm:"not null"`
	Details   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_moderation_events_created"`
}

func (ModerationEventRecord) TableName() string { return "moderation_events" }

// Models lists every table owned by the store, in migration order.
func Models() []any {
	return []any{&EntryRecord{}, &VoteRecord{}, &VoterRecord{}, &ModerationEventRecord{}}
}
