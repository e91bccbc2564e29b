package httpapi

import "github.com/aiennonprofit/pumpkin-voting/pkg/voting"

type submitRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	CarverName  string `json:"carver_name"`
	Image       string `json:"image"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type entryPayload struct {
	EntryID            string `json:"entry_id"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	CarverName         string `json:"carver_name"`
	Image              string `json:"image,omitempty"`
	Status             string `json:"status"`
	SubmittedBy        string `json:"submitted_by,omitempty"`
	SubmittedUnixMilli int64  `json:"submitted_unix_milli"`
	ApprovedUnixMilli  int64  `json:"approved_unix_milli,omitempty"`
	ApprovedBy         string `json:"approved_by,omitempty"`
	VoteCount          int64  `json:"vote_count"`
}

type standingPayload struct {
	Rank       int    `json:"rank"`
	EntryID    string `json:"entry_id"`
	Title      string `json:"title"`
	CarverName string `json:"carver_name"`
	VoteCount  int64  `json:"vote_count"`
}

type leaderboardPayload struct {
	Standings  []standingPayload `json:"standings"`
	WinnerID   string            `json:"winner_id,omitempty"`
	TotalVotes int64             `json:"total_votes"`
}

type galleryPayload struct {
	Version     uint64             `json:"version"`
	Entries     []entryPayload     `json:"entries"`
	Leaderboard leaderboardPayload `json:"leaderboard"`
}

type moderationEventPayload struct {
	EventID          string `json:"event_id"`
	EntryID          string `json:"entry_id,omitempty"`
	Action           string `json:"action"`
	ActorID          string `json:"actor_id"`
	Details          string `json:"details"`
	CreatedUnixMilli int64  `json:"created_unix_milli"`
}

// newEntryPayload renders an entry. Submitter identities are only shown to administrators.
func newEntryPayload(entry voting.Entry, includeModeration bool) entryPayload {
	payload := entryPayload{
		EntryID:            entry.ID.String(),
		Title:              entry.Title,
		Description:        entry.Description,
		CarverName:         entry.CarverName,
		Image:              entry.Image,
		Status:             entry.Status.String(),
		SubmittedUnixMilli: entry.SubmittedUnixMilli,
		ApprovedUnixMilli:  entry.ApprovedUnixMilli,
		VoteCount:          entry.VoteCount,
	}
	if includeModeration {
		payload.SubmittedBy = entry.SubmittedBy.String()
		payload.ApprovedBy = entry.ApprovedBy.String()
	}
	return payload
}

func newEntryPayloads(entries []voting.Entry, includeModeration bool) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, newEntryPayload(entry, includeModeration))
	}
	return payloads
}

func newLeaderboardPayload(leaderboard voting.Leaderboard) leaderboardPayload {
	standings := make([]standingPayload, 0, len(leaderboard.Standings))
	for _, standing := range leaderboard.Standings {
		standings = append(standings, standingPayload{
			Rank:       standing.Rank,
			EntryID:    standing.Entry.ID.String(),
			Title:      standing.Entry.Title,
			CarverName: standing.Entry.CarverName,
			VoteCount:  standing.Entry.VoteCount,
		})
	}
	payload := leaderboardPayload{Standings: standings, TotalVotes: leaderboard.TotalVotes()}
	if winner, ok := leaderboard.Winner(); ok {
		payload.WinnerID = winner.ID.String()
	}
	return payload
}

func newGalleryPayload(gallery voting.Gallery) galleryPayload {
	return galleryPayload{
		Version:     gallery.Version,
		Entries:     newEntryPayloads(gallery.Entries, false),
		Leaderboard: newLeaderboardPayload(gallery.Leaderboard),
	}
}

func newModerationEventPayloads(events []voting.ModerationEvent) []moderationEventPayload {
	payloads := make([]moderationEventPayload, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, moderationEventPayload{
			EventID:          event.ID,
			EntryID:          event.EntryID.String(),
			Action:           event.Action,
			ActorID:          event.ActorID.String(),
			Details:          event.DetailsJSON,
			CreatedUnixMilli: event.CreatedUnixMilli,
		})
	}
	return payloads
}
