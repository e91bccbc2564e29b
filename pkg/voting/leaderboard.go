package voting

import (
	"sort"
)

// Standing is one row of the leaderboard.
type Standing struct {
	Rank  int
	Entry Entry
}

// Leaderboard ranks approved entries by their vote tally.
type Leaderboard struct {
	Standings []Standing
}

// RankLeaderboard orders entries by vote count, highest first. Ties go to the earlier
// submission, then to the lower id, so the ordering is total and stable across reloads.
// Ranks are dense: tied tallies share a rank.
func RankLeaderboard(entries []Entry) Leaderboard {
	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(left int, right int) bool {
		if ranked[left].VoteCount != ranked[right].VoteCount {
			return ranked[left].VoteCount > ranked[right].VoteCount
		}
		if ranked[left].SubmittedUnixMilli != ranked[right].SubmittedUnixMilli {
			return ranked[left].SubmittedUnixMilli < ranked[right].SubmittedUnixMilli
		}
		return ranked[left].ID.String() < ranked[right].ID.String()
	})
	standings := make([]Standing, 0, len(ranked))
	rank := 0
	for index, entry := range ranked {
		if index == 0 || entry.VoteCount != ranked[index-1].VoteCount {
			rank++
		}
		standings = append(standings, Standing{Rank: rank, Entry: entry})
	}
	return Leaderboard{Standings: standings}
}

// Winner returns the leading entry. There is no winner until someone has voted.
func (leaderboard Leaderboard) Winner() (Entry, bool) {
	if len(leaderboard.Standings) == 0 {
		return Entry{}, false
	}
	leader := leaderboard.Standings[0].Entry
	if leader.VoteCount <= 0 {
		return Entry{}, false
	}
	return leader, true
}

// TotalVotes sums the tallies on the leaderboard.
func (leaderboard Leaderboard) TotalVotes() int64 {
	var total int64
	for _, standing := range leaderboard.Standings {
		total += standing.Entry.VoteCount
	}
	return total
}
