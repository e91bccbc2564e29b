package voting

import "time"

const (
	operationSubmit         = "submit"
	operationApprove        = "approve"
	operationReject         = "reject"
	operationDelete         = "delete"
	operationCastVote       = "cast_vote"
	operationResetVotes     = "reset_votes"
	operationRebuildTallies = "rebuild_tallies"

	// Outcome values of OperationLog.Status.
	OperationStatusOK       = "ok"
	OperationStatusRejected = "rejected"
	OperationStatusError    = "error"

	// MaxImageBytes bounds the encoded image payload so an entry fits in a single store document.
	MaxImageBytes = 800 * 1024

	maxTitleRunes       = 120
	maxCarverNameRunes  = 120
	maxDescriptionRunes = 2000

	defaultMaxAttempts    = 3
	defaultRetryBackoff   = 20 * time.Millisecond
	defaultResetBatchSize = 400
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 500
)
