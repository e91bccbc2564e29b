package httpapi

import (
	"errors"
	"net/http"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-gonic/gin"
)

const (
	errorNotAuthenticated  = "not_authenticated"
	errorNotAuthorized     = "not_authorized"
	errorEntryNotFound     = "entry_not_found"
	errorEntryNotApproved  = "entry_not_approved"
	errorInvalidTransition = "invalid_transition"
	errorInvalidSubmission = "invalid_submission"
	errorInvalidEntryID    = "invalid_entry_id"
	errorInvalidStatus     = "invalid_status"
	errorInvalidPayload    = "invalid_payload"
	errorTransientFailure  = "transient_failure"
	errorStoreUnavailable  = "store_unavailable"
	errorRateLimited       = "rate_limited"
	errorFeedClosed        = "feed_closed"
	errorInternal          = "internal_error"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{target: voting.ErrNotAuthenticated, status: http.StatusUnauthorized, code: errorNotAuthenticated, message: "missing session"},
	{target: voting.ErrNotAuthorized, status: http.StatusForbidden, code: errorNotAuthorized, message: "administrator required"},
	{target: voting.ErrEntryNotFound, status: http.StatusNotFound, code: errorEntryNotFound, message: "entry not found"},
	{target: voting.ErrEntryNotApproved, status: http.StatusConflict, code: errorEntryNotApproved, message: "entry is not open for voting"},
	{target: voting.ErrInvalidTransition, status: http.StatusConflict, code: errorInvalidTransition, message: "status change not allowed"},
	{target: voting.ErrInvalidSubmission, status: http.StatusBadRequest, code: errorInvalidSubmission},
	{target: voting.ErrInvalidEntryID, status: http.StatusBadRequest, code: errorInvalidEntryID, message: "invalid entry id"},
	{target: voting.ErrInvalidEntryStatus, status: http.StatusBadRequest, code: errorInvalidStatus, message: "invalid status"},
	{target: voting.ErrTransientFailure, status: http.StatusServiceUnavailable, code: errorTransientFailure, message: "busy, try again"},
	{target: voting.ErrConflict, status: http.StatusServiceUnavailable, code: errorTransientFailure, message: "busy, try again"},
	{target: voting.ErrStoreUnavailable, status: http.StatusServiceUnavailable, code: errorStoreUnavailable, message: "store unavailable"},
	{target: voting.ErrFeedClosed, status: http.StatusServiceUnavailable, code: errorFeedClosed, message: "shutting down"},
}

// mapError returns the HTTP status and stable code for err. An empty mapping message means the
// error text is safe to show, which holds for validation failures.
func mapError(err error) (int, string, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			message := mapping.message
			if message == "" {
				message = rootMessage(err)
			}
			return mapping.status, mapping.code, message
		}
	}
	return http.StatusInternalServerError, errorInternal, "internal error"
}

func rootMessage(err error) string {
	var operationError voting.OperationError
	if errors.As(err, &operationError) {
		return operationError.Unwrap().Error()
	}
	return err.Error()
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
