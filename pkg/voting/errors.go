package voting

import "errors"

// Domain-level error values returned by the voting service.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrEntryNotFound        = errors.New("entry not found")
	ErrEntryNotApproved     = errors.New("entry not approved")
	ErrVoteNotFound         = errors.New("vote not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrConflict             = errors.New("transaction conflict")
	ErrTransientFailure     = errors.New("transient failure")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrInvalidSubmission    = errors.New("invalid submission")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidEntryStatus   = errors.New("invalid entry status")
	ErrInvalidVoteCount     = errors.New("invalid vote count")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrFeedClosed           = errors.New("feed closed")
)

// OperationError tags a failure with where it happened: the layer (operation), the record kind
// (subject) and a stable code, rendered together as a dotted path.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return operationError.Path() + ": " + operationError.err.Error()
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

func (operationError OperationError) Operation() string { return operationError.operation }

func (operationError OperationError) Subject() string { return operationError.subject }

func (operationError OperationError) Code() string { return operationError.code }

// Path returns "operation.subject.code".
func (operationError OperationError) Path() string {
	return operationError.operation + "." + operationError.subject + "." + operationError.code
}

// WrapError tags err with its location. A nil err stays nil.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}

// ErrorPath returns the path of the outermost OperationError in err's chain, or "" when there is
// none.
func ErrorPath(err error) string {
	var operationError OperationError
	if errors.As(err, &operationError) {
		return operationError.Path()
	}
	return ""
}

// IsRejection reports whether err is a domain rejection (bad input, missing rights, missing
// entry) as opposed to an infrastructure failure.
func IsRejection(err error) bool {
	switch {
	case errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrEntryNotApproved),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidSubmission),
		errors.Is(err, ErrInvalidEntryID),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrInvalidEntryStatus):
		return true
	}
	return false
}
