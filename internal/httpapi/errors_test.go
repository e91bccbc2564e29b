package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
)

func TestMapError(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "unauthenticated", err: voting.ErrNotAuthenticated, wantStatus: http.StatusUnauthorized, wantCode: errorNotAuthenticated},
		{name: "forbidden", err: voting.WrapError("service", "status", "admin", voting.ErrNotAuthorized), wantStatus: http.StatusForbidden, wantCode: errorNotAuthorized},
		{name: "missing", err: voting.WrapError("store", "entry", "get", voting.ErrEntryNotFound), wantStatus: http.StatusNotFound, wantCode: errorEntryNotFound},
		{name: "not approved", err: voting.ErrEntryNotApproved, wantStatus: http.StatusConflict, wantCode: errorEntryNotApproved},
		{name: "transient", err: fmt.Errorf("%w: %w", voting.ErrTransientFailure, voting.ErrConflict), wantStatus: http.StatusServiceUnavailable, wantCode: errorTransientFailure},
		{name: "unavailable", err: voting.ErrStoreUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: errorStoreUnavailable},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: errorInternal},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			status, code, message := mapError(testCase.err)
			if status != testCase.wantStatus || code != testCase.wantCode {
				test.Fatalf("got (%d, %q), want (%d, %q)", status, code, testCase.wantStatus, testCase.wantCode)
			}
			if message == "" {
				test.Fatalf("expected a message")
			}
		})
	}
}

func TestMapErrorShowsValidationDetail(test *testing.T) {
	test.Parallel()

	_, code, message := mapError(voting.WrapError("service", "submit", "validate", fmt.Errorf("%w: title is required", voting.ErrInvalidSubmission)))
	if code != errorInvalidSubmission || message != "invalid submission: title is required" {
		test.Fatalf("unexpected mapping (%q, %q)", code, message)
	}
}

func TestMapErrorHidesInternalDetail(test *testing.T) {
	test.Parallel()

	_, _, message := mapError(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	if message != "internal error" {
		test.Fatalf("internal detail leaked: %q", message)
	}
}
