package voting

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing voting operation.
type OperationLog struct {
	Operation       string
	ActorID         UserID
	EntryID         EntryID
	PreviousEntryID EntryID
	Attempts        int
	Status          string
	Error           error
}

// OperationLoggers fans a single operation log out to several loggers.
type OperationLoggers []OperationLogger

// LogOperation forwards the entry to every non-nil logger.
func (loggers OperationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithChangePublisher wires the stream that receives a change event after every commit.
func WithChangePublisher(publisher ChangePublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithMaxAttempts bounds how many times a conflicting transaction is attempted.
func WithMaxAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		service.retry.maxAttempts = attempts
	}
}

// WithRetryBackoff sets the base delay between conflicting attempts.
func WithRetryBackoff(backoff time.Duration) ServiceOption {
	return func(service *Service) {
		service.retry.backoff = backoff
	}
}

// WithResetBatchSize bounds how many rows a single reset transaction touches.
func WithResetBatchSize(size int) ServiceOption {
	return func(service *Service) {
		service.resetBatchSize = size
	}
}

// WithIDGenerator overrides how entry, vote and event ids are minted.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}
