package storage

import (
	"context"
	"errors"

	"github.com/stagecoach-io/stagecoach/types"
)

// Errors shared by all Storage implementations.
var (
	// ErrRecordNotFound is returned when no workflow record exists for an ID
	// or idempotency key.
	ErrRecordNotFound = errors.New("workflow record not found")
	// ErrApprovalNotFound is returned when no approval request exists for an ID.
	ErrApprovalNotFound = errors.New("approval request not found")
	// ErrConflict is returned when a save loses the optimistic-concurrency
	// race: the stored version is not the one the caller loaded.
	ErrConflict = errors.New("record version conflict")
	// ErrDuplicateApproval is returned when a second pending approval is
	// created for a workflow that already has one open.
	ErrDuplicateApproval = errors.New("pending approval already exists for workflow")
)

// Storage is the durable record store behind the coordinator. SaveRecord and
// GetRecord must be linearizable per workflow ID; SaveRecord enforces
// optimistic concurrency through the record's version counter: a save with
// Version N succeeds only if the stored version is N-1 (or, for N == 1, if
// no record exists yet).
type Storage interface {
	// SaveRecord upserts a workflow record, failing with ErrConflict when a
	// concurrent writer already advanced the record or when the record's
	// idempotency key is already bound to a different record.
	SaveRecord(ctx context.Context, rec types.WorkflowRecord) error

	// GetRecord retrieves a workflow record by ID.
	GetRecord(ctx context.Context, id string) (types.WorkflowRecord, error)

	// FindRecordByKey retrieves a workflow record by idempotency key.
	FindRecordByKey(ctx context.Context, key string) (types.WorkflowRecord, error)

	// SaveApproval upserts an approval request. Creating a second pending
	// request for the same workflow fails with ErrDuplicateApproval.
	SaveApproval(ctx context.Context, ar types.ApprovalRequest) error

	// GetApproval retrieves an approval request by ID.
	GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error)

	// FindPendingApproval retrieves a workflow's open approval request, for
	// recovery when the record lost track of it.
	FindPendingApproval(ctx context.Context, workflowID string) (types.ApprovalRequest, error)

	// ListPendingApprovals returns all approval requests still stored as
	// pending, for the expiry sweep.
	ListPendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
