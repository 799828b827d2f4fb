package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/stagecoach-io/stagecoach/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface,
// suitable for tests and single-process demos.
type MemoryStorage struct {
	records   map[string]types.WorkflowRecord
	byKey     map[string]string // idempotency key -> record ID
	approvals map[string]types.ApprovalRequest
	pending   map[string]string // workflow ID -> pending approval ID
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:   make(map[string]types.WorkflowRecord),
		byKey:     make(map[string]string),
		approvals: make(map[string]types.ApprovalRequest),
		pending:   make(map[string]string),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveRecord saves a workflow record, enforcing the version check.
func (s *MemoryStorage) SaveRecord(ctx context.Context, rec types.WorkflowRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		stored, exists := s.records[rec.ID]
		if exists {
			if stored.Version != rec.Version-1 {
				return fmt.Errorf("%w: id=%s stored=%d save=%d", ErrConflict, rec.ID, stored.Version, rec.Version)
			}
		} else if rec.Version != 1 {
			return fmt.Errorf("%w: id=%s", ErrRecordNotFound, rec.ID)
		}
		if rec.IdempotencyKey != "" {
			if id, ok := s.byKey[rec.IdempotencyKey]; ok && id != rec.ID {
				return fmt.Errorf("%w: key %s already bound to %s", ErrConflict, rec.IdempotencyKey, id)
			}
		}

		s.records[rec.ID] = rec
		if rec.IdempotencyKey != "" {
			s.byKey[rec.IdempotencyKey] = rec.ID
		}
		return nil
	})
}

// GetRecord retrieves a workflow record from memory.
func (s *MemoryStorage) GetRecord(ctx context.Context, id string) (types.WorkflowRecord, error) {
	return getItem(ctx, &s.mu, s.records, id, ErrRecordNotFound)
}

// FindRecordByKey retrieves a workflow record by idempotency key.
func (s *MemoryStorage) FindRecordByKey(ctx context.Context, key string) (types.WorkflowRecord, error) {
	return withContext(ctx, func() (types.WorkflowRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.byKey[key]
		if !ok {
			return types.WorkflowRecord{}, fmt.Errorf("%w: key=%s", ErrRecordNotFound, key)
		}
		return s.records[id], nil
	})
}

// SaveApproval saves an approval request, keeping the one-pending-per-workflow
// index consistent.
func (s *MemoryStorage) SaveApproval(ctx context.Context, ar types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, exists := s.approvals[ar.ID]
		if !exists && ar.Status == types.ApprovalPending {
			if open, ok := s.pending[ar.WorkflowID]; ok && open != ar.ID {
				return fmt.Errorf("%w: workflow=%s open=%s", ErrDuplicateApproval, ar.WorkflowID, open)
			}
		}

		s.approvals[ar.ID] = ar
		if ar.Status == types.ApprovalPending {
			s.pending[ar.WorkflowID] = ar.ID
		} else if s.pending[ar.WorkflowID] == ar.ID {
			delete(s.pending, ar.WorkflowID)
		}
		return nil
	})
}

// GetApproval retrieves an approval request from memory.
func (s *MemoryStorage) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getItem(ctx, &s.mu, s.approvals, id, ErrApprovalNotFound)
}

// FindPendingApproval retrieves a workflow's open approval request.
func (s *MemoryStorage) FindPendingApproval(ctx context.Context, workflowID string) (types.ApprovalRequest, error) {
	return withContext(ctx, func() (types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.pending[workflowID]
		if !ok {
			return types.ApprovalRequest{}, fmt.Errorf("%w: workflow=%s", ErrApprovalNotFound, workflowID)
		}
		return s.approvals[id], nil
	})
}

// ListPendingApprovals returns all approval requests still stored as pending.
func (s *MemoryStorage) ListPendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalRequest, 0, len(s.pending))
		for _, id := range s.pending {
			out = append(out, s.approvals[id])
		}
		return out, nil
	})
}

// ClearTerminated removes succeeded or failed workflow records.
func (s *MemoryStorage) ClearTerminated(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, rec := range s.records {
			if rec.Status.Terminal() {
				delete(s.records, id)
				if rec.IdempotencyKey != "" {
					delete(s.byKey, rec.IdempotencyKey)
				}
			}
		}
		return nil
	})
}
