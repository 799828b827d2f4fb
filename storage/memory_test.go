package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stagecoach-io/stagecoach/types"
)

func TestMemoryStorage(t *testing.T) {
	// Helper function to create a sample workflow record
	newRecord := func(id string, version uint64) types.WorkflowRecord {
		return types.WorkflowRecord{
			ID:           id,
			Pipeline:     "release",
			Status:       types.StatusPending,
			CurrentStage: "build",
			Version:      version,
			CreatedAt:    time.Now().UnixMilli(),
			UpdatedAt:    time.Now().UnixMilli(),
		}
	}

	// Helper function to create a sample approval request
	newApproval := func(id, workflowID string) types.ApprovalRequest {
		return types.ApprovalRequest{
			ID:         id,
			WorkflowID: workflowID,
			Stage:      "approve",
			Status:     types.ApprovalPending,
			CreatedAt:  time.Now().UnixMilli(),
			ExpiresAt:  time.Now().Add(time.Hour).UnixMilli(),
		}
	}

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.records)
		assert.Empty(t, store.approvals)
	})

	t.Run("SaveAndGetRecord", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		rec := newRecord("wf-1", 1)
		err := store.SaveRecord(ctx, rec)
		assert.NoError(t, err)

		got, err := store.GetRecord(ctx, "wf-1")
		assert.NoError(t, err)
		assert.Equal(t, rec, got)

		_, err = store.GetRecord(ctx, "wf-2")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("CreateRequiresVersionOne", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		err := store.SaveRecord(ctx, newRecord("wf-1", 3))
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveRecord(ctx, newRecord("wf-1", 1)))
		assert.NoError(t, store.SaveRecord(ctx, newRecord("wf-1", 2)))

		// Re-saving version 2 loses against the stored version 2.
		err := store.SaveRecord(ctx, newRecord("wf-1", 2))
		assert.ErrorIs(t, err, ErrConflict)

		// Skipping a version is also a conflict.
		err = store.SaveRecord(ctx, newRecord("wf-1", 4))
		assert.ErrorIs(t, err, ErrConflict)

		got, err := store.GetRecord(ctx, "wf-1")
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("ConcurrentSaveSingleWinner", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		assert.NoError(t, store.SaveRecord(ctx, newRecord("wf-1", 1)))

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.SaveRecord(ctx, newRecord("wf-1", 2))
			}()
		}
		wg.Wait()
		close(errs)

		winners := 0
		for err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("FindRecordByKey", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		rec := newRecord("wf-1", 1)
		rec.IdempotencyKey = "trigger-42"
		assert.NoError(t, store.SaveRecord(ctx, rec))

		got, err := store.FindRecordByKey(ctx, "trigger-42")
		assert.NoError(t, err)
		assert.Equal(t, "wf-1", got.ID)

		_, err = store.FindRecordByKey(ctx, "missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("IdempotencyKeyUniqueness", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		first := newRecord("wf-1", 1)
		first.IdempotencyKey = "trigger-42"
		assert.NoError(t, store.SaveRecord(ctx, first))

		// A second record under the same key loses, even though its ID and
		// version would otherwise be acceptable.
		second := newRecord("wf-2", 1)
		second.IdempotencyKey = "trigger-42"
		err := store.SaveRecord(ctx, second)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := store.FindRecordByKey(ctx, "trigger-42")
		assert.NoError(t, err)
		assert.Equal(t, "wf-1", got.ID)

		// The owning record keeps saving under its own key.
		update := newRecord("wf-1", 2)
		update.IdempotencyKey = "trigger-42"
		assert.NoError(t, store.SaveRecord(ctx, update))
	})

	t.Run("SaveAndGetApproval", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		ar := newApproval("apr-1", "wf-1")
		assert.NoError(t, store.SaveApproval(ctx, ar))

		got, err := store.GetApproval(ctx, "apr-1")
		assert.NoError(t, err)
		assert.Equal(t, ar, got)

		_, err = store.GetApproval(ctx, "apr-2")
		assert.ErrorIs(t, err, ErrApprovalNotFound)
	})

	t.Run("DuplicatePendingApproval", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveApproval(ctx, newApproval("apr-1", "wf-1")))

		err := store.SaveApproval(ctx, newApproval("apr-2", "wf-1"))
		assert.ErrorIs(t, err, ErrDuplicateApproval)

		// A second pending approval for another workflow is fine.
		assert.NoError(t, store.SaveApproval(ctx, newApproval("apr-3", "wf-2")))

		// Resolving the first frees the slot.
		resolved := newApproval("apr-1", "wf-1")
		resolved.Status = types.ApprovalApproved
		assert.NoError(t, store.SaveApproval(ctx, resolved))
		assert.NoError(t, store.SaveApproval(ctx, newApproval("apr-4", "wf-1")))
	})

	t.Run("FindPendingApproval", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveApproval(ctx, newApproval("apr-1", "wf-1")))

		got, err := store.FindPendingApproval(ctx, "wf-1")
		assert.NoError(t, err)
		assert.Equal(t, "apr-1", got.ID)

		_, err = store.FindPendingApproval(ctx, "wf-2")
		assert.ErrorIs(t, err, ErrApprovalNotFound)

		resolved := newApproval("apr-1", "wf-1")
		resolved.Status = types.ApprovalApproved
		assert.NoError(t, store.SaveApproval(ctx, resolved))

		_, err = store.FindPendingApproval(ctx, "wf-1")
		assert.ErrorIs(t, err, ErrApprovalNotFound)
	})

	t.Run("ListPendingApprovals", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			ar := newApproval(fmt.Sprintf("apr-%d", i), fmt.Sprintf("wf-%d", i))
			assert.NoError(t, store.SaveApproval(ctx, ar))
		}

		pending, err := store.ListPendingApprovals(ctx)
		assert.NoError(t, err)
		assert.Len(t, pending, 3)

		decided, err := store.GetApproval(ctx, "apr-2")
		assert.NoError(t, err)
		decided.Status = types.ApprovalRejected
		assert.NoError(t, store.SaveApproval(ctx, decided))

		pending, err = store.ListPendingApprovals(ctx)
		assert.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("ClearTerminated", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		done := newRecord("wf-1", 1)
		done.Status = types.StatusSucceeded
		done.IdempotencyKey = "k1"
		assert.NoError(t, store.SaveRecord(ctx, done))
		assert.NoError(t, store.SaveRecord(ctx, newRecord("wf-2", 1)))

		assert.NoError(t, store.ClearTerminated(ctx))

		_, err := store.GetRecord(ctx, "wf-1")
		assert.ErrorIs(t, err, ErrRecordNotFound)
		_, err = store.FindRecordByKey(ctx, "k1")
		assert.ErrorIs(t, err, ErrRecordNotFound)
		_, err = store.GetRecord(ctx, "wf-2")
		assert.NoError(t, err)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveRecord(ctx, newRecord("wf-1", 1))
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.GetRecord(ctx, "wf-1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
