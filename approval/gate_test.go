package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecoach-io/stagecoach/storage"
	"github.com/stagecoach-io/stagecoach/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestGate(t *testing.T) (*Gate, *storage.MemoryStorage, *fakeClock) {
	t.Helper()
	store := storage.NewMemoryStorage()
	clock := &fakeClock{t: time.Now()}
	gate, err := NewGate(store, generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		WithDefaultTTL(time.Hour),
		WithClock(clock.Now))
	require.NoError(t, err)
	return gate, store, clock
}

func TestGateOpen(t *testing.T) {
	gate, _, clock := newTestGate(t)
	ctx := context.Background()

	ar, err := gate.Open(ctx, "wf-1", "approve", 0)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, ar.Status)
	assert.Equal(t, "wf-1", ar.WorkflowID)
	assert.Equal(t, clock.Now().Add(time.Hour).UnixMilli(), ar.ExpiresAt)

	// Explicit TTL overrides the default.
	short, err := gate.Open(ctx, "wf-2", "approve", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute).UnixMilli(), short.ExpiresAt)

	// Only one pending request per workflow.
	_, err = gate.Open(ctx, "wf-1", "approve", 0)
	assert.ErrorIs(t, err, storage.ErrDuplicateApproval)
}

func TestGateDecide(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	ar, err := gate.Open(ctx, "wf-1", "approve", 0)
	require.NoError(t, err)

	decided, err := gate.Decide(ctx, ar.ID, true, "alice@example.com", "ship it")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, decided.Status)
	assert.Equal(t, "alice@example.com", decided.Actor)
	assert.Equal(t, "ship it", decided.Comment)
	assert.NotZero(t, decided.DecidedAt)

	// A second decision is stale, and does not overwrite the first.
	_, err = gate.Decide(ctx, ar.ID, false, "bob@example.com", "")
	assert.ErrorIs(t, err, ErrStaleApproval)

	got, err := gate.Get(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, got.Status)
	assert.Equal(t, "alice@example.com", got.Actor)
}

func TestGateDecideReject(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()

	ar, err := gate.Open(ctx, "wf-1", "approve", 0)
	require.NoError(t, err)

	decided, err := gate.Decide(ctx, ar.ID, false, "alice@example.com", "not yet")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, decided.Status)
}

func TestGateDecideNotFound(t *testing.T) {
	gate, _, _ := newTestGate(t)

	_, err := gate.Decide(context.Background(), "apr-missing", true, "alice@example.com", "")
	assert.ErrorIs(t, err, storage.ErrApprovalNotFound)
}

func TestGateExpiryOnRead(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()

	ar, err := gate.Open(ctx, "wf-1", "approve", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	// The read computes expiry even though nothing has written it.
	got, err := gate.Get(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, got.Status)

	// And the observation was persisted.
	stored, err := store.GetApproval(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, stored.Status)
}

func TestGateDecideAfterDeadline(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()

	ar, err := gate.Open(ctx, "wf-1", "approve", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	got, err := gate.Decide(ctx, ar.ID, true, "alice@example.com", "too late")
	assert.ErrorIs(t, err, ErrExpiredApproval)
	assert.Equal(t, types.ApprovalExpired, got.Status)

	stored, err := store.GetApproval(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, stored.Status)
	assert.Empty(t, stored.Actor)
}

func TestGateExpireSweep(t *testing.T) {
	gate, store, clock := newTestGate(t)
	ctx := context.Background()

	overdue, err := gate.Open(ctx, "wf-1", "approve", time.Minute)
	require.NoError(t, err)
	fresh, err := gate.Open(ctx, "wf-2", "approve", time.Hour)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	expired, err := gate.Expire(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)

	stillPending, err := store.GetApproval(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, stillPending.Status)

	// A second sweep finds nothing new.
	expired, err = gate.Expire(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
