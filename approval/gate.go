// Package approval implements the suspend/resume point of a pipeline: an
// approval request is opened when a gate stage is reached, decided through an
// external channel, and expires on a deadline. Expiry is a property of every
// read, not of a background sweep: a pending request past its deadline is
// reported expired even if nothing has written it yet, and the observation is
// lazily persisted.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/stagecoach-io/stagecoach/storage"
	"github.com/stagecoach-io/stagecoach/types"
)

var (
	// ErrStaleApproval is returned when a decision arrives for a request that
	// already reached a terminal state.
	ErrStaleApproval = errors.New("approval request already resolved")
	// ErrExpiredApproval is returned when a decision arrives after the
	// request's deadline.
	ErrExpiredApproval = errors.New("approval request expired")
)

// DefaultTTL bounds how long an approval request stays open when the gate
// stage does not set its own deadline.
const DefaultTTL = 24 * time.Hour

// Gate creates and resolves approval requests. All durable state lives in the
// record store; the gate itself is stateless.
type Gate struct {
	storage    storage.Storage
	generate   generator.Generator
	logger     *zap.Logger
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultTTL overrides the default approval deadline.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.defaultTTL = ttl
		}
	}
}

// WithLogger sets the gate's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a Gate backed by the given store and ID generator.
func NewGate(store storage.Storage, generate generator.Generator, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	g := &Gate{
		storage:    store,
		generate:   generate,
		logger:     zap.NewNop(),
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Open creates a pending approval request for a workflow's gate stage. Only
// one pending request may exist per workflow; a second open fails with
// storage.ErrDuplicateApproval.
func (g *Gate) Open(ctx context.Context, workflowID, stage string, ttl time.Duration) (types.ApprovalRequest, error) {
	id, err := g.generate.NextID()
	if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("failed to generate approval ID: %w", err)
	}
	if ttl <= 0 {
		ttl = g.defaultTTL
	}

	now := g.now()
	ar := types.ApprovalRequest{
		ID:         fmt.Sprintf("apr-%d", id),
		WorkflowID: workflowID,
		Stage:      stage,
		Status:     types.ApprovalPending,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	}
	if err := g.storage.SaveApproval(ctx, ar); err != nil {
		return types.ApprovalRequest{}, err
	}

	g.logger.Info("approval gate opened",
		zap.String("approval_id", ar.ID),
		zap.String("workflow_id", workflowID),
		zap.String("stage", stage),
		zap.Int64("expires_at", ar.ExpiresAt))
	return ar, nil
}

// Get loads an approval request with expiry applied. A pending request past
// its deadline is returned as expired, and the transition is persisted
// best-effort so later reads see it without recomputing.
func (g *Gate) Get(ctx context.Context, id string) (types.ApprovalRequest, error) {
	ar, err := g.storage.GetApproval(ctx, id)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	return g.applyExpiry(ctx, ar), nil
}

// Decide resolves a pending request. Decisions on terminal requests fail with
// ErrStaleApproval; decisions past the deadline fail with ErrExpiredApproval
// (and the expiry itself is persisted).
func (g *Gate) Decide(ctx context.Context, id string, approve bool, actor, comment string) (types.ApprovalRequest, error) {
	ar, err := g.storage.GetApproval(ctx, id)
	if err != nil {
		return types.ApprovalRequest{}, err
	}

	now := g.now().UnixMilli()
	switch ar.EffectiveStatus(now) {
	case types.ApprovalExpired:
		ar = g.applyExpiry(ctx, ar)
		return ar, fmt.Errorf("%w: id=%s", ErrExpiredApproval, id)
	case types.ApprovalApproved, types.ApprovalRejected:
		return ar, fmt.Errorf("%w: id=%s status=%s", ErrStaleApproval, id, ar.Status)
	}

	if approve {
		ar.Status = types.ApprovalApproved
	} else {
		ar.Status = types.ApprovalRejected
	}
	ar.Actor = actor
	ar.Comment = comment
	ar.DecidedAt = now

	if err := g.storage.SaveApproval(ctx, ar); err != nil {
		return types.ApprovalRequest{}, err
	}

	g.logger.Info("approval decided",
		zap.String("approval_id", ar.ID),
		zap.String("workflow_id", ar.WorkflowID),
		zap.String("status", string(ar.Status)),
		zap.String("actor", actor))
	return ar, nil
}

// Expire sweeps all stored-pending requests and persists expiry for those
// past their deadline, returning the newly expired requests.
func (g *Gate) Expire(ctx context.Context) ([]types.ApprovalRequest, error) {
	pending, err := g.storage.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}

	now := g.now().UnixMilli()
	var expired []types.ApprovalRequest
	for _, ar := range pending {
		if ar.EffectiveStatus(now) != types.ApprovalExpired {
			continue
		}
		ar.Status = types.ApprovalExpired
		ar.DecidedAt = now
		if err := g.storage.SaveApproval(ctx, ar); err != nil {
			return expired, err
		}
		expired = append(expired, ar)
	}
	return expired, nil
}

// applyExpiry converts a past-deadline pending request to expired and
// persists the transition. Persistence failures are logged, not surfaced:
// the computed status is authoritative either way.
func (g *Gate) applyExpiry(ctx context.Context, ar types.ApprovalRequest) types.ApprovalRequest {
	now := g.now().UnixMilli()
	if ar.Status != types.ApprovalPending || ar.EffectiveStatus(now) != types.ApprovalExpired {
		return ar
	}

	ar.Status = types.ApprovalExpired
	ar.DecidedAt = now
	if err := g.storage.SaveApproval(ctx, ar); err != nil {
		g.logger.Warn("failed to persist approval expiry",
			zap.String("approval_id", ar.ID),
			zap.Error(err))
	}
	return ar
}
