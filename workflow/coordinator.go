// Package workflow implements the pipeline coordinator: it drives a workflow
// record through a declarative ordered stage list, persisting after every
// transition, suspending at approval gates, and converting executor failures
// into workflow-level outcomes. The only durable coordination point is the
// record store's version counter; no in-memory lock is held across an
// executor call.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/stagecoach-io/stagecoach/approval"
	"github.com/stagecoach-io/stagecoach/events"
	"github.com/stagecoach-io/stagecoach/metrics"
	"github.com/stagecoach-io/stagecoach/rules"
	"github.com/stagecoach-io/stagecoach/storage"
	"github.com/stagecoach-io/stagecoach/types"
)

// Standard error definitions
var (
	ErrPipelineNotFound      = errors.New("pipeline not found")
	ErrStageNotFound         = errors.New("stage not found in pipeline")
	ErrExecutorNotRegistered = errors.New("executor not registered")
	ErrArtifactNotFound      = errors.New("stage output not yet produced")
)

// Workflow lifecycle event types published on the bus.
const (
	EventWorkflowStarted   = "workflow_started"
	EventStageCompleted    = "stage_completed"
	EventPendingApproval   = "pending_approval"
	EventWorkflowSucceeded = "workflow_succeeded"
	EventWorkflowFailed    = "workflow_failed"
)

// Machine-readable failure reasons recorded on the workflow record.
const (
	ReasonApprovalRejected = "approval_rejected"
	ReasonApprovalExpired  = "approval_expired"
	ReasonCancelled        = "cancelled"
)

// Default retry policy for transient executor failures.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Coordinator sequences stage executors over durable workflow records.
type Coordinator struct {
	pipelines map[string]types.Pipeline
	executors map[string]Executor
	storage   storage.Storage
	gate      *approval.Gate
	eventBus  *events.Bus
	evaluator rules.Evaluator
	generate  generator.Generator
	logger    *zap.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	approvalTTL time.Duration
	now         func() time.Time

	mu sync.RWMutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEvaluator sets a custom evaluator for stage conditions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(c *Coordinator) {
		if evaluator != nil {
			c.evaluator = evaluator
		}
	}
}

// WithEventBus sets the bus workflow lifecycle events are published on.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Coordinator) {
		if bus != nil {
			c.eventBus = bus
		}
	}
}

// WithRetryPolicy bounds transient-error retries: maxAttempts total tries per
// stage, exponential backoff from base capped at max.
func WithRetryPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(c *Coordinator) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if base > 0 {
			c.baseDelay = base
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// WithApprovalTTL sets the default approval gate deadline.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.approvalTTL = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a Coordinator with the given ID generator and record
// store. A nil store falls back to in-memory storage.
func NewCoordinator(generate generator.Generator, store storage.Storage, opts ...Option) (*Coordinator, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	c := &Coordinator{
		pipelines:   make(map[string]types.Pipeline),
		executors:   make(map[string]Executor),
		storage:     store,
		evaluator:   rules.NewExprEvaluator(),
		generate:    generate,
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		approvalTTL: approval.DefaultTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	gate, err := approval.NewGate(store, generate,
		approval.WithDefaultTTL(c.approvalTTL),
		approval.WithLogger(c.logger),
		approval.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	c.gate = gate

	if c.eventBus == nil {
		c.eventBus = events.NewBus()
	}
	return c, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (c *Coordinator) SubscribeEvent(eventType string, handler events.Handler) {
	c.eventBus.Subscribe(eventType, handler)
}

// RegisterPipeline registers a pipeline definition for triggering.
func (c *Coordinator) RegisterPipeline(ctx context.Context, p types.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pipelines[p.Name] = p
		return nil
	}
}

// RegisterExecutor registers the executor backing the named stage.
func (c *Coordinator) RegisterExecutor(ctx context.Context, stage string, ex Executor) error {
	if stage == "" || ex == nil {
		return errors.New("stage name and executor are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.executors[stage] = ex
		return nil
	}
}

func (c *Coordinator) pipeline(name string) (types.Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[name]
	return p, ok
}

func (c *Coordinator) executor(stage string) (Executor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ex, ok := c.executors[stage]
	return ex, ok
}

func (c *Coordinator) nowMilli() int64 {
	return c.now().UnixMilli()
}

// Trigger creates a workflow record for the named pipeline and starts
// advancing it asynchronously. The returned workflow ID is available
// immediately; a repeated trigger with the same idempotency key returns the
// existing run instead of creating a new one.
func (c *Coordinator) Trigger(ctx context.Context, pipelineName string, input json.RawMessage, idempotencyKey string) (string, error) {
	p, ok := c.pipeline(pipelineName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineName)
	}

	if idempotencyKey != "" {
		existing, err := c.storage.FindRecordByKey(ctx, idempotencyKey)
		if err == nil {
			c.redrive(existing)
			return existing.ID, nil
		}
		if !errors.Is(err, storage.ErrRecordNotFound) {
			return "", err
		}
	}

	id, err := c.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate workflow ID: %w", err)
	}

	now := c.nowMilli()
	rec := types.WorkflowRecord{
		ID:             fmt.Sprintf("wf-%d", id),
		Pipeline:       p.Name,
		IdempotencyKey: idempotencyKey,
		Status:         types.StatusPending,
		CurrentStage:   p.Stages[0].Name,
		Input:          input,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.storage.SaveRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) && idempotencyKey != "" {
			// Duplicate trigger delivery raced us; the winner's record stands.
			if existing, ferr := c.storage.FindRecordByKey(ctx, idempotencyKey); ferr == nil {
				c.redrive(existing)
				return existing.ID, nil
			}
		}
		return "", err
	}

	c.logger.Info("workflow triggered",
		zap.String("workflow_id", rec.ID),
		zap.String("pipeline", p.Name))
	c.publish(EventWorkflowStarted, rec.ID, map[string]interface{}{
		"pipeline": p.Name,
		"stage":    rec.CurrentStage,
	})

	c.advanceAsync(rec.ID)
	return rec.ID, nil
}

// advanceAsync drives a workflow in the background. Advance's own conflict
// handling makes concurrent drivers of one workflow safe.
func (c *Coordinator) advanceAsync(workflowID string) {
	go func() {
		if err := c.Advance(context.Background(), workflowID); err != nil {
			c.logger.Error("workflow advancement failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}()
}

// redrive re-advances a previously triggered run, so a redelivered trigger
// can rescue a workflow a crashed worker left mid-pipeline.
func (c *Coordinator) redrive(rec types.WorkflowRecord) {
	if rec.Status.Terminal() {
		return
	}
	c.advanceAsync(rec.ID)
}

// Advance drives the workflow forward until it suspends at an approval gate,
// reaches a terminal state, or hits an infrastructure error. Advancing a
// terminal workflow is a no-op; version conflicts with a concurrent advancer
// are resolved by re-reading and converging on the winner's state.
func (c *Coordinator) Advance(ctx context.Context, workflowID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := c.storage.GetRecord(ctx, workflowID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return nil
		}

		p, ok := c.pipeline(rec.Pipeline)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPipelineNotFound, rec.Pipeline)
		}
		idx := p.Index(rec.CurrentStage)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrStageNotFound, rec.CurrentStage)
		}
		stage := p.Stages[idx]

		if rec.Status == types.StatusWaitingApproval {
			proceed, err := c.resolveApproval(ctx, rec, p, stage, idx)
			if err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return err
			}
			if !proceed {
				return nil
			}
			continue
		}

		if stage.Gate {
			err := c.openGate(ctx, rec, p, stage)
			if err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return err
			}
			return nil
		}

		if stage.Condition != "" {
			pass, err := c.evaluator.Evaluate(stage.Condition, conditionEnv(rec))
			if err != nil {
				return c.fail(ctx, rec, fmt.Sprintf("condition_error: %v", err))
			}
			if !pass {
				rec.StageOutputs = append(rec.StageOutputs, types.StageOutput{
					Stage:      stage.Name,
					Skipped:    true,
					ProducedAt: c.nowMilli(),
				})
				c.advanceCursor(&rec, p, idx)
				rec.Touch(c.nowMilli())
				if err := c.storage.SaveRecord(ctx, rec); err != nil {
					if errors.Is(err, storage.ErrConflict) {
						continue
					}
					return err
				}
				c.logger.Debug("stage skipped",
					zap.String("workflow_id", rec.ID),
					zap.String("stage", stage.Name))
				metrics.StageExecutionsTotal.WithLabelValues(p.Name, stage.Name, "skipped").Inc()
				if c.finishIfSucceeded(rec, p) {
					return nil
				}
				continue
			}
		}

		if rec.Status != types.StatusRunning {
			rec.Status = types.StatusRunning
			rec.Touch(c.nowMilli())
			if err := c.storage.SaveRecord(ctx, rec); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return err
			}
		}

		ex, ok := c.executor(stage.Name)
		if !ok {
			return c.fail(ctx, rec, fmt.Sprintf("%v: %s", ErrExecutorNotRegistered, stage.Name))
		}

		out, err := c.executeWithRetry(ctx, p, stage, ex, rec.LastPayload())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			metrics.StageExecutionsTotal.WithLabelValues(p.Name, stage.Name, "failed").Inc()
			return c.fail(ctx, rec, failureReason(err))
		}
		metrics.StageExecutionsTotal.WithLabelValues(p.Name, stage.Name, "succeeded").Inc()

		rec.StageOutputs = append(rec.StageOutputs, types.StageOutput{
			Stage:      stage.Name,
			Payload:    out,
			ProducedAt: c.nowMilli(),
		})
		c.advanceCursor(&rec, p, idx)
		rec.Touch(c.nowMilli())
		if err := c.storage.SaveRecord(ctx, rec); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// A concurrent advancer or cancellation won; re-read and converge.
				continue
			}
			return err
		}

		c.publish(EventStageCompleted, rec.ID, map[string]interface{}{
			"stage":      stage.Name,
			"next_stage": rec.CurrentStage,
			"status":     string(rec.Status),
		})
		if c.finishIfSucceeded(rec, p) {
			return nil
		}
	}
}

// advanceCursor moves the record past the stage at idx, marking the run
// succeeded when that was the final stage.
func (c *Coordinator) advanceCursor(rec *types.WorkflowRecord, p types.Pipeline, idx int) {
	if idx == len(p.Stages)-1 {
		rec.Status = types.StatusSucceeded
		return
	}
	rec.CurrentStage = p.Stages[idx+1].Name
	rec.Status = types.StatusRunning
}

// finishIfSucceeded publishes completion when the record just went terminal.
func (c *Coordinator) finishIfSucceeded(rec types.WorkflowRecord, p types.Pipeline) bool {
	if rec.Status != types.StatusSucceeded {
		return false
	}
	c.logger.Info("workflow succeeded", zap.String("workflow_id", rec.ID))
	metrics.WorkflowsTotal.WithLabelValues(p.Name, string(types.StatusSucceeded)).Inc()
	c.publish(EventWorkflowSucceeded, rec.ID, map[string]interface{}{
		"pipeline": p.Name,
	})
	return true
}

// openGate creates (or reuses) the approval request for a gate stage and
// suspends the workflow.
func (c *Coordinator) openGate(ctx context.Context, rec types.WorkflowRecord, p types.Pipeline, stage types.Stage) error {
	if rec.ApprovalID == "" {
		ttl := time.Duration(stage.ApprovalTTLSec) * time.Second
		ar, err := c.gate.Open(ctx, rec.ID, stage.Name, ttl)
		switch {
		case errors.Is(err, storage.ErrDuplicateApproval):
			// A prior attempt opened the gate but crashed before persisting
			// the ID on the record; adopt the existing request.
			existing, ferr := c.storage.FindPendingApproval(ctx, rec.ID)
			if ferr != nil {
				return ferr
			}
			rec.ApprovalID = existing.ID
		case err != nil:
			return err
		default:
			rec.ApprovalID = ar.ID
		}
	}

	rec.Status = types.StatusWaitingApproval
	rec.Touch(c.nowMilli())
	if err := c.storage.SaveRecord(ctx, rec); err != nil {
		return err
	}

	c.logger.Info("workflow waiting for approval",
		zap.String("workflow_id", rec.ID),
		zap.String("stage", stage.Name),
		zap.String("approval_id", rec.ApprovalID))
	c.publish(EventPendingApproval, rec.ID, map[string]interface{}{
		"stage":       stage.Name,
		"approval_id": rec.ApprovalID,
	})
	return nil
}

// resolveApproval inspects the gate of a suspended workflow. It reports
// whether the caller should keep advancing: false means the request is still
// pending and the workflow stays suspended.
func (c *Coordinator) resolveApproval(ctx context.Context, rec types.WorkflowRecord, p types.Pipeline, stage types.Stage, idx int) (bool, error) {
	if rec.ApprovalID == "" {
		return false, c.fail(ctx, rec, "approval_missing")
	}

	ar, err := c.gate.Get(ctx, rec.ApprovalID)
	if err != nil {
		return false, err
	}

	switch ar.Status {
	case types.ApprovalPending:
		return false, nil

	case types.ApprovalApproved:
		payload, _ := json.Marshal(map[string]interface{}{
			"approved": true,
			"actor":    ar.Actor,
			"comment":  ar.Comment,
		})
		rec.StageOutputs = append(rec.StageOutputs, types.StageOutput{
			Stage:      stage.Name,
			Payload:    payload,
			ProducedAt: c.nowMilli(),
		})
		rec.ApprovalID = ""
		c.advanceCursor(&rec, p, idx)
		rec.Touch(c.nowMilli())
		if err := c.storage.SaveRecord(ctx, rec); err != nil {
			return false, err
		}
		metrics.ApprovalsTotal.WithLabelValues(p.Name, "approved").Inc()
		c.publish(EventStageCompleted, rec.ID, map[string]interface{}{
			"stage":      stage.Name,
			"next_stage": rec.CurrentStage,
			"status":     string(rec.Status),
		})
		c.finishIfSucceeded(rec, p)
		return true, nil

	case types.ApprovalRejected:
		metrics.ApprovalsTotal.WithLabelValues(p.Name, "rejected").Inc()
		return true, c.fail(ctx, rec, ReasonApprovalRejected)

	default: // expired
		metrics.ApprovalsTotal.WithLabelValues(p.Name, "expired").Inc()
		return true, c.fail(ctx, rec, ReasonApprovalExpired)
	}
}

// executeWithRetry invokes the stage executor, retrying transient failures
// with bounded exponential backoff. Exhausting the attempt ceiling converts
// the last transient error into fatal handling.
func (c *Coordinator) executeWithRetry(ctx context.Context, p types.Pipeline, stage types.Stage, ex Executor, input json.RawMessage) (json.RawMessage, error) {
	attempts := c.maxAttempts
	if stage.MaxRetries > 0 {
		attempts = stage.MaxRetries + 1
	}
	delay := c.baseDelay
	if stage.RetryDelaySec > 0 {
		delay = time.Duration(stage.RetryDelaySec) * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			metrics.StageRetriesTotal.WithLabelValues(p.Name, stage.Name).Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		start := c.now()
		out, err := ex.Execute(ctx, input)
		metrics.StageDuration.WithLabelValues(p.Name, stage.Name).Observe(c.now().Sub(start).Seconds())
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		c.logger.Warn("stage execution failed, retrying",
			zap.String("stage", stage.Name),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("stage %s failed after %d attempts: %w", stage.Name, attempts, lastErr)
}

// fail moves the record to the failed terminal state with a machine-readable
// reason, retrying version conflicts until the write lands or another writer
// terminates the run first.
func (c *Coordinator) fail(ctx context.Context, rec types.WorkflowRecord, reason string) error {
	for {
		rec.Status = types.StatusFailed
		rec.FailureReason = reason
		rec.Touch(c.nowMilli())

		err := c.storage.SaveRecord(ctx, rec)
		if err == nil {
			c.logger.Warn("workflow failed",
				zap.String("workflow_id", rec.ID),
				zap.String("stage", rec.CurrentStage),
				zap.String("reason", reason))
			metrics.WorkflowsTotal.WithLabelValues(rec.Pipeline, string(types.StatusFailed)).Inc()
			c.publish(EventWorkflowFailed, rec.ID, map[string]interface{}{
				"stage":  rec.CurrentStage,
				"reason": reason,
			})
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}

		fresh, gerr := c.storage.GetRecord(ctx, rec.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status.Terminal() {
			return nil
		}
		rec = fresh
	}
}

// Decide applies an external approval decision and resumes the workflow. An
// approval whose deadline has already passed fails the workflow with
// approval_expired and surfaces approval.ErrExpiredApproval to the caller.
func (c *Coordinator) Decide(ctx context.Context, approvalID string, approve bool, actor, comment string) error {
	ar, err := c.gate.Decide(ctx, approvalID, approve, actor, comment)
	if err != nil {
		if errors.Is(err, approval.ErrExpiredApproval) && ar.WorkflowID != "" {
			if aerr := c.Advance(ctx, ar.WorkflowID); aerr != nil {
				c.logger.Error("failed to expire workflow after stale decision",
					zap.String("workflow_id", ar.WorkflowID),
					zap.Error(aerr))
			}
		}
		return err
	}
	return c.Advance(ctx, ar.WorkflowID)
}

// Cancel terminates a workflow before completion. Cancelling a terminal
// workflow is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, workflowID string) error {
	rec, err := c.storage.GetRecord(ctx, workflowID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	return c.fail(ctx, rec, ReasonCancelled)
}

// ExpireApprovals sweeps past-deadline pending approvals and fails their
// workflows with approval_expired. Returns how many workflows were expired.
func (c *Coordinator) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := c.gate.Expire(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, ar := range expired {
		rec, err := c.storage.GetRecord(ctx, ar.WorkflowID)
		if errors.Is(err, storage.ErrRecordNotFound) {
			continue
		} else if err != nil {
			return n, err
		}
		if rec.Status.Terminal() {
			continue
		}
		metrics.ApprovalsTotal.WithLabelValues(rec.Pipeline, "expired").Inc()
		if err := c.fail(ctx, rec, ReasonApprovalExpired); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// StatusSummary is the external view of one workflow run.
type StatusSummary struct {
	WorkflowID      string       `json:"workflow_id"`
	Pipeline        string       `json:"pipeline"`
	Status          types.Status `json:"status"`
	CurrentStage    string       `json:"current_stage"`
	CompletedStages []string     `json:"completed_stages"`
	ApprovalID      string       `json:"approval_id,omitempty"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       int64        `json:"created_at"`
	UpdatedAt       int64        `json:"updated_at"`
}

// Status returns the summarized state of a workflow run.
func (c *Coordinator) Status(ctx context.Context, workflowID string) (StatusSummary, error) {
	rec, err := c.storage.GetRecord(ctx, workflowID)
	if err != nil {
		return StatusSummary{}, err
	}

	completed := make([]string, 0, len(rec.StageOutputs))
	for _, out := range rec.StageOutputs {
		completed = append(completed, out.Stage)
	}
	return StatusSummary{
		WorkflowID:      rec.ID,
		Pipeline:        rec.Pipeline,
		Status:          rec.Status,
		CurrentStage:    rec.CurrentStage,
		CompletedStages: completed,
		ApprovalID:      rec.ApprovalID,
		Error:           rec.FailureReason,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

// Artifact returns the stored output of one completed stage.
func (c *Coordinator) Artifact(ctx context.Context, workflowID, stage string) (types.StageOutput, error) {
	rec, err := c.storage.GetRecord(ctx, workflowID)
	if err != nil {
		return types.StageOutput{}, err
	}
	out, ok := rec.Output(stage)
	if !ok {
		return types.StageOutput{}, fmt.Errorf("%w: workflow=%s stage=%s", ErrArtifactNotFound, workflowID, stage)
	}
	return out, nil
}

// conditionEnv builds the expression environment for stage conditions from
// the run's accumulated outputs.
func conditionEnv(rec types.WorkflowRecord) map[string]interface{} {
	outputs := make(map[string]interface{}, len(rec.StageOutputs))
	skipped := make(map[string]interface{}, len(rec.StageOutputs))
	for _, out := range rec.StageOutputs {
		skipped[out.Stage] = out.Skipped
		if out.Skipped || len(out.Payload) == 0 {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(out.Payload, &v); err != nil {
			v = string(out.Payload)
		}
		outputs[out.Stage] = v
	}

	var input interface{}
	if len(rec.Input) > 0 {
		_ = json.Unmarshal(rec.Input, &input)
	}
	return map[string]interface{}{
		"input":   input,
		"outputs": outputs,
		"skipped": skipped,
	}
}

func (c *Coordinator) publish(eventType, workflowID string, data map[string]interface{}) {
	err := c.eventBus.Publish(context.Background(), events.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		c.logger.Debug("event dropped",
			zap.String("event_type", eventType),
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
}

// Stop gracefully stops the coordinator's event bus.
func (c *Coordinator) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.eventBus.Stop()
		return nil
	}
}
