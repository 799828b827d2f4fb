package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further mutation of the record is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ApprovalStatus is the state of one approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval request can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Stage is one step of an ordered pipeline. A stage is either backed by a
// registered executor, or (when Gate is set) a suspension point awaiting an
// external approval decision.
type Stage struct {
	Name string `json:"name"`
	Gate bool   `json:"gate,omitempty"`

	// Condition is an optional boolean expression over prior stage outputs.
	// When it evaluates to false the stage is recorded as skipped.
	Condition string `json:"condition,omitempty"`

	MaxRetries     int `json:"max_retries,omitempty"`
	RetryDelaySec  int `json:"retry_delay_sec,omitempty"`
	ApprovalTTLSec int `json:"approval_ttl_sec,omitempty"`
}

// Pipeline is a declarative ordered stage list. Adding or removing a stage is
// a data change consumed generically by the coordinator.
type Pipeline struct {
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

// Validate checks structural soundness of a pipeline definition.
func (p Pipeline) Validate() error {
	if p.Name == "" {
		return errors.New("pipeline name cannot be empty")
	}
	if len(p.Stages) == 0 {
		return errors.New("pipeline must have at least one stage")
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, st := range p.Stages {
		if st.Name == "" {
			return errors.New("stage name cannot be empty")
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q in pipeline %q", st.Name, p.Name)
		}
		seen[st.Name] = true
		if st.Gate && st.Condition != "" {
			return fmt.Errorf("gate stage %q cannot carry a condition", st.Name)
		}
	}
	return nil
}

// Index returns the position of the named stage, or -1.
func (p Pipeline) Index(name string) int {
	for i, st := range p.Stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// StageOutput is one arm of the per-stage output union, tagged by stage name.
// Outputs are append-only: once recorded for a stage they are never rewritten.
type StageOutput struct {
	Stage      string          `json:"stage"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	ProducedAt int64           `json:"produced_at"`
}

// WorkflowRecord is the durable state of one pipeline run. It is mutated
// exclusively through the coordinator, with every save guarded by the
// version counter.
type WorkflowRecord struct {
	ID             string          `json:"id"`
	Pipeline       string          `json:"pipeline"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`
	CurrentStage   string          `json:"current_stage"`
	StageOutputs   []StageOutput   `json:"stage_outputs"`
	Input          json.RawMessage `json:"input,omitempty"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Version        uint64          `json:"version"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Output returns the recorded output for a stage, if any.
func (r *WorkflowRecord) Output(stage string) (StageOutput, bool) {
	for _, out := range r.StageOutputs {
		if out.Stage == stage {
			return out, true
		}
	}
	return StageOutput{}, false
}

// LastPayload returns the most recent non-skipped stage payload, falling back
// to the trigger input when no stage has produced one yet.
func (r *WorkflowRecord) LastPayload() json.RawMessage {
	for i := len(r.StageOutputs) - 1; i >= 0; i-- {
		if !r.StageOutputs[i].Skipped && r.StageOutputs[i].Payload != nil {
			return r.StageOutputs[i].Payload
		}
	}
	return r.Input
}

// Touch bumps the version counter and update timestamp ahead of a save.
func (r *WorkflowRecord) Touch(nowMilli int64) {
	r.Version++
	r.UpdatedAt = nowMilli
}

// ApprovalRequest is the durable state of one approval gate activation.
// Exactly one pending request may exist per workflow at a time.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Stage      string         `json:"stage"`
	Status     ApprovalStatus `json:"status"`
	Actor      string         `json:"actor,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	ExpiresAt  int64          `json:"expires_at"`
	DecidedAt  int64          `json:"decided_at,omitempty"`
}

// EffectiveStatus computes the status as of nowMilli. A pending request whose
// deadline has passed reads as expired even if never explicitly transitioned.
func (a ApprovalRequest) EffectiveStatus(nowMilli int64) ApprovalStatus {
	if a.Status == ApprovalPending && nowMilli >= a.ExpiresAt {
		return ApprovalExpired
	}
	return a.Status
}
