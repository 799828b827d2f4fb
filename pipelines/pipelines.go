// Package pipelines ships two ready-made pipeline definitions with stub
// executors: an incident remediation flow gated on human approval before the
// remediation step, and a release flow whose correction stage only runs when
// the review stage asks for changes. They double as a smoke-test deployment
// for a server with no pipelines of its own yet.
package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stagecoach-io/stagecoach/types"
	"github.com/stagecoach-io/stagecoach/workflow"
)

// IncidentRemediation analyzes an incident, plans a remediation, waits for a
// human to approve the plan, executes it, and records the outcome.
func IncidentRemediation() types.Pipeline {
	return types.Pipeline{
		Name: "incident-remediation",
		Stages: []types.Stage{
			{Name: "analyze", MaxRetries: 3, RetryDelaySec: 1},
			{Name: "plan"},
			{Name: "approve-plan", Gate: true, ApprovalTTLSec: 4 * 3600},
			{Name: "execute", MaxRetries: 2, RetryDelaySec: 2},
			{Name: "record-outcome"},
		},
	}
}

// Release reviews a generated artifact and applies corrections only when the
// review found issues, then waits for a deploy approval.
func Release() types.Pipeline {
	return types.Pipeline{
		Name: "release",
		Stages: []types.Stage{
			{Name: "generate"},
			{Name: "review"},
			{Name: "correct", Condition: `outputs.review.issues_found > 0`},
			{Name: "approve-deploy", Gate: true, ApprovalTTLSec: 24 * 3600},
			{Name: "deploy", MaxRetries: 3, RetryDelaySec: 2},
		},
	}
}

// RegisterBuiltin registers both pipelines and their stub executors on the
// coordinator.
func RegisterBuiltin(ctx context.Context, coord *workflow.Coordinator) error {
	for _, p := range []types.Pipeline{IncidentRemediation(), Release()} {
		if err := coord.RegisterPipeline(ctx, p); err != nil {
			return fmt.Errorf("failed to register pipeline %s: %w", p.Name, err)
		}
	}

	executors := map[string]workflow.Executor{
		"analyze":        workflow.ExecutorFunc(analyzeIncident),
		"plan":           workflow.ExecutorFunc(planRemediation),
		"execute":        workflow.ExecutorFunc(executeRemediation),
		"record-outcome": workflow.ExecutorFunc(recordOutcome),
		"generate":       workflow.ExecutorFunc(generateArtifact),
		"review":         workflow.ExecutorFunc(reviewArtifact),
		"correct":        workflow.ExecutorFunc(applyCorrections),
		"deploy":         workflow.ExecutorFunc(deployArtifact),
	}
	for stage, ex := range executors {
		if err := coord.RegisterExecutor(ctx, stage, ex); err != nil {
			return err
		}
	}
	return nil
}

type incident struct {
	Service     string `json:"service"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func analyzeIncident(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var inc incident
	if err := json.Unmarshal(input, &inc); err != nil {
		return nil, workflow.Fatal("bad_input", err)
	}
	if inc.Service == "" {
		return nil, workflow.Fatal("bad_input", fmt.Errorf("incident has no service"))
	}

	severity := inc.Severity
	if severity == "" {
		severity = "medium"
	}
	return json.Marshal(map[string]interface{}{
		"service":     inc.Service,
		"severity":    severity,
		"root_cause":  "suspected config drift",
		"description": inc.Description,
	})
}

func planRemediation(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var analysis map[string]interface{}
	if err := json.Unmarshal(input, &analysis); err != nil {
		return nil, workflow.Fatal("bad_input", err)
	}

	return json.Marshal(map[string]interface{}{
		"service": analysis["service"],
		"steps": []string{
			"snapshot current config",
			"roll back to last known good",
			"verify service health",
		},
		"estimated_minutes": 15,
	})
}

func executeRemediation(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	// Input here is the approval record; the plan itself is read back from the
	// run's stored stage outputs by real implementations.
	return json.Marshal(map[string]interface{}{
		"executed":      true,
		"steps_applied": 3,
	})
}

func recordOutcome(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"recorded": true,
		"status":   "resolved",
	})
}

func generateArtifact(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"artifact": "build-1",
		"size":     2048,
	})
}

func reviewArtifact(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var artifact map[string]interface{}
	if err := json.Unmarshal(input, &artifact); err != nil {
		return nil, workflow.Fatal("bad_input", err)
	}

	return json.Marshal(map[string]interface{}{
		"artifact":     artifact["artifact"],
		"issues_found": 0,
	})
}

func applyCorrections(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"corrections_applied": true,
	})
}

func deployArtifact(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"deployed": true,
	})
}
