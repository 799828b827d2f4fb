package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagecoach-io/stagecoach/config"
	"github.com/stagecoach-io/stagecoach/pipelines"
	"github.com/stagecoach-io/stagecoach/storage"
	"github.com/stagecoach-io/stagecoach/types"
	"github.com/stagecoach-io/stagecoach/workflow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	coord, err := workflow.NewCoordinator(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		storage.NewMemoryStorage(),
		workflow.WithLogger(zap.NewNop()),
		workflow.WithRetryPolicy(3, time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, pipelines.RegisterBuiltin(context.Background(), coord))
	t.Cleanup(func() { coord.Stop(context.Background()) })

	cfg := &config.Config{}
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Server.ShutdownTimeout = time.Second
	return NewServer(coord, cfg, zap.NewNop())
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func pollStatus(t *testing.T, srv *Server, id string, want types.Status) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.Eventually(t, func() bool {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/workflows/"+id, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body = decodeBody(t, w)
		status := types.Status(body["status"].(string))
		return status == want || status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, string(want), body["status"])
	return body
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerMetrics(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServerIncidentApprovalFlow(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"pipeline": "incident-remediation",
		"input": map[string]interface{}{
			"service":     "checkout",
			"description": "elevated 5xx rate",
			"severity":    "high",
		},
		"idempotency_key": "incident-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decodeBody(t, w)["workflow_id"].(string)
	require.NotEmpty(t, id)

	// Re-delivering the trigger returns the same run.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"pipeline":        "incident-remediation",
		"input":           map[string]interface{}{"service": "checkout"},
		"idempotency_key": "incident-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, id, decodeBody(t, w)["workflow_id"])

	body := pollStatus(t, srv, id, types.StatusWaitingApproval)
	assert.Equal(t, "approve-plan", body["current_stage"])
	approvalID := body["approval_id"].(string)
	require.NotEmpty(t, approvalID)

	// A completed stage's output is readable while the run is suspended.
	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%s/stages/analyze", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	analyze := decodeBody(t, w)
	assert.Equal(t, "analyze", analyze["stage"])

	// A stage that has not run yet is a 404.
	w = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%s/stages/execute", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/"+approvalID, map[string]interface{}{
		"decision": "approve",
		"actor":    "oncall@example.com",
		"comment":  "plan looks safe",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body = pollStatus(t, srv, id, types.StatusSucceeded)
	assert.ElementsMatch(t,
		[]interface{}{"analyze", "plan", "approve-plan", "execute", "record-outcome"},
		body["completed_stages"])

	// Deciding an already-resolved approval conflicts.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/"+approvalID, map[string]interface{}{
		"decision": "reject",
		"actor":    "oncall@example.com",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServerRejectionFailsWorkflow(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"pipeline": "release",
		"input":    map[string]interface{}{},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decodeBody(t, w)["workflow_id"].(string)

	body := pollStatus(t, srv, id, types.StatusWaitingApproval)
	approvalID := body["approval_id"].(string)

	w = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/"+approvalID, map[string]interface{}{
		"decision": "reject",
		"actor":    "release-manager@example.com",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body = pollStatus(t, srv, id, types.StatusFailed)
	assert.Equal(t, workflow.ReasonApprovalRejected, body["error"])
}

func TestServerCancel(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"pipeline": "release",
		"input":    map[string]interface{}{},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decodeBody(t, w)["workflow_id"].(string)

	pollStatus(t, srv, id, types.StatusWaitingApproval)

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/cancel", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := pollStatus(t, srv, id, types.StatusFailed)
	assert.Equal(t, workflow.ReasonCancelled, body["error"])
}

func TestServerErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	// Unknown pipeline.
	w := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"pipeline": "nope",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing pipeline field.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown workflow.
	w = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/wf-0", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Unknown approval.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/apr-0", map[string]interface{}{
		"decision": "approve",
		"actor":    "alice@example.com",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Invalid decision value.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/apr-0", map[string]interface{}{
		"decision": "maybe",
		"actor":    "alice@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Cancelling an unknown workflow.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/wf-0/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerRequestID(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
