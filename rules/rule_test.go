package rules

import (
	"testing"
)

func TestExprEvaluator(t *testing.T) {
	e := NewExprEvaluator()

	env := map[string]interface{}{
		"input": map[string]interface{}{"severity": "high"},
		"outputs": map[string]interface{}{
			"review": map[string]interface{}{"issues_found": 2},
		},
		"skipped": map[string]interface{}{"correct": false},
	}

	tests := []struct {
		name       string
		expression string
		want       bool
		wantErr    bool
	}{
		{"literal true", "true", true, false},
		{"output lookup", "outputs.review.issues_found > 0", true, false},
		{"input lookup", `input.severity == "high"`, true, false},
		{"false comparison", "outputs.review.issues_found > 5", false, false},
		{"skipped lookup", "!skipped.correct", true, false},
		{"undefined variable is nil", "outputs.missing == nil", true, false},
		{"non-boolean result", "outputs.review.issues_found", false, true},
		{"syntax error", "outputs.review.(", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expression, env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate(%q) error = %v, wantErr %v", tt.expression, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expression, got, tt.want)
			}
		})
	}
}

func TestExprEvaluatorCache(t *testing.T) {
	e := NewExprEvaluator()

	for i := 0; i < 3; i++ {
		got, err := e.Evaluate("1 < 2", nil)
		if err != nil || !got {
			t.Fatalf("Evaluate = %v, %v", got, err)
		}
	}
	if len(e.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(e.cache))
	}
}
