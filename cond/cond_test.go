package cond

import (
	"testing"

	"github.com/petal-labs/dotflow"
)

func TestEvaluate(t *testing.T) {
	ctx := dotflow.NewContext()
	ctx.Set("branch", "left")
	ctx.Set("count", 3)
	ctx.Set("flag", "true")
	ctx.Set("off", "false")

	out := dotflow.Outcome{Status: dotflow.StatusSuccess, PreferredLabel: "Approve"}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"outcome = success", true},
		{"outcome = fail", false},
		{"outcome != fail", true},
		{"preferred_label = Approve", true},
		{"preferred_label != Approve", false},
		{"context.branch = left", true},
		{"branch = left", true},
		{"branch != left", false},
		{"count = 3", true},
		{"flag", true},
		{"off", false},
		{"missing", false},
		{"outcome = success && branch = left", true},
		{"outcome = success && branch = right", false},
		{"outcome = success && flag && count = 3", true},
		{`branch = "left"`, true},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.expr, out, ctx)
		if err != nil {
			t.Errorf("Evaluate(%q): unexpected error %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q): got %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateContextFallback(t *testing.T) {
	ctx := dotflow.NewContext()
	ctx.Set("context.special", "yes")

	got, err := Evaluate("context.special = yes", dotflow.Outcome{}, ctx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("context.X should resolve a value stored under the literal key")
	}
}

func TestValidateRejectsBadClauses(t *testing.T) {
	bad := []string{
		"a b",
		"= x",
		"!= y",
		"a = 1 && ",
		"&& b",
	}
	for _, expr := range bad {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q): expected error", expr)
		}
	}
	good := []string{"", "a", "a = b", "a != b", "a = b && c != d"}
	for _, expr := range good {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q): unexpected error %v", expr, err)
		}
	}
}
