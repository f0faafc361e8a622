package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestDiffTool_NoChanges(t *testing.T) {
	tool := NewDiffTool()
	toolCtx := testContext()
	toolCtx.Content = "same\n"

	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{"after": "same\n"}), toolCtx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Output != "" {
		t.Errorf("Expected empty diff, got %q", result.Output)
	}
	if result.Title != "no changes" {
		t.Errorf("Unexpected title %q", result.Title)
	}
}

func TestDiffTool_CountsLines(t *testing.T) {
	tool := NewDiffTool()
	before := "a\nb\nc\n"
	after := "a\nB\nc\nd\n"

	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"before": before,
		"after":  after,
		"name":   "notes.txt",
	}), testContext())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Metadata["additions"] != 2 || result.Metadata["deletions"] != 1 {
		t.Errorf("Unexpected counts: %v", result.Metadata)
	}
	if !strings.HasPrefix(result.Output, "--- notes.txt\n+++ notes.txt\n") {
		t.Errorf("Expected headers, got %q", result.Output)
	}
}

func TestPatchTool_RoundTripsDiff(t *testing.T) {
	before := "The quick brown fox\njumps over\nthe lazy dog\n"
	after := "The quick red fox\njumps over\nthe sleepy dog\n"

	diffResult, err := NewDiffTool().Execute(context.Background(), mustJSON(t, map[string]any{
		"before": before,
		"after":  after,
		"name":   "fox.txt",
	}), testContext())
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}

	toolCtx := testContext()
	toolCtx.Content = before
	patchResult, err := NewPatchTool().Execute(context.Background(), mustJSON(t, map[string]any{
		"patch": diffResult.Output,
	}), toolCtx)
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if patchResult.Output != after {
		t.Errorf("patched = %q, want %q", patchResult.Output, after)
	}
	if !strings.HasPrefix(patchResult.Detail, "sha256:") {
		t.Errorf("Unexpected detail %q", patchResult.Detail)
	}
}

func TestPatchTool_ExplicitText(t *testing.T) {
	diffResult, err := NewDiffTool().Execute(context.Background(), mustJSON(t, map[string]any{
		"before": "one\n",
		"after":  "two\n",
	}), testContext())
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}

	toolCtx := testContext()
	toolCtx.Content = "ignored"
	result, err := NewPatchTool().Execute(context.Background(), mustJSON(t, map[string]any{
		"patch": diffResult.Output,
		"text":  "one\n",
	}), toolCtx)
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if result.Output != "two\n" {
		t.Errorf("patched = %q", result.Output)
	}
}

func TestPatchTool_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{"invalid json", json.RawMessage(`{`), "invalid input"},
		{"empty patch", json.RawMessage(`{"patch": "  "}`), "patch is required"},
		{"malformed patch", json.RawMessage(`{"patch": "@@ nonsense @@\n"}`), "invalid patch"},
		{"hunk mismatch", mustJSON(t, map[string]any{
			"patch": "@@ -1,5 +1,5 @@\n-alpha\n+omega\n",
			"text":  "zzzzzzzzzz yyyyyyyyyy",
		}), "failed to apply"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPatchTool().Execute(context.Background(), tt.input, testContext())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
