package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffDescription = `Computes a line-based diff between two texts.

Usage notes:
  - "before" defaults to the content generated so far when omitted
  - The output is in diff-match-patch patch format and can be passed to the patch tool`

// DiffTool computes a patch between two texts.
type DiffTool struct{}

// DiffInput represents the input for the diff tool.
type DiffInput struct {
	Before *string `json:"before,omitempty"`
	After  string  `json:"after"`
	Name   string  `json:"name,omitempty"`
}

// NewDiffTool creates a new diff tool.
func NewDiffTool() *DiffTool { return &DiffTool{} }

func (t *DiffTool) ID() string          { return "diff" }
func (t *DiffTool) Description() string { return diffDescription }

func (t *DiffTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"before": {
				"type": "string",
				"description": "Original text. Defaults to the content generated so far"
			},
			"after": {
				"type": "string",
				"description": "Updated text"
			},
			"name": {
				"type": "string",
				"description": "Optional name used in the diff header"
			}
		},
		"required": ["after"]
	}`)
}

func (t *DiffTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params DiffInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	before := toolCtx.Content
	if params.Before != nil {
		before = *params.Before
	}

	diffText, additions, deletions := buildDiff(params.Name, before, params.After)
	if diffText == "" {
		return &Result{Title: "no changes", Metadata: map[string]any{"additions": 0, "deletions": 0}}, nil
	}

	return &Result{
		Title:  fmt.Sprintf("+%d -%d", additions, deletions),
		Output: diffText,
		Metadata: map[string]any{
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}

// buildDiff returns the patch text (prefixed with headers when name is set)
// and the number of added and deleted lines.
func buildDiff(name, before, after string) (string, int, int) {
	if before == after {
		return "", 0, 0
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	diffText := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if diffText == "" || name == "" {
		return diffText, additions, deletions
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "--- %s\n+++ %s\n", name, name)
	builder.WriteString(diffText)
	return builder.String(), additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
