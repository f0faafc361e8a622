package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const patchDescription = `Applies a patch in diff-match-patch format to a text and returns the result.

Usage notes:
  - "text" defaults to the content generated so far when omitted
  - Hunks are matched fuzzily; the call fails if any hunk cannot be applied
  - Lines starting with "---" or "+++" before the first hunk are ignored`

// PatchTool applies diff-match-patch patches.
type PatchTool struct{}

// PatchInput represents the input for the patch tool.
type PatchInput struct {
	Patch string  `json:"patch"`
	Text  *string `json:"text,omitempty"`
}

// NewPatchTool creates a new patch tool.
func NewPatchTool() *PatchTool { return &PatchTool{} }

func (t *PatchTool) ID() string          { return "patch" }
func (t *PatchTool) Description() string { return patchDescription }

func (t *PatchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"patch": {
				"type": "string",
				"description": "Patch text as produced by the diff tool"
			},
			"text": {
				"type": "string",
				"description": "Text to patch. Defaults to the content generated so far"
			}
		},
		"required": ["patch"]
	}`)
}

func (t *PatchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params PatchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Patch) == "" {
		return nil, fmt.Errorf("patch is required")
	}

	text := toolCtx.Content
	if params.Text != nil {
		text = *params.Text
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(stripHeaders(params.Patch))
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	if len(patches) == 0 {
		return nil, fmt.Errorf("patch contains no hunks")
	}

	patched, applied := dmp.PatchApply(patches, text)
	failed := 0
	for _, ok := range applied {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		return nil, fmt.Errorf("%d of %d hunks failed to apply", failed, len(applied))
	}

	sum := sha256.Sum256([]byte(patched))
	return &Result{
		Title:  fmt.Sprintf("applied %d hunks", len(applied)),
		Output: patched,
		Detail: "sha256:" + hex.EncodeToString(sum[:8]),
		Metadata: map[string]any{
			"hunks": len(applied),
		},
	}, nil
}

// stripHeaders drops file header lines that precede the first hunk.
func stripHeaders(patch string) string {
	lines := strings.Split(patch, "\n")
	i := 0
	for i < len(lines) && (strings.HasPrefix(lines[i], "---") || strings.HasPrefix(lines[i], "+++")) {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
