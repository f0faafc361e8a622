package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// mockTool implements Tool for testing
type mockTool struct {
	id          string
	description string
	params      json.RawMessage
}

func (m *mockTool) ID() string                  { return m.id }
func (m *mockTool) Description() string         { return m.description }
func (m *mockTool) Parameters() json.RawMessage { return m.params }
func (m *mockTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	return &Result{Output: "mock result"}, nil
}

func newMockTool(id, description string) *mockTool {
	return &mockTool{
		id:          id,
		description: description,
		params:      json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

// Helper to create test context
func testContext() *Context {
	return &Context{
		SessionID: "test-session",
		CallID:    "test-call",
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()

	registry.Register(newMockTool("test_tool", "A test tool"))

	got, ok := registry.Get("test_tool")
	if !ok {
		t.Fatal("Tool not found")
	}
	if got.ID() != "test_tool" {
		t.Errorf("Got tool ID %q, want 'test_tool'", got.ID())
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	registry := NewRegistry()

	if _, ok := registry.Get("nonexistent"); ok {
		t.Error("Expected tool not to be found")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	registry := NewRegistry()
	registry.Register(newMockTool("gamma", "Gamma"))
	registry.Register(newMockTool("alpha", "Alpha"))
	registry.Register(newMockTool("beta", "Beta"))

	ids := registry.IDs()
	want := []string{"alpha", "beta", "gamma"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d IDs, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestRegistry_ToolInfos(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&mockTool{
		id:          "lookup",
		description: "Looks something up",
		params: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Query"},
				"limit": {"type": "integer", "description": "Max results"},
				"mode": {"type": "string", "enum": ["fast", "exact"]}
			},
			"required": ["query"]
		}`),
	})

	infos := registry.ToolInfos()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 tool info, got %d", len(infos))
	}
	if infos[0].Name != "lookup" {
		t.Errorf("Expected name 'lookup', got %q", infos[0].Name)
	}
	if infos[0].Desc != "Looks something up" {
		t.Errorf("Unexpected description %q", infos[0].Desc)
	}

	params := parseJSONSchemaToParams(registry.List()[0].Parameters())
	if !params["query"].Required {
		t.Error("query should be required")
	}
	if params["limit"].Required {
		t.Error("limit should not be required")
	}
	if len(params["mode"].Enum) != 2 {
		t.Errorf("Expected 2 enum values, got %v", params["mode"].Enum)
	}
}

func TestDefaultRegistry(t *testing.T) {
	registry := DefaultRegistry(types.ToolsConfig{})

	for _, name := range []string{"diff", "patch", "webfetch"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("Expected tool %q to be registered", name)
		}
	}
}

func TestDefaultRegistry_Disabled(t *testing.T) {
	registry := DefaultRegistry(types.ToolsConfig{Disabled: []string{"webfetch"}})

	if _, ok := registry.Get("webfetch"); ok {
		t.Error("webfetch should be disabled")
	}
	if len(registry.List()) != 2 {
		t.Errorf("Expected 2 tools, got %d", len(registry.List()))
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("tool%d", n)
			registry.Register(newMockTool(id, "Tool"))
			registry.List()
			registry.IDs()
			registry.Get(id)
		}(i)
	}
	wg.Wait()

	if len(registry.List()) != 10 {
		t.Errorf("Expected 10 tools, got %d", len(registry.List()))
	}
}

func TestRegistry_ReplaceExisting(t *testing.T) {
	registry := NewRegistry()
	registry.Register(newMockTool("mytool", "Original description"))
	registry.Register(newMockTool("mytool", "New description"))

	got, _ := registry.Get("mytool")
	if got.Description() != "New description" {
		t.Errorf("Expected 'New description', got %q", got.Description())
	}
	if len(registry.List()) != 1 {
		t.Errorf("Expected 1 tool after replacement, got %d", len(registry.List()))
	}
}
