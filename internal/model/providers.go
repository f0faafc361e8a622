package model

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// Default model IDs per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultOpenAIModel    = "gpt-4o"
)

// NewFromConfig builds the adapter selected by cfg.Provider. tools are bound
// to eino-backed models; the script provider ignores them.
func NewFromConfig(ctx context.Context, cfg types.ModelConfig, tools []*schema.ToolInfo) (Adapter, error) {
	var adapter Adapter

	switch cfg.Provider {
	case "script":
		script := DefaultScript()
		if cfg.Script != "" {
			var err error
			if script, err = LoadScript(cfg.Script); err != nil {
				return nil, fmt.Errorf("load script: %w", err)
			}
		}
		adapter = NewScriptAdapter(script)

	case "anthropic", "openai", "ark":
		chatModel, err := newChatModel(ctx, cfg)
		if err != nil {
			return nil, err
		}
		adapter, err = NewEinoAdapter(chatModel, EinoOptions{
			System:    cfg.System,
			Tools:     tools,
			MaxRounds: cfg.MaxRounds,
		})
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	logging.Info().
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Int("tools", len(tools)).
		Msg("model adapter ready")

	if cfg.RateLimit > 0 {
		return NewRateLimited(adapter, cfg.RateLimit, cfg.Burst), nil
	}
	return adapter, nil
}

func newChatModel(ctx context.Context, cfg types.ModelConfig) (einomodel.ToolCallingChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key not set", cfg.Provider)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	switch cfg.Provider {
	case "anthropic":
		modelID := cfg.Model
		if modelID == "" {
			modelID = DefaultAnthropicModel
		}
		claudeCfg := &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelID,
			MaxTokens: maxTokens,
		}
		if cfg.BaseURL != "" {
			claudeCfg.BaseURL = &cfg.BaseURL
		}
		cm, err := claude.NewChatModel(ctx, claudeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return cm, nil

	case "openai":
		modelID := cfg.Model
		if modelID == "" {
			modelID = DefaultOpenAIModel
		}
		openaiCfg := &openai.ChatModelConfig{
			APIKey:              cfg.APIKey,
			Model:               modelID,
			MaxCompletionTokens: &maxTokens,
		}
		if cfg.BaseURL != "" {
			openaiCfg.BaseURL = cfg.BaseURL
		}
		cm, err := openai.NewChatModel(ctx, openaiCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return cm, nil

	case "ark":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ark: model (endpoint ID) not set")
		}
		arkCfg := &ark.ChatModelConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: &maxTokens,
		}
		if cfg.BaseURL != "" {
			arkCfg.BaseURL = cfg.BaseURL
		}
		cm, err := ark.NewChatModel(ctx, arkCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create ARK model: %w", err)
		}
		return cm, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
