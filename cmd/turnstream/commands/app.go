package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencode-ai/turnstream/internal/config"
	"github.com/opencode-ai/turnstream/internal/event"
	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/internal/model"
	"github.com/opencode-ai/turnstream/internal/persist"
	"github.com/opencode-ai/turnstream/internal/session"
	"github.com/opencode-ai/turnstream/internal/storage"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/internal/tool"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// shutdownTimeout bounds graceful shutdown of the server and the sessions it
// still runs.
const shutdownTimeout = 30 * time.Second

// loadConfig resolves the config for workDir and applies global flags.
func loadConfig() (*types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if prettyLog {
		cfg.Log.Pretty = true
	}
	return cfg, nil
}

// app is the assembled runtime shared by serve and run.
type app struct {
	cfg      *types.Config
	store    storage.Store
	hub      *event.Hub
	registry *tool.Registry
	manager  *session.Manager
	watcher  *model.ScriptWatcher
	metrics  *telemetry.Provider
	logs     io.Closer
}

// newApp wires logging, storage, the event hub, tools, the model adapter, the
// persistence synchronizer and the session manager from cfg. A push metrics
// exporter writes to metricsOut.
func newApp(ctx context.Context, cfg *types.Config, metricsOut io.Writer) (*app, error) {
	logs, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Driver == "" || cfg.Store.Driver == "file" {
		if err := config.GetPaths().EnsurePaths(); err != nil {
			logs.Close()
			return nil, fmt.Errorf("create data directories: %w", err)
		}
	}

	provider, err := telemetry.NewProvider(cfg.Metrics, metricsOut)
	if err != nil {
		logs.Close()
		return nil, err
	}
	provider.Install()
	metrics, err := telemetry.NewMetricsObserver(provider.Meter())
	if err != nil {
		provider.Shutdown(ctx)
		logs.Close()
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	obs := telemetry.Multi{telemetry.NewLogObserver(logging.Logger), metrics}

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		provider.Shutdown(ctx)
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := tool.DefaultRegistry(cfg.Tools)
	adapter, err := model.NewFromConfig(ctx, cfg.Model, registry.ToolInfos())
	if err != nil {
		store.Close()
		provider.Shutdown(ctx)
		logs.Close()
		return nil, fmt.Errorf("create model adapter: %w", err)
	}

	// Edits to a configured script take effect for the next session.
	var watcher *model.ScriptWatcher
	if sa, ok := model.Unwrap(adapter).(*model.ScriptAdapter); ok && cfg.Model.Script != "" {
		if watcher, err = model.WatchScript(cfg.Model.Script, sa); err != nil {
			logging.Warn().Err(err).Str("script", cfg.Model.Script).Msg("script reload disabled")
		}
	}

	hub := event.NewHub(event.Options{
		Retention:  cfg.Session.Retention.Std(),
		MaxPending: cfg.Session.MaxPending,
		Observer:   obs,
	})

	manager := session.NewManager(session.Deps{
		Adapter: adapter,
		Invoker: tool.NewInvoker(registry, tool.InvokerOptions{
			Timeout:  cfg.Tools.Timeout.Std(),
			Fatal:    cfg.Tools.Fatal,
			Observer: obs,
		}),
		Persister: persist.New(store, persist.OptionsFromConfig(cfg.Persist, obs)),
		Events:    hub,
		Observer:  obs,
	}, session.OptionsFromConfig(cfg.Session))

	logging.Info().
		Str("store", cfg.Store.Driver).
		Str("provider", cfg.Model.Provider).
		Strs("tools", registry.IDs()).
		Msg("turnstream ready")

	return &app{
		cfg:      cfg,
		store:    store,
		hub:      hub,
		registry: registry,
		manager:  manager,
		watcher:  watcher,
		metrics:  provider,
		logs:     logs,
	}, nil
}

// Close stops every running session, then releases the hub, the store, the
// metrics provider and the log file.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var watchErr error
	if a.watcher != nil {
		watchErr = a.watcher.Close()
	}
	return errors.Join(
		watchErr,
		a.manager.Shutdown(ctx),
		a.hub.Close(),
		a.store.Close(),
		a.metrics.Shutdown(ctx),
		a.logs.Close(),
	)
}
