package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/catalog"
	"github.com/lucasnoah/factorywatch/internal/config"
	"github.com/lucasnoah/factorywatch/internal/db"
	"github.com/lucasnoah/factorywatch/internal/events"
	"github.com/lucasnoah/factorywatch/internal/line"
	"github.com/lucasnoah/factorywatch/internal/llm"
	"github.com/lucasnoah/factorywatch/internal/metrics"
	"github.com/lucasnoah/factorywatch/internal/orchestrator"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
	"github.com/lucasnoah/factorywatch/internal/stage"
	"github.com/lucasnoah/factorywatch/internal/web"
)

// Store is everything the CLI needs from a backing store. Both the Postgres
// store and the JSON file store implement it.
type Store interface {
	stage.Store
	orchestrator.Store
	web.Store
	Seed(ctx context.Context, cat *pipeline.Catalog, force bool) error
}

var (
	_ Store = (*db.DB)(nil)
	_ Store = (*pipeline.FileStore)(nil)
)

// app is the wired pipeline: store, engine, orchestrator and side channels.
type app struct {
	cfg     *config.Config
	store   Store
	engine  *stage.Engine
	orch    *orchestrator.Orchestrator
	metrics *metrics.Recorder
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// loadConfig reads --config, or the default search paths when unset.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// openStore opens Postgres when database.url is set and the file store
// under ~/.factory/store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	if cfg.Database.URL == "" {
		fs, err := pipeline.DefaultFileStore()
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return fs, func() error { return nil }, nil
	}
	d, err := db.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return d, d.Close, nil
}

// seedCatalog loads the built-in catalog (with configured thresholds) unless
// the store already has one.
func seedCatalog(ctx context.Context, cfg *config.Config, store Store, force bool) error {
	cat, err := catalog.Default()
	if err != nil {
		return err
	}
	if len(cfg.Thresholds) > 0 {
		cat = catalog.WithThresholds(cat, cfg.Thresholds)
	}
	if err := store.Seed(ctx, cat, force); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	return nil
}

func newReasoner(cfg *config.Config) llm.Reasoner {
	key := os.Getenv(cfg.LLM.APIKeyEnv)
	if key == "" {
		slog.Warn("no reasoning API key; stages will use fallbacks", "env", cfg.LLM.APIKeyEnv)
		return llm.Unavailable{Reason: cfg.LLM.APIKeyEnv + " not set"}
	}
	base, maxBackoff := cfg.LLM.Retry.Durations()
	opts := []llm.Option{
		llm.WithModel(cfg.LLM.Model),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithRetryConfig(llm.RetryConfig{
			MaxAttempts:       cfg.LLM.Retry.MaxAttempts,
			BackoffBase:       base,
			BackoffMultiplier: cfg.LLM.Retry.BackoffMultiplier,
			MaxBackoff:        maxBackoff,
		}),
	}
	if cfg.LLM.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*cfg.LLM.Temperature))
	}
	return llm.NewClient(key, opts...)
}

func newMessenger(cfg *config.Config) stage.Messenger {
	lc := cfg.Notify.Line
	if !lc.Enabled {
		return line.Disabled{}
	}
	token := os.Getenv(lc.TokenEnv)
	if token == "" {
		slog.Warn("LINE enabled but no token; notifications will not be delivered", "env", lc.TokenEnv)
		return line.Disabled{}
	}
	return line.NewClient(token, lc.BaseURL)
}

// openApp wires the pipeline from configuration.
func openApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s (and %d more)", errs[0], len(errs)-1)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, metrics: metrics.New(), closers: []func() error{closeStore}}
	if err := seedCatalog(ctx, cfg, store, false); err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = stage.NewEngine(store, newReasoner(cfg), newMessenger(cfg), cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine.SetMetrics(a.metrics)
	a.engine.SetPrompts(prompt.NewLibrary(prompt.DefaultDir()))

	a.orch = orchestrator.NewOrchestrator(store, a.engine)
	a.orch.SetMetrics(a.metrics)

	if cfg.Events.NATSURL != "" {
		pub, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.orch.SetPublisher(pub)
		a.closers = append(a.closers, pub.Close)
	}

	if verbose {
		var w io.Writer = cmd.ErrOrStderr()
		a.engine.SetProgress(w)
		a.orch.SetProgress(w)
	}
	return a, nil
}

// prepareRun resolves the reading to run: an explicit --reading, or a fresh
// one injected from --scenario.
func (a *app) prepareRun(ctx context.Context, machineID, readingID, scenario string) (orchestrator.Input, error) {
	if readingID == "" {
		if scenario == "" {
			return orchestrator.Input{}, fmt.Errorf("either --reading or --scenario is required")
		}
		r, err := catalog.Inject(ctx, a.store, scenario, machineID, time.Now())
		if err != nil {
			return orchestrator.Input{}, err
		}
		readingID = r.ID
	}
	return a.orch.Prepare(ctx, machineID, readingID)
}
