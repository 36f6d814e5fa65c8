package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
	"github.com/openfroyo/stagehand/pkg/policy"
	"github.com/openfroyo/stagehand/pkg/reboot"
	"github.com/openfroyo/stagehand/pkg/steps"
	"github.com/openfroyo/stagehand/pkg/stores"
	"github.com/openfroyo/stagehand/pkg/telemetry"
	"github.com/openfroyo/stagehand/pkg/trigger"
)

// app holds the components of one CLI invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	runner   hostexec.Runner
	store    *stores.FileStateStore
	history  *stores.SQLiteStore
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	triggers engine.TriggerManager
	detector *reboot.Detector

	// steps is set by orchestrator.
	steps *engine.Registry

	closers []io.Closer
}

// newApp loads the config and builds the components every command shares.
func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = opts.version

	logCfg := cfg.Telemetry.Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logCfg.Level = v
	}
	if opts.verbose {
		logCfg.Level = "debug"
	}
	logger, logCloser, err := telemetry.NewLogger(logCfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	log.Logger = logger

	a := &app{
		cfg:     cfg,
		logger:  logger,
		closers: []io.Closer{logCloser},
	}

	a.tracer, err = telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.metrics, err = telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.runner = hostexec.NewExecRunner(logger)
	a.store = stores.NewFileStateStore(cfg.StatePath, logger)

	if cfg.HistoryPath != "" {
		a.history, err = openHistory(ctx, cfg.HistoryPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.HistoryPath).Msg("Run history unavailable")
		} else {
			a.closers = append(a.closers, a.history)
		}
	}

	a.triggers, err = trigger.New(cfg.Trigger.Backend, trigger.Options{
		Name:    cfg.Trigger.Name,
		UnitDir: cfg.Trigger.UnitDir,
		Runner:  a.runner,
		Logger:  logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var signals []reboot.Signal
	if !cfg.Reboot.DisableDefaults {
		signals = reboot.DefaultSignals(runtime.GOOS, a.runner)
	}
	signals = append(signals, configSignals(cfg.Reboot.Signals, a.runner)...)
	a.detector = reboot.NewDetector(logger, signals...)

	return a, nil
}

func openHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	history, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := history.Init(ctx); err != nil {
		return nil, err
	}
	if err := history.Migrate(ctx); err != nil {
		history.Close()
		return nil, err
	}
	return history, nil
}

func configSignals(defs []config.SignalConfig, runner hostexec.Runner) []reboot.Signal {
	signals := make([]reboot.Signal, 0, len(defs))
	for _, def := range defs {
		if def.File != "" {
			signals = append(signals, &reboot.FileSignal{Label: def.Name, Path: def.File, Reason: def.Reason})
			continue
		}
		codes := def.ExitCodes
		if len(codes) == 0 {
			codes = []int{0}
		}
		signals = append(signals, &reboot.CommandSignal{
			Label:         def.Name,
			Command:       hostexec.Command{Name: def.Command, Args: def.Args},
			RequiredCodes: codes,
			Reason:        def.Reason,
			Optional:      def.Optional,
			Runner:        runner,
		})
	}
	return signals
}

// publisher fans engine events out to the history and the metrics.
func (a *app) publisher() engine.EventPublisher {
	pubs := engine.MultiPublisher{a.metrics}
	if a.history != nil {
		pubs = append(pubs, a.history)
	}
	return pubs
}

// archiver returns the run archive, or nil without history.
func (a *app) archiver() engine.RunArchiver {
	if a.history == nil {
		return nil
	}
	return a.history
}

// launchSpec is the command line the resume trigger relaunches.
func (a *app) launchSpec() (engine.LaunchSpec, error) {
	exe := a.cfg.Trigger.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return engine.LaunchSpec{}, fmt.Errorf("failed to resolve executable: %w", err)
		}
	}

	var base []string
	if a.cfg.Path != "" {
		abs, err := filepath.Abs(a.cfg.Path)
		if err != nil {
			return engine.LaunchSpec{}, err
		}
		base = []string{"--config", abs}
	}
	return engine.LaunchSpec{Executable: exe, BaseArgs: base}, nil
}

// orchestrator builds the registry, engine and orchestrator.
func (a *app) orchestrator(ctx context.Context) (*engine.Orchestrator, error) {
	launch, err := a.launchSpec()
	if err != nil {
		return nil, err
	}

	controller := engine.NewCheckpointController(
		a.detector,
		a.triggers,
		reboot.NewHostRestarter(a.runner, a.logger),
		a.logger,
		engine.CheckpointOptions{
			Launch:       launch,
			TriggerName:  a.cfg.Trigger.Name,
			Identities:   a.cfg.IdentityMap(),
			Retry:        a.cfg.RetryPolicy(),
			RestartDelay: a.cfg.RestartDelay.Std(),
		},
	)

	registry, err := a.registry(ctx, controller)
	if err != nil {
		return nil, err
	}
	a.steps = registry

	secrets, err := steps.NewSecretProvider(a.cfg.Secrets)
	if err != nil {
		return nil, err
	}

	planPolicy, err := a.policy(ctx)
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngine(a.store, a.publisher(), a.logger, engine.EngineOptions{
		DefaultTimeout: a.cfg.DefaultTimeout.Std(),
		Secrets:        secrets,
	})

	deps := engine.OrchestratorDeps{
		Registry: registry,
		Engine:   eng,
		Store:    a.store,
		Triggers: a.triggers,
		Archiver: a.archiver(),
		Policy:   planPolicy,
	}

	return engine.NewOrchestrator(deps, a.logger, engine.OrchestratorOptions{
		DefaultRebootMode: a.cfg.Mode(),
		KeepState:         a.cfg.KeepState,
		EnforcePolicy:     a.cfg.Policy.Enforce,
	}), nil
}

// registry registers the inline and catalog steps.
func (a *app) registry(ctx context.Context, controller *engine.CheckpointController) (*engine.Registry, error) {
	defs, err := steps.Definitions(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	registry := engine.NewRegistry()
	if err := steps.NewBuilder(a.runner, controller, a.logger).RegisterAll(registry, defs); err != nil {
		return nil, err
	}
	return registry, nil
}

// policy builds the plan policy engine with the configured extra and
// disabled policies.
func (a *app) policy(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
		return nil, err
	}
	for _, name := range a.cfg.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return pe, nil
}

// Close flushes telemetry and releases resources.
func (a *app) Close(ctx context.Context) {
	if a.metrics != nil {
		if err := a.metrics.WriteTextfile(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
		}
	}
	if a.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to shut down tracer")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}
