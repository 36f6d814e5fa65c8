package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// Builder converts step definitions into engine steps.
type Builder struct {
	runner     hostexec.Runner
	controller *engine.CheckpointController
	scripts    *config.StarlarkEvaluator
	logger     zerolog.Logger
}

// NewBuilder creates a builder. Checkpoint definitions are built by controller.
func NewBuilder(runner hostexec.Runner, controller *engine.CheckpointController, logger zerolog.Logger) *Builder {
	return &Builder{
		runner:     runner,
		controller: controller,
		scripts:    config.NewStarlarkEvaluator(0),
		logger:     logger.With().Str("component", "steps").Logger(),
	}
}

// Build converts one definition.
func (b *Builder) Build(def config.StepDefinition) (*engine.Step, error) {
	if err := config.ValidateStep(&def); err != nil {
		return nil, engine.NewPermanentError("invalid step definition", err).
			WithCode(engine.ErrCodeValidation).
			WithStep(def.Name).
			WithDetail("source", def.Source)
	}

	if def.IsCheckpoint() {
		if b.controller == nil {
			return nil, engine.NewPermanentError("checkpoint steps need a checkpoint controller", nil).
				WithCode(engine.ErrCodeValidation).
				WithStep(def.Name)
		}
		step := b.controller.NewCheckpoint(engine.CheckpointConfig{
			Name:        def.Name,
			Description: def.Description,
			Tags:        def.Tags,
			Priority:    def.Priority,
			DependsOn:   def.DependsOn,
			Section:     def.Section,
			NextSection: def.Checkpoint.NextSection,
			Mode:        engine.RebootMode(def.Checkpoint.Mode),
		})
		step.Provides = append(step.Provides, def.Provides...)
		return step, nil
	}

	tags := def.Tags
	if len(tags) == 0 {
		tags = []string{engine.AllRoles}
	}

	step := &engine.Step{
		Name:        def.Name,
		Description: def.Description,
		Tags:        tags,
		Priority:    def.Priority,
		DependsOn:   def.DependsOn,
		Provides:    def.Provides,
		Critical:    def.Critical,
		Section:     def.Section,
		Timeout:     def.Timeout.Std(),
		Retries:     def.Retries,
	}

	u := &commandUnit{
		def:    def,
		runner: b.runner,
		logger: b.logger.With().Str("step", def.Name).Logger(),
	}
	step.Work.Apply = u.apply
	switch {
	case def.Detect != nil:
		step.Work.Detect = u.detect
	case def.DetectScript != "":
		s := &scriptDetect{
			def:       def,
			runner:    b.runner,
			evaluator: b.scripts,
			env:       u.env,
		}
		step.Work.Detect = s.detect
	}
	if def.Verify != nil {
		step.Work.Verify = u.verify
	}
	return step, nil
}

// RegisterAll builds every definition and registers it. Registration stops at
// the first error; a name used twice fails with *engine.DuplicateStepError.
func (b *Builder) RegisterAll(reg *engine.Registry, defs []config.StepDefinition) error {
	for _, def := range defs {
		step, err := b.Build(def)
		if err != nil {
			return err
		}
		if err := reg.Register(step); err != nil {
			if def.Source != "" {
				return fmt.Errorf("%s: %w", def.Source, err)
			}
			return err
		}
	}
	b.logger.Debug().Int("steps", reg.Len()).Msg("Steps registered")
	return nil
}

// Definitions collects the inline steps of cfg followed by the steps of its
// CUE catalogs.
func Definitions(ctx context.Context, cfg *config.Config) ([]config.StepDefinition, error) {
	defs := append([]config.StepDefinition(nil), cfg.Steps...)
	if len(cfg.Catalog) == 0 {
		return defs, nil
	}

	catalog, err := config.NewCatalogParser().Parse(ctx, cfg.Catalog)
	if err != nil {
		return nil, err
	}
	if err := catalog.Err(); err != nil {
		return nil, engine.NewPermanentError("failed to load step catalog", err).
			WithCode(engine.ErrCodeValidation)
	}
	return append(defs, catalog.Steps...), nil
}
